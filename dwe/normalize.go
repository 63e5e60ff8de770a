// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dwe

import (
	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/obtain/table"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrEmptyInput is returned by Normalize when none of the outcomes produced a
// record.
var ErrEmptyInput = errors.Reason("no records to normalize")

// Header of the record's table: DATE first, then other series and then
// metadata, each in lexicographic order.
func (r *Record) Header() []string {
	series := maps.Keys(r.Series)
	slices.Sort(series)
	var header []string
	if _, ok := r.Series[DateField]; ok {
		header = append(header, DateField)
	}
	for _, s := range series {
		if s != DateField {
			header = append(header, s)
		}
	}
	meta := maps.Keys(r.Metadata)
	slices.Sort(meta)
	return append(header, meta...)
}

// Table converts the record into a table with one row per series position.
// Series of length 1 are broadcast to all rows, shorter series are padded
// with nulls, and metadata is broadcast as constant columns. A record without
// series yields a single row of metadata.
func (r *Record) Table() *table.Table {
	rows := 1
	for _, s := range r.Series {
		if len(s) > rows {
			rows = len(s)
		}
	}
	header := r.Header()
	t := table.NewTable(header...)
	for i := 0; i < rows; i++ {
		row := make(table.Row, len(header))
		for j, h := range header {
			if s, ok := r.Series[h]; ok {
				switch {
				case len(s) == 1:
					row[j] = s[0]
				case i < len(s):
					row[j] = s[i]
				}
				continue
			}
			row[j] = r.Metadata[h]
		}
		t.AddRow(row)
	}
	return t
}

// Normalize folds the records of all the successful outcomes into a single
// table, concatenating the records' tables row-wise in order. Connection
// failures are skipped. It returns ErrEmptyInput when there are no records.
func Normalize(outcomes ...*Outcome) (*table.Table, error) {
	tables := iterator.Reduce[*Outcome, []*table.Table](
		iterator.FromSlice(outcomes), nil,
		func(o *Outcome, acc []*table.Table) []*table.Table {
			if o == nil || !o.OK() {
				return acc
			}
			for i := range o.Records {
				acc = append(acc, o.Records[i].Table())
			}
			return acc
		})
	if len(tables) == 0 {
		return nil, ErrEmptyInput
	}
	return table.Concat(tables...), nil
}

// AddLabels adds the LabelField column holding the label of each row's
// instrument, as identified by its SYMBOL. Rows of instruments without a label
// get nulls. The table is left intact when labels is empty.
func AddLabels(t *table.Table, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	sym := t.ColumnIndex(SymbolField)
	t.EnsureColumns(LabelField)
	col := t.ColumnIndex(LabelField)
	for _, r := range t.Rows {
		r[col] = table.Null()
		if sym < 0 {
			continue
		}
		if l, ok := labels[r[sym].String()]; ok {
			r[col] = table.String(l)
		}
	}
}
