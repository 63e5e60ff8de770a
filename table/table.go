// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package table implements the tabular dataset produced from vendor responses:
// a header of column names and rows of Cells.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/stockparfait/errors"
	"golang.org/x/exp/slices"
)

// CellKind is the enum of Cell value types.
type CellKind uint8

const (
	NullCell CellKind = iota
	NumberCell
	StringCell
)

// Cell of a table Row which is a union of null, string or number (float64).
// The zero value is a null cell.
type Cell struct {
	Kind   CellKind
	number float64
	string string
}

// Null is the missing value marker.
func Null() Cell {
	return Cell{}
}

func String(s string) Cell {
	return Cell{Kind: StringCell, string: s}
}

func Number(n float64) Cell {
	return Cell{Kind: NumberCell, number: n}
}

// FromJSON converts a value decoded by encoding/json into a Cell. Numbers
// (including plain Go ints) and strings keep their type, JSON null becomes a
// null cell, everything else is stored as its printed representation.
func FromJSON(v any) Cell {
	switch x := v.(type) {
	case nil:
		return Null()
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case string:
		return String(x)
	case bool:
		return String(strconv.FormatBool(x))
	}
	return String(fmt.Sprintf("%v", v))
}

func (c Cell) IsNull() bool { return c.Kind == NullCell }

// Number value of the cell; ok is false for non-numeric cells.
func (c Cell) Number() (n float64, ok bool) {
	return c.number, c.Kind == NumberCell
}

// String representation of the cell as it appears in CSV. Null is empty.
func (c Cell) String() string {
	switch c.Kind {
	case NumberCell:
		return strconv.FormatFloat(c.number, 'g', -1, 64)
	case StringCell:
		return c.string
	}
	return ""
}

// Row of cells, in the order of the table header.
type Row []Cell

// CSV is an encoding/csv compatible row representation.
func (r Row) CSV() []string {
	res := make([]string, len(r))
	for i, c := range r {
		res[i] = c.String()
	}
	return res
}

// Table container. Every row is expected to have exactly len(Header) cells.
type Table struct {
	Header []string
	Rows   []Row
}

// NewTable creates a new Table instance with the given column names.
func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// AddRow adds one or more rows to the table.
func (t *Table) AddRow(rows ...Row) {
	t.Rows = append(t.Rows, rows...)
}

// NumRows in the table.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	return slices.Index(t.Header, name)
}

// Column returns a copy of the named column's cells, or nil if there is no such
// column.
func (t *Table) Column(name string) []Cell {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	res := make([]Cell, len(t.Rows))
	for j, r := range t.Rows {
		res[j] = r[i]
	}
	return res
}

// Select creates a new table with exactly the given columns in the given
// order. Columns missing in t are filled with nulls.
func (t *Table) Select(columns ...string) *Table {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.ColumnIndex(c)
	}
	res := NewTable(append([]string{}, columns...)...)
	res.Rows = make([]Row, len(t.Rows))
	for j, r := range t.Rows {
		row := make(Row, len(columns))
		for i, k := range idx {
			if k >= 0 {
				row[i] = r[k]
			}
		}
		res.Rows[j] = row
	}
	return res
}

// EnsureColumns adds null-filled columns for every name not yet in the table.
// It returns the names of the added columns.
func (t *Table) EnsureColumns(columns ...string) []string {
	var added []string
	for _, c := range columns {
		if t.ColumnIndex(c) >= 0 {
			continue
		}
		added = append(added, c)
		t.Header = append(t.Header, c)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], Null())
		}
	}
	return added
}

// SortColumns reorders columns lexicographically by name.
func (t *Table) SortColumns() {
	header := slices.Clone(t.Header)
	slices.Sort(header)
	*t = *t.Select(header...)
}

// Concat stacks tables row-wise. The resulting header is the union of all
// headers in the order of first appearance; cells of columns absent in a
// table are nulls. Nil tables are skipped.
func Concat(tables ...*Table) *Table {
	var header []string
	seen := make(map[string]struct{})
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, h := range t.Header {
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				header = append(header, h)
			}
		}
	}
	res := NewTable(header...)
	for _, t := range tables {
		if t == nil {
			continue
		}
		res.AddRow(t.Select(header...).Rows...)
	}
	return res
}

// Params are parameters for pretty-printing or CSV export of Table data.
type Params struct {
	Rows        int  // max. number of rows to write; 0 = unlimited (default)
	NoHeader    bool // whether to print the header, default - yes
	MaxColWidth int  // for WriteText only; 0 = unlimited, otherwise must be >= 4
}

// WriteCSV writes the entire table to w in CSV format.
func (t *Table) WriteCSV(w io.Writer, p Params) error {
	cw := csv.NewWriter(w)
	if !p.NoHeader && len(t.Header) > 0 {
		if err := cw.Write(t.Header); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := cw.Write(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Annotate(err, "failed to flush written rows")
	}
	return nil
}

// WriteText writes the table as a text formatted for ease of reading.
func (t *Table) WriteText(w io.Writer, p Params) error {
	if p.MaxColWidth != 0 && p.MaxColWidth < 4 {
		return errors.Reason("MaxColWidth [%d] must be 0 or >= 4", p.MaxColWidth)
	}
	var widths []int
	update := func(row []string) error {
		if len(row) == 0 {
			return errors.Reason("row size = 0")
		}
		if len(widths) == 0 {
			widths = make([]int, len(row))
		}
		if len(row) != len(widths) {
			return errors.Reason("row size [%d] != expected size [%d]",
				len(row), len(widths))
		}
		for i := range widths {
			if widths[i] < len(row[i]) {
				widths[i] = len(row[i])
				if p.MaxColWidth > 0 && widths[i] > p.MaxColWidth {
					widths[i] = p.MaxColWidth
				}
			}
		}
		return nil
	}

	write := func(row []string) error {
		trimmed := make([]string, len(row))
		for i, s := range row {
			trimmed[i] = s
			if len([]rune(s)) > widths[i] {
				r := []rune(s)[:widths[i]-2]
				trimmed[i] = string(r) + ".."
			}
			trimmed[i] = fmt.Sprintf("%[2]*[1]s", trimmed[i], widths[i])
		}
		_, err := fmt.Fprintf(w, "%s\n", strings.Join(trimmed, " | "))
		return err
	}

	dashedRow := func() []string {
		row := make([]string, len(widths))
		for i, w := range widths {
			row[i] = strings.Repeat("-", w)
		}
		return row
	}

	withHeader := !p.NoHeader && len(t.Header) > 0
	if withHeader {
		if err := update(t.Header); err != nil {
			return errors.Annotate(err, "failed to update header widths")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := update(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to update row widths")
		}
	}

	if withHeader {
		if err := write(t.Header); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
		if err := write(dashedRow()); err != nil {
			return errors.Annotate(err, "failed to write header separator")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := write(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	return nil
}
