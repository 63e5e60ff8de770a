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

package table

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SummaryHeader is the header of the table produced by Summary.
var SummaryHeader = []string{"Column", "Count", "Nulls", "Mean", "StdDev", "Min", "Max"}

// Summary computes basic statistics of every column that has at least one
// numeric cell, one row per such column in the header order. Non-numeric
// non-null cells are ignored; null cells are counted.
func (t *Table) Summary() *Table {
	res := NewTable(SummaryHeader...)
	for _, name := range t.Header {
		var xs []float64
		nulls := 0
		for _, c := range t.Column(name) {
			if c.IsNull() {
				nulls++
				continue
			}
			if x, ok := c.Number(); ok {
				xs = append(xs, x)
			}
		}
		if len(xs) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(xs, nil)
		if len(xs) < 2 {
			std = 0
		}
		res.AddRow(Row{
			String(name),
			Number(float64(len(xs))),
			Number(float64(nulls)),
			Number(mean),
			Number(std),
			Number(floats.Min(xs)),
			Number(floats.Max(xs)),
		})
	}
	return res
}
