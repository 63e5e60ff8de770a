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
	"fmt"
	"strconv"
	"strings"

	"github.com/stockparfait/obtain/db"
	"github.com/stockparfait/obtain/table"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Matching is the rule assigning suffixed field names to instruments.
type Matching uint8

const (
	// IndexMatching parses a trailing "_<k>" suffix and assigns the field to
	// exactly one instrument, the k'th. Names without such a suffix belong to
	// the first instrument; suffixes beyond the number of instruments are
	// ignored.
	IndexMatching Matching = iota
	// SubstringMatching assigns to the first instrument the names without any
	// underscore, and to the k'th instrument every name containing "_<k>". With
	// 11 or more instruments "_1x" names also match "_1", so a field may be
	// assigned to several instruments.
	SubstringMatching
)

// Names of the metadata fields, and of the fields never reported as series.
const (
	SymbolField    = "SYMBOL"
	CurrencyField  = "CCY"
	NameField      = "DISPNAME"
	FrequencyField = "FREQUENCY"
	DateField      = "DATE"
	ErrorField     = "INSTERROR"
	LabelField     = "LABEL" // human readable instrument name, see AddLabels
)

var metadataFields = []string{CurrencyField, NameField, FrequencyField}

var reservedTokens = []string{
	CurrencyField, NameField, FrequencyField, SymbolField, DateField, ErrorField,
}

// OutcomeKind tags the result of Parse.
type OutcomeKind uint8

const (
	Success OutcomeKind = iota
	ConnectionFailure
)

// Status of the response, retained for diagnostics.
type Status struct {
	Instrument string
	Type       string
	Code       int
	Message    string
}

func (s Status) String() string {
	return fmt.Sprintf("%s: %s [%d] %s", s.Instrument, s.Type, s.Code, s.Message)
}

// Record is the parsed data of a single instrument.
type Record struct {
	Metadata map[string]table.Cell
	Series   map[string][]table.Cell
}

// Symbol is the instrument code of the record.
func (r *Record) Symbol() string {
	return r.Metadata[SymbolField].String()
}

// Outcome of parsing a response. Records are present, one per requested
// instrument in request order, only when Kind is Success.
type Outcome struct {
	Kind    OutcomeKind
	Status  Status
	Records []Record
}

// OK is true for a successfully parsed response.
func (o *Outcome) OK() bool {
	return o.Kind == Success
}

// fieldValue is a decoded FieldEntry.
type fieldValue struct {
	cells []table.Cell
}

// scalar is the value of a scalar field, or the first element of an array.
func (v fieldValue) scalar() table.Cell {
	if len(v.cells) == 0 {
		return table.Null()
	}
	return v.cells[0]
}

// decodeField prefers the scalar value; without one, it takes the first
// element of the array value. An entry with neither is null.
func decodeField(f FieldEntry) fieldValue {
	if f.Value != nil {
		return fieldValue{cells: []table.Cell{table.FromJSON(f.Value)}}
	}
	if len(f.ArrayValue) == 0 {
		return fieldValue{cells: []table.Cell{table.Null()}}
	}
	cells := make([]table.Cell, len(f.ArrayValue[0]))
	for i, v := range f.ArrayValue[0] {
		cells[i] = table.FromJSON(v)
	}
	return fieldValue{cells: cells}
}

func decodeFields(fs []FieldEntry) map[string]fieldValue {
	m := make(map[string]fieldValue, len(fs))
	for _, f := range fs {
		m[f.Name] = decodeField(f)
	}
	return m
}

// Suffix of the field names belonging to the k'th (0-based) instrument.
func Suffix(k int) string {
	if k == 0 {
		return ""
	}
	return "_" + strconv.Itoa(k+1)
}

// indexSlot returns the 0-based instrument slot of the name among n
// instruments and the name with the suffix removed. ok is false when the
// suffix points past the last instrument.
func indexSlot(name string, n int) (slot int, base string, ok bool) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 || i == len(name)-1 {
		return 0, name, true
	}
	k, err := strconv.Atoi(name[i+1:])
	if err != nil || k < 2 || strings.ContainsAny(name[i+1:], "+-") {
		return 0, name, true
	}
	if k > n {
		return 0, "", false
	}
	return k - 1, name[:i], true
}

// candidates maps each instrument slot to its {suffixed name -> base name}.
func candidates(names []string, n int, m Matching) []map[string]string {
	res := make([]map[string]string, n)
	for k := range res {
		res[k] = make(map[string]string)
	}
	if n == 0 {
		return res
	}
	for _, name := range names {
		if m == SubstringMatching {
			if !strings.Contains(name, "_") {
				res[0][name] = name
			}
			for k := 1; k < n; k++ {
				if s := Suffix(k); strings.Contains(name, s) {
					res[k][name] = strings.ReplaceAll(name, s, "")
				}
			}
			continue
		}
		if k, base, ok := indexSlot(name, n); ok {
			res[k][name] = base
		}
	}
	return res
}

func isReserved(name string) bool {
	for _, t := range reservedTokens {
		if strings.Contains(name, t) {
			return true
		}
	}
	return false
}

// dateCells converts vendor-encoded dates to YYYY-MM-DD strings. Cells which
// are not recognizable dates are kept as is.
func dateCells(cells []table.Cell) []table.Cell {
	res := make([]table.Cell, len(cells))
	for i, c := range cells {
		res[i] = c
		if c.Kind != table.StringCell {
			continue
		}
		if d, err := db.NewDateFromString(c.String()); err == nil {
			res[i] = table.String(d.String())
		}
	}
	return res
}

// Parse the raw response into per-instrument records. A response with a status
// type other than "Connected" yields a ConnectionFailure outcome with no
// records. Parse never fails otherwise: missing fields are simply absent from
// the records.
func Parse(raw *RawResponse, m Matching) *Outcome {
	o := &Outcome{Status: Status{
		Instrument: raw.Instrument,
		Type:       raw.StatusType,
		Code:       raw.StatusCode,
		Message:    raw.StatusMessage,
	}}
	if raw.StatusType != StatusConnected {
		o.Kind = ConnectionFailure
		return o
	}
	fields := decodeFields(raw.Fields.Field)
	names := maps.Keys(fields)
	slices.Sort(names)
	slots := candidates(names, len(raw.Codes), m)
	o.Records = make([]Record, len(raw.Codes))
	for k, code := range raw.Codes {
		suffix := Suffix(k)
		rec := Record{
			Metadata: map[string]table.Cell{SymbolField: table.String(code)},
			Series:   make(map[string][]table.Cell),
		}
		for _, f := range metadataFields {
			if v, ok := fields[f+suffix]; ok {
				rec.Metadata[f] = v.scalar()
			}
		}
		for name, base := range slots[k] {
			if isReserved(name) {
				continue
			}
			rec.Series[base] = fields[name].cells
		}
		if v, ok := fields[DateField+suffix]; ok {
			rec.Series[DateField] = dateCells(v.cells)
		} else if v, ok := fields[DateField]; ok {
			rec.Series[DateField] = dateCells(v.cells)
		}
		o.Records[k] = rec
	}
	return o
}

// ShapeError reports a connected response that does not match the request,
// typically when the service returned data for fewer instruments than were
// requested.
type ShapeError struct {
	Requested int
	Missing   []string // requested codes with no fields in the response
}

func (e *ShapeError) Error() string {
	if e.Requested == 0 {
		return "response has no requested codes"
	}
	return fmt.Sprintf("response has no fields for %d of %d codes: %s",
		len(e.Missing), e.Requested, strings.Join(e.Missing, ", "))
}

// CheckShape validates that a connected response carries at least one field
// for every requested instrument. It returns nil for responses which are not
// connected, since they carry no fields at all.
func CheckShape(raw *RawResponse, m Matching) error {
	if raw.StatusType != StatusConnected {
		return nil
	}
	if len(raw.Codes) == 0 {
		return &ShapeError{}
	}
	names := make([]string, len(raw.Fields.Field))
	for i, f := range raw.Fields.Field {
		names[i] = f.Name
	}
	var missing []string
	for k, c := range candidates(names, len(raw.Codes), m) {
		if len(c) == 0 {
			missing = append(missing, raw.Codes[k])
		}
	}
	if len(missing) > 0 {
		return &ShapeError{Requested: len(raw.Codes), Missing: missing}
	}
	return nil
}
