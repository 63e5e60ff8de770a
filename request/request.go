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

// Package request builds the vendor's textual request strings:
//
//	<codes>[~=<fields>][~<YYYY-MM-DD>][~-<N>Y][~-<N>D][~<freq>]
//
// Clauses are separated by '~', codes and fields are joined by ','. When no
// date clause is present the service returns its default of one year of data.
package request

import (
	"fmt"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/obtain/db"
)

// MaxCodes is the number of codes the service accepts in a single request.
// Extra codes are silently dropped by the service, and are not checked here;
// the callers are expected to chunk their code lists.
const MaxCodes = 16

// Frequency of the requested series.
type Frequency string

const (
	NoFrequency = Frequency("") // service default, depends on the date range
	Daily       = Frequency("D")
	Weekly      = Frequency("W")
	Monthly     = Frequency("M")
	Static      = Frequency("REP") // not a frequency: a static (snapshot) request
)

// Valid checks that f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case NoFrequency, Daily, Weekly, Monthly, Static:
		return true
	}
	return false
}

// Request is a builder for a request string. Builder methods always create a
// deep copy, leaving the original intact.
type Request struct {
	codes     []string
	fields    []string
	frequency Frequency
	start     db.Date // zero = unset
	yearsBack int
	daysBack  int
	hasYears  bool
	hasDays   bool
}

// New creates a new request for the given codes.
func New(codes ...string) *Request {
	return &Request{codes: append([]string{}, codes...)}
}

// Copy creates a deep copy of the request.
func (r *Request) Copy() *Request {
	r2 := *r
	r2.codes = append([]string{}, r.codes...)
	if r.fields != nil {
		r2.fields = append([]string{}, r.fields...)
	}
	return &r2
}

// Codes replaces the instrument codes of the request.
func (r *Request) Codes(codes ...string) *Request {
	r2 := r.Copy()
	r2.codes = append([]string{}, codes...)
	return r2
}

// Fields sets the requested data fields. No fields means the service default,
// usually the price, chosen according to the first code.
func (r *Request) Fields(fields ...string) *Request {
	r2 := r.Copy()
	r2.fields = append([]string{}, fields...)
	return r2
}

// Frequency of the series.
func (r *Request) Frequency(f Frequency) *Request {
	r2 := r.Copy()
	r2.frequency = f
	return r2
}

// Start date of the series.
func (r *Request) Start(d db.Date) *Request {
	r2 := r.Copy()
	r2.start = d
	return r2
}

// YearsBack starts the series n years ago.
func (r *Request) YearsBack(n int) *Request {
	r2 := r.Copy()
	r2.yearsBack = n
	r2.hasYears = true
	return r2
}

// DaysBack starts the series n days ago.
func (r *Request) DaysBack(n int) *Request {
	r2 := r.Copy()
	r2.daysBack = n
	r2.hasDays = true
	return r2
}

// CodeList returns a copy of the request's codes.
func (r *Request) CodeList() []string {
	return append([]string{}, r.codes...)
}

// String renders the request without validating it. Date clauses are not
// mutually exclusive: all the supplied ones are added in a fixed order.
func (r *Request) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(r.codes, ","))
	if len(r.fields) > 0 {
		b.WriteString("~=" + strings.Join(r.fields, ","))
	}
	if !r.start.IsZero() {
		b.WriteString("~" + r.start.String())
	}
	if r.hasYears {
		fmt.Fprintf(&b, "~-%dY", r.yearsBack)
	}
	if r.hasDays {
		fmt.Fprintf(&b, "~-%dD", r.daysBack)
	}
	if r.frequency != NoFrequency {
		b.WriteString("~" + string(r.frequency))
	}
	return b.String()
}

func checkToken(kind, s string) error {
	if s == "" {
		return errors.Reason("empty %s", kind)
	}
	if strings.ContainsAny(s, "~,") {
		return errors.Reason("%s '%s' contains a reserved character", kind, s)
	}
	return nil
}

// Validate checks the request for errors that would produce a malformed
// request string.
func (r *Request) Validate() error {
	if len(r.codes) == 0 {
		return errors.Reason("no codes in the request")
	}
	for _, c := range r.codes {
		if err := checkToken("code", c); err != nil {
			return err
		}
	}
	for _, f := range r.fields {
		if err := checkToken("field", f); err != nil {
			return err
		}
	}
	if !r.frequency.Valid() {
		return errors.Reason("unsupported frequency: '%s'", r.frequency)
	}
	if r.hasYears && r.yearsBack < 0 {
		return errors.Reason("years back = %d must be >= 0", r.yearsBack)
	}
	if r.hasDays && r.daysBack < 0 {
		return errors.Reason("days back = %d must be >= 0", r.daysBack)
	}
	return nil
}

// Build validates and renders the request string.
func (r *Request) Build() (string, error) {
	if err := r.Validate(); err != nil {
		return "", errors.Annotate(err, "invalid request")
	}
	return r.String(), nil
}

// CodesOf extracts the instrument codes from a raw request string.
func CodesOf(query string) []string {
	codes := strings.SplitN(query, "~", 2)[0]
	if codes == "" {
		return nil
	}
	return strings.Split(codes, ",")
}
