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

package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/obtain/dwe"
	"github.com/stockparfait/obtain/table"
)

// FetchFunc retrieves the raw service response for the given codes. See
// dwe.Fetcher for the default implementation.
type FetchFunc func(ctx context.Context, codes []string) (*dwe.RawResponse, error)

// FailureKind classifies failed requests.
type FailureKind uint8

const (
	TransportFailure     FailureKind = iota // the request did not complete
	StatusFailure                           // the service returned StatusCodeError
	ConnectionFailure                       // status type is not "Connected"
	StructuralFailure                       // response does not match the request
	NormalizationFailure                    // records could not be tabulated
)

func (k FailureKind) String() string {
	switch k {
	case TransportFailure:
		return "transport failure"
	case StatusFailure:
		return "status error"
	case ConnectionFailure:
		return "connection failure"
	case StructuralFailure:
		return "structural failure"
	case NormalizationFailure:
		return "normalization failure"
	}
	return fmt.Sprintf("FailureKind(%d)", uint8(k))
}

// FetchError describes a failed request for a group of codes.
type FetchError struct {
	Kind  FailureKind
	Codes []string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s for [%s]: %s", e.Kind, strings.Join(e.Codes, ","), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// attempt requests the codes once and classifies the result.
func attempt(ctx context.Context, fetch FetchFunc, codes []string, m dwe.Matching) (*dwe.Outcome, error) {
	fail := func(k FailureKind, err error) error {
		return &FetchError{Kind: k, Codes: codes, Err: err}
	}
	raw, err := fetch(ctx, codes)
	if err != nil {
		return nil, fail(TransportFailure, err)
	}
	if raw == nil {
		return nil, fail(TransportFailure, errors.Reason("nil response"))
	}
	if raw.Codes == nil {
		raw.Codes = codes
	}
	if raw.StatusCode == dwe.StatusCodeError {
		return nil, fail(StatusFailure, errors.Reason("status code %d: %s",
			raw.StatusCode, raw.StatusMessage))
	}
	o := dwe.Parse(raw, m)
	if !o.OK() {
		return nil, fail(ConnectionFailure, errors.Reason("%s", o.Status))
	}
	if err := dwe.CheckShape(raw, m); err != nil {
		return nil, fail(StructuralFailure, err)
	}
	return o, nil
}

// kindOf extracts the failure kind from an error returned by attempt.
func kindOf(err error) FailureKind {
	if fe, ok := err.(*FetchError); ok {
		return fe.Kind
	}
	return TransportFailure
}

// BatchResult is the outcome of FetchBatches. Every requested code is
// represented either in the Dataset or in Failed, never both.
type BatchResult struct {
	Dataset *table.Table
	Failed  []string // in request order
}

// BatchConfig configures chunked fetching.
type BatchConfig struct {
	ChunkSize      int
	ExpectedFields []string // columns ensured in the dataset
	Matching       dwe.Matching
	Labels         map[string]string // code -> label, see dwe.AddLabels
}

// FetchBatches requests codes in chunks of chunkSize. See BatchConfig.Fetch.
func FetchBatches(ctx context.Context, codes []string, chunkSize int, fetch FetchFunc) (*BatchResult, error) {
	c := BatchConfig{ChunkSize: chunkSize}
	return c.Fetch(ctx, codes, fetch)
}

// Chunks splits codes into contiguous chunks of size n, the last chunk
// possibly shorter. It returns nil for n <= 0.
func Chunks(codes []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	var res [][]string
	for len(codes) > n {
		res = append(res, codes[:n:n])
		codes = codes[n:]
	}
	if len(codes) > 0 {
		res = append(res, codes)
	}
	return res
}

// Fetch requests codes in chunks. A chunk which failed due to a transport
// error, a connection failure or a malformed response is retried one
// instrument at a time; a chunk with the status error code fails as a whole.
// Codes which failed individually are reported in the result. An error is
// returned only for an invalid config.
func (c BatchConfig) Fetch(ctx context.Context, codes []string, fetch FetchFunc) (*BatchResult, error) {
	if c.ChunkSize <= 0 {
		return nil, errors.Reason("chunk size must be positive: %d", c.ChunkSize)
	}
	var outcomes []*dwe.Outcome
	res := &BatchResult{}
	chunks := Chunks(codes, c.ChunkSize)
	for i, chunk := range chunks {
		o, err := attempt(ctx, fetch, chunk, c.Matching)
		if err == nil {
			logging.Infof(ctx, "chunk %d/%d: fetched %d codes", i+1, len(chunks), len(chunk))
			outcomes = append(outcomes, o)
			continue
		}
		if kindOf(err) == StatusFailure {
			logging.Warningf(ctx, "chunk %d/%d failed: %s", i+1, len(chunks), err.Error())
			res.Failed = append(res.Failed, chunk...)
			continue
		}
		logging.Warningf(ctx, "chunk %d/%d failed, fetching individually: %s",
			i+1, len(chunks), err.Error())
		for _, code := range chunk {
			o, err := attempt(ctx, fetch, []string{code}, c.Matching)
			if err != nil {
				logging.Warningf(ctx, "%s", err.Error())
				res.Failed = append(res.Failed, code)
				continue
			}
			outcomes = append(outcomes, o)
		}
	}
	t, err := dwe.Normalize(outcomes...)
	if errors.Is(err, dwe.ErrEmptyInput) {
		t = table.NewTable()
	} else if err != nil {
		return nil, errors.Annotate(err, "failed to normalize %d outcomes", len(outcomes))
	}
	dwe.AddLabels(t, c.Labels)
	t.EnsureColumns(c.ExpectedFields...)
	res.Dataset = t
	logging.Infof(ctx, "fetched %d of %d codes, %d rows",
		len(codes)-len(res.Failed), len(codes), t.NumRows())
	return res, nil
}
