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

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/obtain/dwe"
	"github.com/stockparfait/obtain/table"
)

// Sink persists the results of FetchRobust.
type Sink interface {
	// WriteChunk stores the i'th chunk. Indices start at 0 and increase by 1.
	WriteChunk(ctx context.Context, i int, t *table.Table) error
	// WriteFailures stores the codes which could not be fetched.
	WriteFailures(ctx context.Context, codes []string) error
	// Merge combines all the stored chunks. Called once at the end.
	Merge(ctx context.Context) error
}

// RobustConfig configures FetchRobust.
type RobustConfig struct {
	FlushEvery     int      // flush to the sink after this many instruments
	ExpectedFields []string // columns ensured in every chunk
	Matching       dwe.Matching
	Labels         map[string]string // code -> label, see dwe.AddLabels
	// Progress is called after each instrument. Default: log at debug level.
	Progress func(ctx context.Context, done, total int)
}

func logProgress(ctx context.Context, done, total int) {
	logging.Debugf(ctx, "processed %d of %d codes (%.1f%%)",
		done, total, 100.0*float64(done)/float64(total))
}

// fetchOne requests a single code and tabulates the result.
func fetchOne(ctx context.Context, fetch FetchFunc, code string, m dwe.Matching) (*table.Table, error) {
	o, err := attempt(ctx, fetch, []string{code}, m)
	if err != nil {
		return nil, err
	}
	t, err := dwe.Normalize(o)
	if err != nil {
		return nil, &FetchError{Kind: NormalizationFailure, Codes: []string{code}, Err: err}
	}
	return t, nil
}

// FetchRobust requests codes strictly one at a time in the input order. Every
// FlushEvery processed codes, and after the last one, the accumulated tables
// are concatenated, completed with the expected columns, sorted by column name
// and written to the sink as the next chunk. Windows with no successful codes
// produce no chunk. At the end, the failed codes are written to the sink, the
// chunks are merged, and the failed codes are returned.
//
// A failure to fetch any individual code never aborts the run. Errors are
// returned only for an invalid config and sink failures.
func FetchRobust(ctx context.Context, codes []string, fetch FetchFunc, c RobustConfig, sink Sink) ([]string, error) {
	if c.FlushEvery <= 0 {
		return nil, errors.Reason("flush_every must be positive: %d", c.FlushEvery)
	}
	progress := c.Progress
	if progress == nil {
		progress = logProgress
	}
	var buf []*table.Table
	var failed []string
	chunk := 0

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		t := table.Concat(buf...)
		t.EnsureColumns(c.ExpectedFields...)
		t.SortColumns()
		if err := sink.WriteChunk(ctx, chunk, t); err != nil {
			return errors.Annotate(err, "failed to write chunk %d", chunk)
		}
		chunk++
		buf = nil
		return nil
	}

	for i, code := range codes {
		t, err := fetchOne(ctx, fetch, code, c.Matching)
		if err != nil {
			logging.Warningf(ctx, "%s", err.Error())
			failed = append(failed, code)
		} else {
			for _, f := range c.ExpectedFields {
				if t.ColumnIndex(f) < 0 {
					logging.Warningf(ctx, "%s: missing field %s", code, f)
				}
			}
			dwe.AddLabels(t, c.Labels)
			buf = append(buf, t)
		}
		progress(ctx, i+1, len(codes))
		if (i+1)%c.FlushEvery == 0 || i == len(codes)-1 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := sink.WriteFailures(ctx, failed); err != nil {
		return nil, errors.Annotate(err, "failed to write %d failures", len(failed))
	}
	if err := sink.Merge(ctx); err != nil {
		return nil, errors.Annotate(err, "failed to merge chunks")
	}
	logging.Infof(ctx, "fetched %d of %d codes in %d chunks",
		len(codes)-len(failed), len(codes), chunk)
	return failed, nil
}
