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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/obtain/db"
	"github.com/stockparfait/obtain/dwe"
	"github.com/stockparfait/obtain/table"

	. "github.com/smartystreets/goconvey/convey"
)

// testService answers requests from canned responses keyed by the
// comma-joined codes. Unknown requests get a connection failure.
type testService struct {
	responses map[string]*dwe.RawResponse
	errs      map[string]error
	calls     []string
}

func newTestService() *testService {
	return &testService{
		responses: make(map[string]*dwe.RawResponse),
		errs:      make(map[string]error),
	}
}

func (s *testService) fetch(ctx context.Context, codes []string) (*dwe.RawResponse, error) {
	key := strings.Join(codes, ",")
	s.calls = append(s.calls, key)
	if err, ok := s.errs[key]; ok {
		return nil, err
	}
	if r, ok := s.responses[key]; ok {
		return r, nil
	}
	return &dwe.RawResponse{StatusType: "Failed", StatusMessage: "no such code"}, nil
}

// single adds a successful one-code response with prices ps.
func (s *testService) single(code string, ps ...any) {
	dates := make([]any, len(ps))
	for i := range ps {
		dates[i] = fmt.Sprintf("2020-01-%02d", i+1)
	}
	s.responses[code] = dwe.TestResponse([]string{code},
		dwe.Array("DATE", dates...), dwe.Array("P", ps...))
}

func strs(ss ...string) []table.Cell {
	res := make([]table.Cell, len(ss))
	for i, s := range ss {
		res[i] = table.String(s)
	}
	return res
}

type testSink struct {
	chunks   []*table.Table
	indices  []int
	failures []string
	ops      []string
	err      error
}

var _ Sink = &testSink{}
var _ Sink = &db.ChunkDir{}

func (s *testSink) WriteChunk(ctx context.Context, i int, t *table.Table) error {
	if s.err != nil {
		return s.err
	}
	s.indices = append(s.indices, i)
	s.chunks = append(s.chunks, t)
	s.ops = append(s.ops, "chunk")
	return nil
}

func (s *testSink) WriteFailures(ctx context.Context, codes []string) error {
	s.failures = codes
	s.ops = append(s.ops, "failures")
	return nil
}

func (s *testSink) Merge(ctx context.Context) error {
	s.ops = append(s.ops, "merge")
	return nil
}

func TestBatch(t *testing.T) {
	t.Parallel()

	Convey("FetchBatches", t, func() {
		ctx := context.Background()
		s := newTestService()

		Convey("chunks codes", func() {
			So(Chunks([]string{"A", "B", "C", "D", "E"}, 2), ShouldResemble,
				[][]string{{"A", "B"}, {"C", "D"}, {"E"}})
			So(Chunks([]string{"A", "B"}, 2), ShouldResemble, [][]string{{"A", "B"}})
			So(Chunks(nil, 2), ShouldBeNil)
			So(Chunks([]string{"A", "B"}, 0), ShouldBeNil)
			So(Chunks([]string{"A", "B"}, -1), ShouldBeNil)
		})

		Convey("falls back on a structural failure", func() {
			s.responses["A,B"] = dwe.TestResponse([]string{"A", "B"},
				dwe.Array("DATE", "2020-01-01", "2020-01-02"),
				dwe.Array("P", 1.0, 2.0),
				dwe.Array("P_2", 3.0, 4.0))
			// D is missing from the response.
			s.responses["C,D"] = dwe.TestResponse([]string{"C", "D"},
				dwe.Array("DATE", "2020-01-01"), dwe.Array("P", 5.0))
			s.single("D", 7.0)

			res, err := FetchBatches(ctx, []string{"A", "B", "C", "D"}, 2, s.fetch)
			So(err, ShouldBeNil)
			So(res.Failed, ShouldResemble, []string{"C"})
			So(s.calls, ShouldResemble, []string{"A,B", "C,D", "C", "D"})
			So(res.Dataset.Header, ShouldResemble, []string{"DATE", "P", "SYMBOL"})
			So(res.Dataset.Column("SYMBOL"), ShouldResemble, strs("A", "A", "B", "B", "D"))
			So(res.Dataset.Column("P"), ShouldResemble, []table.Cell{
				table.Number(1), table.Number(2), table.Number(3), table.Number(4), table.Number(7)})
		})

		Convey("fails the whole chunk on the status error", func() {
			s.responses["A,B"] = &dwe.RawResponse{
				StatusType: "Failed", StatusCode: dwe.StatusCodeError, StatusMessage: "denied"}
			s.single("C", 1.0)

			res, err := FetchBatches(ctx, []string{"A", "B", "C"}, 2, s.fetch)
			So(err, ShouldBeNil)
			So(res.Failed, ShouldResemble, []string{"A", "B"})
			So(s.calls, ShouldResemble, []string{"A,B", "C"})
			So(res.Dataset.Column("SYMBOL"), ShouldResemble, strs("C"))
		})

		Convey("falls back on transport and connection failures", func() {
			s.errs["A,B"] = errors.Reason("connection reset")
			s.errs["B"] = errors.Reason("connection reset")
			s.single("A", 1.0)
			s.single("D", 2.0)
			// "C,D" and "C" get a connection failure.

			res, err := FetchBatches(ctx, []string{"A", "B", "C", "D"}, 2, s.fetch)
			So(err, ShouldBeNil)
			So(res.Failed, ShouldResemble, []string{"B", "C"})
			So(s.calls, ShouldResemble, []string{"A,B", "A", "B", "C,D", "C", "D"})
			So(res.Dataset.Column("SYMBOL"), ShouldResemble, strs("A", "D"))
		})

		Convey("all failed yields an empty dataset", func() {
			c := BatchConfig{ChunkSize: 3, ExpectedFields: []string{"P", "MV"}}
			res, err := c.Fetch(ctx, []string{"A", "B"}, s.fetch)
			So(err, ShouldBeNil)
			So(res.Failed, ShouldResemble, []string{"A", "B"})
			So(res.Dataset.NumRows(), ShouldEqual, 0)
			So(res.Dataset.Header, ShouldResemble, []string{"P", "MV"})
		})

		Convey("expected fields are ensured", func() {
			s.single("A", 1.0)
			c := BatchConfig{ChunkSize: 16, ExpectedFields: []string{"P", "MV"}}
			res, err := c.Fetch(ctx, []string{"A"}, s.fetch)
			So(err, ShouldBeNil)
			So(res.Dataset.Header, ShouldResemble, []string{"DATE", "P", "SYMBOL", "MV"})
			So(res.Dataset.Column("MV"), ShouldResemble, []table.Cell{table.Null()})
		})

		Convey("labels are added", func() {
			s.single("A", 1.0)
			s.single("B", 2.0)
			c := BatchConfig{ChunkSize: 1, Labels: map[string]string{"B": "Beta"}}
			res, err := c.Fetch(ctx, []string{"A", "B"}, s.fetch)
			So(err, ShouldBeNil)
			So(res.Dataset.Column("LABEL"), ShouldResemble,
				[]table.Cell{table.Null(), table.String("Beta")})
		})

		Convey("every code is either fetched or failed", func() {
			var codes []string
			for i := 0; i < 10; i++ {
				code := fmt.Sprintf("X%d", i)
				codes = append(codes, code)
				if i%3 != 0 {
					s.single(code, float64(i))
				}
			}
			res, err := FetchBatches(ctx, codes, 4, s.fetch)
			So(err, ShouldBeNil)
			So(res.Failed, ShouldResemble, []string{"X0", "X3", "X6", "X9"})
			So(res.Dataset.Column("SYMBOL"), ShouldResemble,
				strs("X1", "X2", "X4", "X5", "X7", "X8"))
		})

		Convey("invalid chunk size", func() {
			_, err := FetchBatches(ctx, []string{"A"}, 0, s.fetch)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRobust(t *testing.T) {
	t.Parallel()
	tmpdir := t.TempDir()

	Convey("FetchRobust", t, func() {
		ctx := context.Background()
		s := newTestService()
		sink := &testSink{}
		for _, c := range []string{"A", "B", "D", "E"} {
			s.single(c, 1.0)
		}

		Convey("flushes periodically", func() {
			var progress []string
			c := RobustConfig{
				FlushEvery: 2,
				Progress: func(ctx context.Context, done, total int) {
					progress = append(progress, fmt.Sprintf("%d/%d", done, total))
				},
			}
			failed, err := FetchRobust(ctx, []string{"A", "B", "C", "D", "E"}, s.fetch, c, sink)
			So(err, ShouldBeNil)
			So(failed, ShouldResemble, []string{"C"})
			So(s.calls, ShouldResemble, []string{"A", "B", "C", "D", "E"})
			So(sink.indices, ShouldResemble, []int{0, 1, 2})
			So(sink.chunks[0].Column("SYMBOL"), ShouldResemble, strs("A", "B"))
			So(sink.chunks[1].Column("SYMBOL"), ShouldResemble, strs("D"))
			So(sink.chunks[2].Column("SYMBOL"), ShouldResemble, strs("E"))
			So(sink.failures, ShouldResemble, []string{"C"})
			So(sink.ops, ShouldResemble, []string{"chunk", "chunk", "chunk", "failures", "merge"})
			So(progress, ShouldResemble, []string{"1/5", "2/5", "3/5", "4/5", "5/5"})
		})

		Convey("flushes full windows and the remainder", func() {
			s.single("C", 1.0)
			failed, err := FetchRobust(ctx, []string{"A", "B", "C", "D", "E"}, s.fetch,
				RobustConfig{FlushEvery: 2}, sink)
			So(err, ShouldBeNil)
			So(failed, ShouldBeNil)
			So(sink.indices, ShouldResemble, []int{0, 1, 2})
			So(sink.chunks[0].Column("SYMBOL"), ShouldResemble, strs("A", "B"))
			So(sink.chunks[1].Column("SYMBOL"), ShouldResemble, strs("C", "D"))
			So(sink.chunks[2].Column("SYMBOL"), ShouldResemble, strs("E"))
			var sizes []int
			for _, tbl := range sink.chunks {
				sizes = append(sizes, tbl.NumRows())
			}
			So(sizes, ShouldResemble, []int{2, 2, 1})
			So(sink.failures, ShouldBeNil)
		})

		Convey("labels are added to every chunk", func() {
			c := RobustConfig{FlushEvery: 1, Labels: map[string]string{"A": "Alpha", "B": "Beta"}}
			_, err := FetchRobust(ctx, []string{"A", "B"}, s.fetch, c, sink)
			So(err, ShouldBeNil)
			So(sink.chunks[0].Header, ShouldResemble, []string{"DATE", "LABEL", "P", "SYMBOL"})
			So(sink.chunks[0].Column("LABEL"), ShouldResemble, strs("Alpha"))
			So(sink.chunks[1].Column("LABEL"), ShouldResemble, strs("Beta"))
		})

		Convey("skips windows without successes", func() {
			failed, err := FetchRobust(ctx, []string{"A", "C", "X", "B"}, s.fetch,
				RobustConfig{FlushEvery: 1}, sink)
			So(err, ShouldBeNil)
			So(failed, ShouldResemble, []string{"C", "X"})
			So(sink.indices, ShouldResemble, []int{0, 1})
			So(sink.chunks[1].Column("SYMBOL"), ShouldResemble, strs("B"))
		})

		Convey("ensures expected fields and sorts columns", func() {
			c := RobustConfig{FlushEvery: 10, ExpectedFields: []string{"P", "MV"}}
			failed, err := FetchRobust(ctx, []string{"A", "B"}, s.fetch, c, sink)
			So(err, ShouldBeNil)
			So(failed, ShouldBeNil)
			So(len(sink.chunks), ShouldEqual, 1)
			So(sink.chunks[0].Header, ShouldResemble, []string{"DATE", "MV", "P", "SYMBOL"})
			So(sink.chunks[0].Column("MV"), ShouldResemble, []table.Cell{table.Null(), table.Null()})
		})

		Convey("transport errors and status errors are failures", func() {
			s.errs["A"] = errors.Reason("timeout")
			s.responses["B"] = &dwe.RawResponse{StatusType: "Failed", StatusCode: dwe.StatusCodeError}
			failed, err := FetchRobust(ctx, []string{"A", "B", "D"}, s.fetch,
				RobustConfig{FlushEvery: 2}, sink)
			So(err, ShouldBeNil)
			So(failed, ShouldResemble, []string{"A", "B"})
			So(sink.indices, ShouldResemble, []int{0})
		})

		Convey("no codes", func() {
			failed, err := FetchRobust(ctx, nil, s.fetch, RobustConfig{FlushEvery: 2}, sink)
			So(err, ShouldBeNil)
			So(failed, ShouldBeNil)
			So(sink.ops, ShouldResemble, []string{"failures", "merge"})
		})

		Convey("sink errors abort the run", func() {
			sink.err = errors.Reason("disk full")
			_, err := FetchRobust(ctx, []string{"A"}, s.fetch, RobustConfig{FlushEvery: 2}, sink)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "disk full")
		})

		Convey("invalid config", func() {
			_, err := FetchRobust(ctx, []string{"A"}, s.fetch, RobustConfig{}, sink)
			So(err, ShouldNotBeNil)
			So(s.calls, ShouldBeNil)
		})

		Convey("writes to a chunk directory", func() {
			path := filepath.Join(tmpdir, "run")
			d, err := db.OpenChunkDir(ctx, path)
			So(err, ShouldBeNil)
			failed, err := FetchRobust(ctx, []string{"A", "B", "C", "D", "E"}, s.fetch,
				RobustConfig{FlushEvery: 2}, d)
			So(err, ShouldBeNil)
			So(failed, ShouldResemble, []string{"C"})

			merged, err := os.ReadFile(filepath.Join(path, db.MergedFile))
			So(err, ShouldBeNil)
			So(string(merged), ShouldEqual, `DATE,P,SYMBOL
2020-01-01,1,A
2020-01-01,1,B
2020-01-01,1,D
2020-01-01,1,E
`)
			m, err := db.ReadMetadata(path)
			So(err, ShouldBeNil)
			So(m.NumChunks, ShouldEqual, 3)
			So(m.NumRows, ShouldEqual, 4)
			So(m.NumFailed, ShouldEqual, 1)
		})

		Convey("keeps series of later chunks when the first chunk has none", func() {
			s.responses["BAD"] = dwe.TestResponse([]string{"BAD"},
				dwe.Array("DATE", "2020-01-01"), dwe.Scalar("INSTERROR", "$$ER: 0904,NO DATA AVAILABLE"))
			s.single("A", 1.0, 2.0)
			s.single("B", 3.0)
			path := filepath.Join(tmpdir, "bad-first")
			d, err := db.OpenChunkDir(ctx, path)
			So(err, ShouldBeNil)
			failed, err := FetchRobust(ctx, []string{"BAD", "A", "B"}, s.fetch,
				RobustConfig{FlushEvery: 1}, d)
			So(err, ShouldBeNil)
			So(failed, ShouldBeNil)

			merged, err := os.ReadFile(filepath.Join(path, db.MergedFile))
			So(err, ShouldBeNil)
			So(string(merged), ShouldEqual, `DATE,SYMBOL,P
2020-01-01,BAD,
2020-01-01,A,1
2020-01-02,A,2
2020-01-01,B,3
`)
		})
	})
}
