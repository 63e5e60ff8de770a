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

package db

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/obtain/table"
	"golang.org/x/exp/slices"
)

// File names in the chunk directory.
const (
	chunkPrefix    = "chunk-"
	chunkSuffix    = ".csv"
	FailuresFile   = "failures.txt"
	MergedFile     = "merged.csv"
	MetadataFile   = "metadata.json"
	chunkNameWidth = 5
)

// ChunkFile is the name of the i'th chunk file.
func ChunkFile(i int) string {
	return fmt.Sprintf("%s%0*d%s", chunkPrefix, chunkNameWidth, i, chunkSuffix)
}

// Metadata is the schema for the metadata.json file written by Merge.
type Metadata struct {
	RunID     string    `json:"run_id"`
	Created   time.Time `json:"created"`
	Header    []string  `json:"header"`
	NumChunks int       `json:"num_chunks"`
	NumRows   int       `json:"num_rows"`
	NumFailed int       `json:"num_failed"`
}

// ChunkDir persists tables as numbered CSV chunk files in a directory, along
// with a failure log, and merges the chunks into a single file.
//
// The directory is a single-writer resource without any locking: it must be
// fresh (missing or empty) when opened, and only one ChunkDir may write to it.
type ChunkDir struct {
	path string
	meta Metadata
}

// OpenChunkDir creates the directory if necessary. It refuses to use an
// existing directory that is not empty.
func OpenChunkDir(ctx context.Context, path string) (*ChunkDir, error) {
	entries, err := os.ReadDir(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Annotate(err, "cannot read chunk directory '%s'", path)
	}
	if len(entries) > 0 {
		return nil, errors.Reason(
			"chunk directory '%s' is not empty (%d entries); use a fresh directory",
			path, len(entries))
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Annotate(err, "failed to create chunk directory '%s'", path)
	}
	id := uuid.New().String()
	logging.Infof(ctx, "run %s: writing chunks to %s", id, path)
	return &ChunkDir{path: path, meta: Metadata{RunID: id}}, nil
}

// Path of the directory.
func (d *ChunkDir) Path() string {
	return d.path
}

// RunID is a unique identifier of the run writing into the directory.
func (d *ChunkDir) RunID() string {
	return d.meta.RunID
}

func writeFile(fileName string, write func(w io.Writer) error) error {
	f, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Annotate(err, "failed to open file for writing: '%s'", fileName)
	}
	defer f.Close()
	if err := write(f); err != nil {
		return errors.Annotate(err, "failed to write to '%s'", fileName)
	}
	return nil
}

// WriteChunk writes the i'th chunk with its own header.
func (d *ChunkDir) WriteChunk(ctx context.Context, i int, t *table.Table) error {
	fileName := filepath.Join(d.path, ChunkFile(i))
	err := writeFile(fileName, func(w io.Writer) error {
		return t.WriteCSV(w, table.Params{})
	})
	if err != nil {
		return errors.Annotate(err, "failed to write chunk %d", i)
	}
	d.meta.NumChunks++
	d.meta.NumRows += t.NumRows()
	logging.Infof(ctx, "wrote chunk %d with %d rows to %s", i, t.NumRows(), fileName)
	return nil
}

// WriteFailures writes the failure log: one instrument code per line.
func (d *ChunkDir) WriteFailures(ctx context.Context, codes []string) error {
	fileName := filepath.Join(d.path, FailuresFile)
	err := writeFile(fileName, func(w io.Writer) error {
		for _, c := range codes {
			if _, err := fmt.Fprintln(w, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Annotate(err, "failed to write failure log")
	}
	d.meta.NumFailed = len(codes)
	logging.Infof(ctx, "wrote %d failed codes to %s", len(codes), fileName)
	return nil
}

// ChunkFiles lists the chunk files in the directory in chunk order.
func (d *ChunkDir) ChunkFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(d.path, chunkPrefix+"*"+chunkSuffix))
	if err != nil {
		return nil, errors.Annotate(err, "failed to list chunk files")
	}
	sort.Strings(files) // fixed-width numbering sorts lexicographically
	return files, nil
}

// Merge concatenates all the chunk files into MergedFile, and records the run
// statistics in MetadataFile. The merged header is the union of the chunk
// headers in the order of first appearance, and cells of columns absent in a
// chunk are empty.
func (d *ChunkDir) Merge(ctx context.Context) error {
	files, err := d.ChunkFiles()
	if err != nil {
		return err
	}
	var header []string
	for _, name := range files {
		h, err := readHeader(name)
		if err != nil {
			return err
		}
		for _, c := range h {
			if !slices.Contains(header, c) {
				header = append(header, c)
			}
		}
	}
	mergedName := filepath.Join(d.path, MergedFile)
	err = writeFile(mergedName, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if len(header) > 0 {
			if err := cw.Write(header); err != nil {
				return err
			}
		}
		for _, name := range files {
			if err := copyCSV(cw, name, header); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return errors.Annotate(err, "failed to merge %d chunks", len(files))
	}
	d.meta.Created = time.Now().UTC()
	d.meta.Header = header
	err = writeFile(filepath.Join(d.path, MetadataFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&d.meta)
	})
	if err != nil {
		return errors.Annotate(err, "failed to write metadata")
	}
	logging.Infof(ctx, "merged %d chunks with %d rows and %d columns into %s",
		len(files), d.meta.NumRows, len(header), mergedName)
	return nil
}

func openCSV(fileName string) (*os.File, *csv.Reader, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, nil, errors.Annotate(err, "failed to open file for reading: '%s'", fileName)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return f, r, nil
}

// readHeader of a chunk file. An empty file has no header.
func readHeader(fileName string) ([]string, error) {
	f, r, err := openCSV(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "failed to read header of '%s'", fileName)
	}
	return h, nil
}

// copyCSV copies the rows of a chunk file rearranged to the given header.
func copyCSV(cw *csv.Writer, fileName string, header []string) error {
	f, r, err := openCSV(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Annotate(err, "failed to read header of '%s'", fileName)
	}
	idx := make([]int, len(header))
	for j, c := range header {
		idx[j] = slices.Index(h, c)
	}
	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "failed to read '%s'", fileName)
		}
		out := make([]string, len(header))
		for j, k := range idx {
			if k >= 0 && k < len(row) {
				out[j] = row[k]
			}
		}
		if err := cw.Write(out); err != nil {
			return errors.Annotate(err, "failed to copy rows of '%s'", fileName)
		}
	}
}

// ReadMetadata reads the metadata written by Merge.
func ReadMetadata(path string) (*Metadata, error) {
	fileName := filepath.Join(path, MetadataFile)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open file for reading: '%s'", fileName)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Annotate(err, "failed to parse '%s'", fileName)
	}
	return &m, nil
}
