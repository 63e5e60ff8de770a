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

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/obtain/db"
	"github.com/stockparfait/obtain/dwe"
	"github.com/stockparfait/obtain/fetcher"
	"github.com/stockparfait/obtain/request"
	"github.com/stockparfait/obtain/table"

	toml "github.com/pelletier/go-toml/v2"
)

type Flags struct {
	Conf     string // default: ~/.obtain/config.toml
	LogLevel logging.Level
	CSV      bool   // print CSV; default: text
	Summary  bool   // print column statistics instead of the data
	Request  string // ad-hoc request string, overrides the configured job
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("obtain", flag.ExitOnError)
	fs.StringVar(&flags.Conf, "conf",
		filepath.Join(os.Getenv("HOME"), ".obtain", "config.toml"),
		"configuration file")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")
	fs.BoolVar(&flags.CSV, "csv", false, "print table in CSV format; default: text")
	fs.BoolVar(&flags.Summary, "summary", false,
		"print per-column statistics instead of the data")
	fs.StringVar(&flags.Request, "request", "",
		"execute a raw request string, e.g. 'U:IBM~=P~-1Y~W'")

	err := fs.Parse(args)
	return &flags, err
}

const (
	batchMode  = "batch"
	robustMode = "robust"
)

type Config struct {
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	URL            string   `toml:"url"` // default: dwe.URL
	Codes          []string `toml:"codes"`
	Fields         []string `toml:"fields"`
	Frequency      string   `toml:"frequency"` // D, W, M or REP
	Start          string   `toml:"start"`     // YYYY-MM-DD
	Years          int      `toml:"years"`
	Days           int      `toml:"days"`
	Mode           string   `toml:"mode"`        // batch (default) or robust
	ChunkSize      int      `toml:"chunk_size"`  // default: request.MaxCodes
	FlushEvery     int      `toml:"flush_every"` // default: 10
	Output         string   `toml:"output"`      // chunk directory, required in robust mode
	ExpectedFields []string `toml:"expected_fields"`
	Matching       string   `toml:"matching"` // index (default) or substring

	// Per-code start dates overriding start, robust mode only.
	Starts map[string]string `toml:"starts"`
	// Human readable names of the codes, added as the LABEL column.
	Labels map[string]string `toml:"labels"`

	start    db.Date
	starts   map[string]db.Date
	matching dwe.Matching
}

// parseStart parses a start date, which must not be in the future.
func parseStart(s string, today db.Date) (db.Date, error) {
	d, err := db.NewDateFromString(s)
	if err != nil {
		return db.Date{}, err
	}
	if d.After(today) {
		return db.Date{}, errors.Reason("start date %s is in the future", d)
	}
	return d, nil
}

func (c *Config) validate() error {
	if c.Username == "" {
		return errors.Reason("missing username")
	}
	today := db.NewDateFromTime(time.Now())
	if c.Start != "" {
		d, err := parseStart(c.Start, today)
		if err != nil {
			return errors.Annotate(err, "invalid start")
		}
		c.start = d
	}
	if len(c.Starts) > 0 {
		if c.Mode != robustMode {
			return errors.Reason("per-code starts require robust mode")
		}
		c.starts = make(map[string]db.Date, len(c.Starts))
		for code, s := range c.Starts {
			d, err := parseStart(s, today)
			if err != nil {
				return errors.Annotate(err, "invalid start for %s", code)
			}
			c.starts[code] = d
		}
	}
	switch c.Mode {
	case "":
		c.Mode = batchMode
	case batchMode:
	case robustMode:
		if c.Output == "" {
			return errors.Reason("output is required in robust mode")
		}
	default:
		return errors.Reason("unknown mode: '%s'", c.Mode)
	}
	switch c.Matching {
	case "", "index":
		c.matching = dwe.IndexMatching
	case "substring":
		c.matching = dwe.SubstringMatching
	default:
		return errors.Reason("unknown matching: '%s'", c.Matching)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = request.MaxCodes
	}
	if c.ChunkSize < 0 {
		return errors.Reason("chunk_size must be positive: %d", c.ChunkSize)
	}
	if c.FlushEvery == 0 {
		c.FlushEvery = 10
	}
	if c.FlushEvery < 0 {
		return errors.Reason("flush_every must be positive: %d", c.FlushEvery)
	}
	if len(c.Codes) > 0 {
		if _, err := c.Template().Codes(c.Codes...).Build(); err != nil {
			return errors.Annotate(err, "invalid request")
		}
	}
	return nil
}

// Template request for the configured fields and dates, without codes.
func (c *Config) Template() *request.Request {
	r := request.New().Fields(c.Fields...).Frequency(request.Frequency(c.Frequency))
	if !c.start.IsZero() {
		r = r.Start(c.start)
	}
	if c.Years != 0 {
		r = r.YearsBack(c.Years)
	}
	if c.Days != 0 {
		r = r.DaysBack(c.Days)
	}
	return r
}

func parseConfig(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			sample := `username = "YourUserName"
password = "YourPassword"
codes = ["U:IBM", "U:MMM"]
fields = ["P", "MV"]
frequency = "D"
years = 5
`
			err = errors.Annotate(err,
				"config file '%s' does not exist.\nPlease create config file containing:\n%s",
				filePath, sample)
			return nil, err
		} else {
			return nil, errors.Annotate(err,
				"cannot check config file for existence: '%s'", filePath)
		}
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file %s", filePath)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	var c Config
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file %s", filePath)
	}
	if err := c.validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config file %s", filePath)
	}
	return &c, nil
}

func printTable(t *table.Table, flags *Flags, w io.Writer) error {
	if flags.Summary {
		t = t.Summary()
	}
	if flags.CSV {
		if err := t.WriteCSV(w, table.Params{}); err != nil {
			return errors.Annotate(err, "failed to print CSV")
		}
		return nil
	}
	if err := t.WriteText(w, table.Params{}); err != nil {
		return errors.Annotate(err, "failed to print text")
	}
	return nil
}

func adHoc(ctx context.Context, config *Config, flags *Flags, w io.Writer) error {
	raw, err := dwe.Request(ctx, flags.Request)
	if err != nil {
		return errors.Annotate(err, "request failed")
	}
	o := dwe.Parse(raw, config.matching)
	if !o.OK() {
		return errors.Reason("request failed: %s", o.Status)
	}
	t, err := dwe.Normalize(o)
	if err != nil {
		return errors.Annotate(err, "failed to normalize response")
	}
	return printTable(t, flags, w)
}

func batch(ctx context.Context, config *Config, flags *Flags, w io.Writer) error {
	c := fetcher.BatchConfig{
		ChunkSize:      config.ChunkSize,
		ExpectedFields: config.ExpectedFields,
		Matching:       config.matching,
		Labels:         config.Labels,
	}
	res, err := c.Fetch(ctx, config.Codes, dwe.Fetcher(config.Template()))
	if err != nil {
		return errors.Annotate(err, "failed to fetch batches")
	}
	if len(res.Failed) > 0 {
		logging.Warningf(ctx, "failed to fetch %d codes: %s",
			len(res.Failed), strings.Join(res.Failed, ", "))
	}
	return printTable(res.Dataset, flags, w)
}

func robust(ctx context.Context, config *Config) error {
	d, err := db.OpenChunkDir(ctx, config.Output)
	if err != nil {
		return errors.Annotate(err, "failed to open output")
	}
	c := fetcher.RobustConfig{
		FlushEvery:     config.FlushEvery,
		ExpectedFields: config.ExpectedFields,
		Matching:       config.matching,
		Labels:         config.Labels,
	}
	fetch := dwe.StartFetcher(config.Template(), config.starts)
	failed, err := fetcher.FetchRobust(ctx, config.Codes, fetch, c, d)
	if err != nil {
		return errors.Annotate(err, "robust fetch failed")
	}
	if len(failed) > 0 {
		logging.Warningf(ctx, "failed to fetch %d codes, see %s",
			len(failed), filepath.Join(d.Path(), db.FailuresFile))
	}
	return nil
}

func run(ctx context.Context, flags *Flags, w io.Writer) error {
	config, err := parseConfig(flags.Conf)
	if err != nil {
		return errors.Annotate(err, "failed to parse config")
	}
	if config.URL != "" {
		dwe.URL = config.URL
	}
	ctx = dwe.UseClient(ctx, config.Username, config.Password)

	if flags.Request != "" {
		return adHoc(ctx, config, flags, w)
	}
	if len(config.Codes) == 0 {
		return errors.Reason("no codes to fetch")
	}
	if config.Mode == robustMode {
		return robust(ctx, config)
	}
	return batch(ctx, config, flags, w)
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := run(ctx, flags, os.Stdout); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
