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
	"context"
	"encoding/json"
	"net/url"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/obtain/db"
	"github.com/stockparfait/obtain/request"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://dataworks.thomson.com/Dataworks/Enterprise/1.0"

// DefaultSource is the data source requested from the service.
const DefaultSource = "Datastream"

// Values of the response status.
const (
	StatusConnected = "Connected" // the only status type carrying usable data
	StatusCodeError = 5           // response-level error: nothing is usable
)

// FieldEntry is a single named datum in the response. A scalar field has a
// Value; an array field has a null Value and its values are in the first
// element of ArrayValue.
type FieldEntry struct {
	Name       string  `json:"Name"`
	Value      any     `json:"Value"`
	ArrayValue [][]any `json:"ArrayValue,omitempty"`
}

// Fields is the nested field container of the response.
type Fields struct {
	Field []FieldEntry `json:"Field"`
}

// RawResponse is the service's reply to a single request.
type RawResponse struct {
	Instrument    string `json:"Instrument"`
	StatusType    string `json:"StatusType"`
	StatusCode    int    `json:"StatusCode"`
	StatusMessage string `json:"StatusMessage"`
	Fields        Fields `json:"Fields"`
	// Codes are the requested instrument codes, in request order. They are not
	// a part of the service reply and are set by the client.
	Codes []string `json:"-"`
}

// Transport is anything that can execute requests against the service.
type Transport interface {
	Fetch(ctx context.Context, r *request.Request) (*RawResponse, error)
	Request(ctx context.Context, query string) (*RawResponse, error)
}

// Client for querying the service.
type Client struct {
	baseURL  string // the base URL of the server
	username string
	password string
}

var _ Transport = &Client{}

// newClient creates a new client.
func newClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient creates a new client based on the credentials and injects it into
// the context.
func UseClient(ctx context.Context, username, password string) context.Context {
	return context.WithValue(ctx, clientContextKey, newClient(URL, username, password))
}

// Request executes a raw request string, e.g. for ad-hoc queries not
// expressible by the request package. The response codes are taken from the
// query.
func (c *Client) Request(ctx context.Context, query string) (*RawResponse, error) {
	var raw RawResponse
	uri := c.baseURL + "/request.json"
	v := make(url.Values)
	v["instrument"] = []string{query}
	v["source"] = []string{DefaultSource}
	v["username"] = []string{c.username}
	v["password"] = []string{c.password}
	if err := fetch.FetchJSON(ctx, uri, &raw, v, nil); err != nil {
		return nil, errors.Annotate(err, "failed to fetch '%s'", query)
	}
	raw.Codes = request.CodesOf(query)
	return &raw, nil
}

// Fetch executes the request.
func (c *Client) Fetch(ctx context.Context, r *request.Request) (*RawResponse, error) {
	query, err := r.Build()
	if err != nil {
		return nil, err
	}
	raw, err := c.Request(ctx, query)
	if err != nil {
		return nil, err
	}
	raw.Codes = r.CodeList()
	return raw, nil
}

// Fetch executes the request using the Client from the context.
func Fetch(ctx context.Context, r *request.Request) (*RawResponse, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("no client in context")
	}
	return client.Fetch(ctx, r)
}

// Request executes a raw request string using the Client from the context.
func Request(ctx context.Context, query string) (*RawResponse, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("no client in context")
	}
	return client.Request(ctx, query)
}

// Fetcher returns a function fetching the template request for the given
// codes, using the Client from the context.
func Fetcher(tmpl *request.Request) func(ctx context.Context, codes []string) (*RawResponse, error) {
	return func(ctx context.Context, codes []string) (*RawResponse, error) {
		return Fetch(ctx, tmpl.Codes(codes...))
	}
}

// StartFetcher is like Fetcher, except that a single code with an entry in
// starts is requested from that date instead of the template's start. Several
// codes are requested with the template's start only if none of them has an
// entry, since a request has one start date for all of its codes.
func StartFetcher(tmpl *request.Request, starts map[string]db.Date) func(ctx context.Context, codes []string) (*RawResponse, error) {
	return func(ctx context.Context, codes []string) (*RawResponse, error) {
		r := tmpl.Codes(codes...)
		if len(codes) == 1 {
			if d, ok := starts[codes[0]]; ok {
				r = r.Start(d)
			}
			return Fetch(ctx, r)
		}
		for _, c := range codes {
			if _, ok := starts[c]; ok {
				return nil, errors.Reason(
					"code %s has its own start date and must be requested alone", c)
			}
		}
		return Fetch(ctx, r)
	}
}

// Scalar creates a scalar FieldEntry. For use in tests.
func Scalar(name string, v any) FieldEntry {
	return FieldEntry{Name: name, Value: v}
}

// Array creates an array FieldEntry. For use in tests.
func Array(name string, vs ...any) FieldEntry {
	return FieldEntry{Name: name, ArrayValue: [][]any{vs}}
}

// TestResponse creates a connected RawResponse for the codes. For use in tests.
func TestResponse(codes []string, fields ...FieldEntry) *RawResponse {
	return &RawResponse{
		Instrument: request.New(codes...).String(),
		StatusType: StatusConnected,
		Fields:     Fields{Field: fields},
		Codes:      codes,
	}
}

// TestResponseJSON generates the JSON string in a format as returned by the
// service. For use in tests.
func TestResponseJSON(raw *RawResponse) (string, error) {
	bytes, err := json.Marshal(raw)
	return string(bytes), err
}
