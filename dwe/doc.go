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

// Package dwe implements the client side of a Datastream-style vendor data
// service ("DataWorks Enterprise").
//
// A request is a textual query built by the request package. The service
// replies with a fixed-shape response: instrument label, status type, status
// code, status message and a nested container of named fields. A field
// belongs to the first requested instrument when its name has no suffix, and
// to the k'th instrument (1-based, k >= 2) when its name ends with "_k", e.g.
// P, P_2, P_3 for the price of three instruments.
//
// Parse splits a response into per-instrument records of metadata (symbol,
// currency, display name, frequency) and series, and Normalize folds parsed
// outcomes into a single table.Table with metadata broadcast as constant
// columns.
//
// The client is stored in the context, see UseClient and GetClient.
package dwe
