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

// Package fetcher retrieves data for large lists of instruments, tolerating
// partial failure.
//
// FetchBatches requests instruments in fixed-size chunks and falls back to
// one request per instrument when a chunk fails as a whole. FetchRobust
// requests one instrument at a time and periodically flushes accumulated
// tables to a Sink, so that a long run leaves usable results even if it is
// interrupted.
package fetcher
