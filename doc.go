// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package logpipe normalizes newline-delimited JSON log records and
// forwards them to Elasticsearch via bulk indexing with a time-based
// rolling index name.
//
// The package is intentionally a thin adapter: input lines become
// documents carrying "@timestamp" and "message" fields, malformed or
// ignorable lines become reported anomalies, and delivery is best effort.
// Nothing in this package is fatal to the process; every error path
// terminates in an event emission.
package logpipe
