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

package logpipe

import (
	"strings"
	"time"
)

// DatePlaceholder is the index template placeholder replaced with the
// calendar-date portion of a document's timestamp.
const DatePlaceholder = "%{DATE}"

// IndexNamer resolves the destination index name for a document timestamp,
// either from a template containing DatePlaceholder or by delegating to a
// caller-supplied naming function.
type IndexNamer struct {
	template string
	fn       func(timestamp string) string
}

// NewIndexNamer returns an IndexNamer for the given template. When fn is
// non-nil it takes precedence and the template is ignored.
func NewIndexNamer(template string, fn func(timestamp string) string) *IndexNamer {
	return &IndexNamer{template: template, fn: fn}
}

// Resolve maps an ISO-8601 timestamp to an index name. An empty timestamp
// falls back to the current wall-clock instant.
func (n *IndexNamer) Resolve(timestamp string) string {
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	if n.fn != nil {
		return n.fn(timestamp)
	}
	var date string
	if len(timestamp) >= 10 {
		date = timestamp[:10]
	}
	return strings.ReplaceAll(n.template, DatePlaceholder, date)
}
