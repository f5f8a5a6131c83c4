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
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is a normalized log record destined for Elasticsearch.
//
// Every Document carries an ISO-8601 "@timestamp" field. Object-shaped input
// additionally carries a "message" field, and scalar input is wrapped under
// a "data" field.
type Document map[string]any

// WriteTo encodes the document as JSON to w, satisfying the bulk indexer
// body contract.
func (d Document) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(map[string]any(d))
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Timestamp returns the document's "@timestamp" field, or the empty string
// when it is absent or not a string.
func (d Document) Timestamp() string {
	ts, _ := d["@timestamp"].(string)
	return ts
}

// normalizeObject turns a decoded JSON object into a Document.
//
// The "msg" field is renamed to "message", with a dash placeholder when
// absent. "@timestamp" is always recomputed from the "time" field when that
// is usable, from the wall clock otherwise, and the raw "time" field is
// removed. When preserveOriginal is set and the object already carried an
// "@timestamp", the original value is kept under "original_timestamp" so an
// idempotent create does not lose it.
func normalizeObject(obj map[string]any, preserveOriginal bool) Document {
	if msg, ok := obj["msg"]; ok {
		obj["message"] = msg
		delete(obj, "msg")
	} else {
		obj["message"] = "-"
	}
	if preserveOriginal {
		if orig, ok := obj["@timestamp"]; ok {
			obj["original_timestamp"] = orig
		}
	}
	ts, ok := isoTimestamp(obj["time"])
	if !ok {
		ts = time.Now().UTC().Format(TimestampFormat)
	}
	delete(obj, "time")
	obj["@timestamp"] = ts
	return Document(obj)
}

// isoTimestamp converts a raw "time" field value to an ISO-8601 instant.
// A non-empty RFC 3339 string or a non-negative number of epoch milliseconds
// is usable; anything else reports false.
func isoTimestamp(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return "", false
		}
		return parsed.UTC().Format(TimestampFormat), true
	case float64:
		if t < 0 {
			return "", false
		}
		return time.UnixMilli(int64(t)).UTC().Format(TimestampFormat), true
	}
	return "", false
}

// mergeFields merges src into dst and returns dst: maps are merged
// recursively, sequences are concatenated dst-then-src, and for anything
// else the src value wins.
func mergeFields(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		dv, ok := dst[k]
		if !ok {
			dst[k] = sv
			continue
		}
		switch sv := sv.(type) {
		case map[string]any:
			if dm, ok := dv.(map[string]any); ok {
				dst[k] = mergeFields(dm, sv)
				continue
			}
			dst[k] = sv
		case []any:
			if dl, ok := dv.([]any); ok {
				dst[k] = append(dl, sv...)
				continue
			}
			dst[k] = sv
		default:
			dst[k] = sv
		}
	}
	return dst
}
