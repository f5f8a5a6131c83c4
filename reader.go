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
	"time"
)

// AnomalyReason classifies why an input line was rejected before delivery.
type AnomalyReason string

const (
	ReasonInvalidJSON  AnomalyReason = "invalid JSON"
	ReasonBooleanValue AnomalyReason = "boolean value ignored"
	ReasonNullValue    AnomalyReason = "null value ignored"
)

// Anomaly is an input line that was rejected before reaching the delivery
// stage. An Anomaly never becomes a Document.
type Anomaly struct {
	// Line holds a copy of the raw input line.
	Line []byte

	// Reason holds the rejection reason.
	Reason AnomalyReason
}

// DecodeLine parses a raw input line and produces either a Document or an
// Anomaly, never both and never neither.
//
// Unparseable lines, booleans and nulls are anomalies. Objects are
// normalized (see normalizeObject), and any other value is wrapped as
// {"data": value} with a wall-clock "@timestamp".
func DecodeLine(line []byte, preserveOriginalTimestamp bool) (Document, *Anomaly) {
	var value any
	if err := json.Unmarshal(line, &value); err != nil {
		return nil, &Anomaly{Line: copyLine(line), Reason: ReasonInvalidJSON}
	}
	switch v := value.(type) {
	case bool:
		return nil, &Anomaly{Line: copyLine(line), Reason: ReasonBooleanValue}
	case nil:
		return nil, &Anomaly{Line: copyLine(line), Reason: ReasonNullValue}
	case map[string]any:
		return normalizeObject(v, preserveOriginalTimestamp), nil
	default:
		return Document{
			"data":       v,
			"@timestamp": time.Now().UTC().Format(TimestampFormat),
		}, nil
	}
}

// copyLine detaches the line from the scanner's reusable buffer.
func copyLine(line []byte) []byte {
	return append([]byte(nil), line...)
}
