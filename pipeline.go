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
	"bufio"
	"context"
	"io"

	"go.opentelemetry.io/otel/metric"
)

// maxLineBytes bounds a single input line; longer input aborts the scan
// with bufio.ErrTooLong.
const maxLineBytes = 1 << 20

// PipelineConfig holds configuration for Pipeline.
type PipelineConfig struct {
	// ExtraFields holds an optional additional-fields object deep-merged
	// into every outgoing document, typically built with
	// ExtraFieldsFromEnviron.
	ExtraFields map[string]any

	// Diagnostic optionally receives the raw bytes of every line that
	// failed JSON parsing, one line each, so operators can recover
	// un-parseable input.
	Diagnostic io.Writer

	// OnAnomaly is invoked for every rejected input line. Anomalies never
	// stop the pipeline.
	OnAnomaly func(Anomaly)
}

// Pipeline connects a line-delimited JSON input stream to a Forwarder:
// each line is parsed and normalized, enriched with the configured extra
// fields, and enqueued for bulk delivery. Rejected lines are surfaced as
// anomalies and never reach the forwarder.
type Pipeline struct {
	config    PipelineConfig
	forwarder *Forwarder
}

// NewPipeline returns a Pipeline feeding the given Forwarder.
func NewPipeline(forwarder *Forwarder, cfg PipelineConfig) *Pipeline {
	return &Pipeline{config: cfg, forwarder: forwarder}
}

// Run consumes r line by line until EOF, ctx cancellation, or a read error.
// Lines are normalized in the exact order received; anomalies and delivery
// failures do not stop the loop. Run does not close the forwarder.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	attrs := metric.WithAttributeSet(p.forwarder.config.MetricAttributes)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.forwarder.metrics.linesRead.Add(context.Background(), 1, attrs)
		if len(line) == 0 {
			continue
		}
		doc, anomaly := DecodeLine(line, p.forwarder.config.CreateOp)
		if anomaly != nil {
			p.forwarder.metrics.anomalies.Add(context.Background(), 1, attrs)
			if anomaly.Reason == ReasonInvalidJSON && p.config.Diagnostic != nil {
				p.config.Diagnostic.Write(append(anomaly.Line, '\n'))
			}
			if p.config.OnAnomaly != nil {
				p.config.OnAnomaly(*anomaly)
			}
			continue
		}
		if len(p.config.ExtraFields) > 0 {
			doc = Document(mergeFields(doc, p.config.ExtraFields))
		}
		if err := p.forwarder.Add(ctx, doc); err != nil {
			return err
		}
	}
	return scanner.Err()
}
