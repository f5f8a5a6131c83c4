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

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config holds configuration for Forwarder.
type Config struct {
	// Logger holds an optional Logger to use for logging delivery.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the forwarder is used for high throughput indexing, is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// Index holds the index name template. A DatePlaceholder occurrence is
	// replaced with the calendar-date portion of each document's timestamp.
	//
	// Index is ignored when IndexFunc is set.
	Index string

	// IndexFunc optionally resolves the index name from a document's
	// ISO-8601 timestamp, overriding Index.
	IndexFunc func(timestamp string) string

	// CreateOp selects "create" bulk action semantics instead of plain
	// "index" inserts. The line normalizer additionally preserves a
	// pre-existing "@timestamp" under "original_timestamp" in this mode,
	// so an idempotent create does not lose the original value.
	CreateOp bool

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FlushBytes holds the flush threshold in bytes. If Compression is enabled,
	// the number of documents that can be buffered will be greater.
	//
	// If FlushBytes is zero, the default of 1MB will be used.
	FlushBytes int

	// FlushInterval holds the flush threshold as a duration.
	//
	// If FlushInterval is zero, the default of 30 seconds will be used.
	FlushInterval time.Duration

	// FlushTimeout holds the flush timeout as a duration.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// DocumentBufferSize sets the number of documents that can be buffered
	// between the pipeline and the forwarder's run loop.
	//
	// If DocumentBufferSize is zero, the default 1024 will be used.
	DocumentBufferSize int

	// OnDrop is invoked for every document rejected by Elasticsearch,
	// carrying the offending document and the response item. Drops never
	// stop the pipeline.
	//
	// OnDrop is called from the forwarder's run goroutine and must not block.
	OnDrop func(Document, BulkIndexerResponseItem)

	// OnError is invoked when a bulk request fails as a whole, either at
	// the transport level or with an error response. Errors never stop the
	// pipeline.
	//
	// OnError is called from the forwarder's run goroutine and must not block.
	OnError func(error)

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record forwarder metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// DefaultConfig returns cfg with unspecified fields replaced by their
// defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Index == "" && cfg.IndexFunc == nil {
		cfg.Index = "logs-" + DatePlaceholder
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 1 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.DocumentBufferSize <= 0 {
		cfg.DocumentBufferSize = 1024
	}
	return cfg
}
