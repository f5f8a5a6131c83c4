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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned from methods of closed Forwarders.
var ErrClosed = errors.New("forwarder closed")

// Forwarder streams normalized documents into bulk indexing requests
// against Elasticsearch.
//
// Forwarder buffers documents in their JSON encoding until either the
// accumulated buffer reaches `config.FlushBytes`, or `config.FlushInterval`
// elapses. A single run goroutine owns the bulk request buffer and the
// outbound connection pool; delivery outcomes are surfaced as events
// (OnDrop, OnError) and aggregate Stats rather than return values, because
// delivery is asynchronous and batched.
//
// When a flush fails at the transport level the forwarder reinitializes its
// bulk operation handle in place and resurrects the connection pool, without
// restarting the process.
type Forwarder struct {
	docsAdded       atomic.Int64
	docsIndexed     atomic.Int64
	docsDropped     atomic.Int64
	transportErrors atomic.Int64

	config                Config
	client                elastictransport.Interface
	namer                 *IndexNamer
	active                *BulkIndexer
	docs                  chan Document
	errgroup              errgroup.Group
	errgroupContext       context.Context
	cancelErrgroupContext context.CancelCauseFunc
	metrics               metrics
	mu                    sync.Mutex
	closed                chan struct{}
}

// Stats holds aggregate delivery statistics for the lifetime of a Forwarder.
type Stats struct {
	// Added holds the number of documents accepted for delivery.
	Added int64
	// Indexed holds the number of documents successfully indexed.
	Indexed int64
	// Dropped holds the number of documents rejected by Elasticsearch.
	Dropped int64
	// TransportErrors holds the number of bulk requests that failed before
	// Elasticsearch produced a response.
	TransportErrors int64
}

// NewForwarder returns a new Forwarder that delivers documents to
// Elasticsearch. It is only tested with v8 go-elasticsearch client. Use
// other clients at your own risk.
func NewForwarder(client elastictransport.Interface, cfg Config) (*Forwarder, error) {
	cfg = DefaultConfig(cfg)
	if client == nil {
		return nil, errors.New("client is nil")
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	f := &Forwarder{
		config:  cfg,
		client:  client,
		namer:   NewIndexNamer(cfg.Index, cfg.IndexFunc),
		docs:    make(chan Document, cfg.DocumentBufferSize),
		closed:  make(chan struct{}),
		metrics: ms,
	}
	f.active, err = NewBulkIndexer(f.bulkIndexerConfig())
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	// We create a cancellable context for the errgroup.Group for unblocking
	// flushes when Close returns. We intentionally do not use errgroup.WithContext,
	// because one flush failure should not cause the context to be cancelled.
	f.errgroupContext, f.cancelErrgroupContext = context.WithCancelCause(
		context.Background(),
	)
	f.errgroup.Go(func() error {
		f.run()
		return nil
	})
	return f, nil
}

func (f *Forwarder) bulkIndexerConfig() BulkIndexerConfig {
	action := ActionIndex
	if f.config.CreateOp {
		action = ActionCreate
	}
	return BulkIndexerConfig{
		Client:           f.client,
		Action:           action,
		CompressionLevel: f.config.CompressionLevel,
	}
}

// Add enqueues a document for delivery. It blocks when the internal buffer
// is full, and returns ErrClosed after Close.
func (f *Forwarder) Add(ctx context.Context, doc Document) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.closed:
		return ErrClosed
	case f.docs <- doc:
	}
	f.docsAdded.Add(1)
	f.metrics.docsAdded.Add(context.Background(), 1, metric.WithAttributeSet(f.config.MetricAttributes))
	return nil
}

// Close closes the forwarder, first flushing any queued documents, then
// attempting one best-effort connection pool resurrection.
//
// Close returns ErrClosed on repeated calls. If ctx is cancelled, Close
// returns and any ongoing flush attempt is cancelled.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	close(f.closed)

	// Cancel the ongoing flush when ctx is cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer f.cancelErrgroupContext(errors.New("cancelled by forwarder.close"))
		<-ctx.Done()
	}()

	err := f.errgroup.Wait()
	f.resurrect()
	return err
}

// Stats returns the aggregate delivery statistics accumulated so far.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Added:           f.docsAdded.Load(),
		Indexed:         f.docsIndexed.Load(),
		Dropped:         f.docsDropped.Load(),
		TransportErrors: f.transportErrors.Load(),
	}
}

// run is the forwarder's single delivery loop: it pulls documents off the
// channel into the active bulk indexer, flushing when the buffer reaches
// FlushBytes or when FlushInterval elapses, and once more at close.
func (f *Forwarder) run() {
	flushTimer := time.NewTimer(f.config.FlushInterval)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	handleDoc := func(doc Document) {
		if f.active.Items() == 0 {
			flushTimer.Reset(f.config.FlushInterval)
		}
		item := BulkIndexerItem{
			Index:    f.namer.Resolve(doc.Timestamp()),
			Document: doc,
		}
		if err := f.active.Add(item); err != nil {
			f.config.Logger.Error("failed to add document to bulk indexer", zap.Error(err))
		}
	}
	var closed bool
	for !closed {
		select {
		case <-f.closed:
			// Consume whatever documents have been buffered, and then
			// flush a last time below.
			for len(f.docs) > 0 {
				handleDoc(<-f.docs)
			}
			closed = true
		case <-flushTimer.C:
			f.flush(f.errgroupContext)
		case doc := <-f.docs:
			handleDoc(doc)
			if f.active.Len() < f.config.FlushBytes {
				continue
			}
			if !flushTimer.Stop() {
				<-flushTimer.C
			}
			f.flush(f.errgroupContext)
		}
	}
	if !flushTimer.Stop() {
		select {
		case <-flushTimer.C:
		default:
		}
	}
	f.flush(f.errgroupContext)
}

func (f *Forwarder) flush(ctx context.Context) {
	n := f.active.Items()
	if n == 0 {
		return
	}
	logger := f.config.Logger
	if f.config.Tracer != nil {
		tx := f.config.Tracer.StartTransaction("logpipe.flush", "output")
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
	}

	flushCtx := ctx
	if f.config.FlushTimeout != 0 {
		var flushCancel context.CancelFunc
		flushCtx, flushCancel = context.WithTimeout(ctx, f.config.FlushTimeout)
		defer flushCancel()
	}

	var stat BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		stat, err = f.active.Flush(flushCtx)
	})

	attrs := metric.WithAttributeSet(f.config.MetricAttributes)
	f.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	f.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if flushed := f.active.BytesFlushed(); flushed > 0 {
		f.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}

	if err != nil {
		logger.Error("bulk indexing request failed", zap.Error(err))
		if f.config.OnError != nil {
			f.config.OnError(err)
		}
		var et errorTransport
		if errors.As(err, &et) {
			f.transportErrors.Add(1)
			f.reinitialize()
		}
		return
	}

	if stat.Indexed > 0 {
		f.docsIndexed.Add(stat.Indexed)
		f.metrics.docsIndexed.Add(context.Background(), stat.Indexed, attrs)
	}
	if len(stat.FailedDocs) > 0 {
		dropped := int64(len(stat.FailedDocs))
		f.docsDropped.Add(dropped)
		f.metrics.docsDropped.Add(context.Background(), dropped, attrs)
		for _, item := range stat.FailedDocs {
			logger.Error(fmt.Sprintf("failed to index document in '%s' (%s): %s",
				item.Index, item.Error.Type, item.Error.Reason,
			))
			if f.config.OnDrop != nil {
				f.config.OnDrop(item.Document, item)
			}
		}
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", stat.Indexed),
		zap.Int("docs_failed", len(stat.FailedDocs)),
	)
}

// reinitialize rebuilds the bulk operation handle in place after a transport
// interruption, binding a fresh bulk indexer to the same client, and
// resurrects the connection pool.
func (f *Forwarder) reinitialize() {
	bi, err := NewBulkIndexer(f.bulkIndexerConfig())
	if err != nil {
		f.config.Logger.Error("failed to reinitialize bulk indexer", zap.Error(err))
		return
	}
	f.active = bi
	f.resurrect()
}

// nodesDiscoverer is implemented by clients that can resurrect their
// connection pool by re-running node discovery.
type nodesDiscoverer interface {
	DiscoverNodes() error
}

// resurrect re-runs node discovery on clients that support it, and silently
// does nothing on clients that don't.
func (f *Forwarder) resurrect() {
	d, ok := f.client.(nodesDiscoverer)
	if !ok {
		return
	}
	if err := d.DiscoverNodes(); err != nil {
		f.config.Logger.Warn("connection pool resurrection failed", zap.Error(err))
	}
}

func timeFunc(fn func()) time.Duration {
	t0 := time.Now()
	if fn != nil {
		fn()
	}
	return time.Since(t0)
}
