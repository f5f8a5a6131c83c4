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

package logpipe_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	logpipe "github.com/elastic/go-logpipe"
	"github.com/elastic/go-logpipe/logpipetest"
)

func TestForwarder(t *testing.T) {
	var mu sync.Mutex
	var docs [][]byte
	var actions []logpipetest.BulkAction
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		d, a, result := logpipetest.DecodeBulkRequestWithActions(r)
		mu.Lock()
		docs = append(docs, d...)
		actions = append(actions, a...)
		mu.Unlock()
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{
		Index: "logs-" + logpipe.DatePlaceholder,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{
			"@timestamp": "2024-03-05T10:00:00.000Z",
			"message":    "hello",
		}))
	}

	// Closing the forwarder flushes enqueued documents.
	require.NoError(t, forwarder.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, docs, 10)
	require.Len(t, actions, 10)
	for _, action := range actions {
		assert.Equal(t, "index", action.Type)
		assert.Equal(t, "logs-2024-03-05", action.Index)
	}
	assert.Equal(t, logpipe.Stats{Added: 10, Indexed: 10}, forwarder.Stats())
}

func TestForwarderCreateOp(t *testing.T) {
	var mu sync.Mutex
	var actions []logpipetest.BulkAction
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, a, result := logpipetest.DecodeBulkRequestWithActions(r)
		mu.Lock()
		actions = append(actions, a...)
		mu.Unlock()
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{CreateOp: true})
	require.NoError(t, err)

	require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": "hello"}))
	require.NoError(t, forwarder.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, actions, 1)
	assert.Equal(t, "create", actions[0].Type)
}

func TestForwarderFlushBytes(t *testing.T) {
	var requests atomic.Int64
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := logpipetest.DecodeBulkRequest(r)
		requests.Add(1)
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{FlushBytes: 1})
	require.NoError(t, err)
	defer forwarder.Close(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": "hello"}))
	}
	require.Eventually(t, func() bool {
		return forwarder.Stats().Indexed == 3
	}, 10*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, requests.Load(), int64(1))
}

func TestForwarderFlushInterval(t *testing.T) {
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := logpipetest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{
		FlushInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer forwarder.Close(context.Background())

	require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": "hello"}))
	require.Eventually(t, func() bool {
		return forwarder.Stats().Indexed == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestForwarderDrop(t *testing.T) {
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		docs, result := logpipetest.DecodeBulkRequest(r)
		for i, doc := range docs {
			if !strings.Contains(string(doc), "bad") {
				continue
			}
			for k, item := range result.Items[i] {
				result.HasErrors = true
				item.Status = http.StatusBadRequest
				item.Error.Type = "validation_error"
				item.Error.Reason = "for testing"
				result.Items[i][k] = item
			}
		}
		json.NewEncoder(w).Encode(result)
	})

	var mu sync.Mutex
	var dropped []logpipe.Document
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{
		OnDrop: func(doc logpipe.Document, item logpipe.BulkIndexerResponseItem) {
			mu.Lock()
			defer mu.Unlock()
			dropped = append(dropped, doc)
		},
	})
	require.NoError(t, err)

	for _, message := range []string{"good", "bad", "good"} {
		require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": message}))
	}
	require.NoError(t, forwarder.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, "bad", dropped[0]["message"])
	assert.Equal(t, logpipe.Stats{Added: 3, Indexed: 2, Dropped: 1}, forwarder.Stats())
}

func TestForwarderClosed(t *testing.T) {
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := logpipetest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{})
	require.NoError(t, err)

	require.NoError(t, forwarder.Close(context.Background()))
	assert.ErrorIs(t, forwarder.Add(context.Background(), logpipe.Document{}), logpipe.ErrClosed)
	assert.ErrorIs(t, forwarder.Close(context.Background()), logpipe.ErrClosed)
}

// flakyClient simulates a transport interruption and records connection pool
// resurrections.
type flakyClient struct {
	delegate interface {
		Perform(*http.Request) (*http.Response, error)
	}
	failing   atomic.Bool
	discovers atomic.Int64
}

func (c *flakyClient) Perform(r *http.Request) (*http.Response, error) {
	if c.failing.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return c.delegate.Perform(r)
}

func (c *flakyClient) DiscoverNodes() error {
	c.discovers.Add(1)
	return nil
}

func TestForwarderReinitialize(t *testing.T) {
	client := &flakyClient{
		delegate: logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, result := logpipetest.DecodeBulkRequest(r)
			json.NewEncoder(w).Encode(result)
		}),
	}

	var errs atomic.Int64
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{
		FlushBytes: 1,
		OnError: func(error) {
			errs.Add(1)
		},
	})
	require.NoError(t, err)

	// First document hits a dead transport: the flush fails, the forwarder
	// reports it and resurrects the connection pool in place.
	client.failing.Store(true)
	require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": "lost"}))
	require.Eventually(t, func() bool {
		return errs.Load() == 1 && client.discovers.Load() >= 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), forwarder.Stats().TransportErrors)

	// Delivery resumes on the rebuilt bulk operation without restarting.
	client.failing.Store(false)
	require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": "recovered"}))
	require.Eventually(t, func() bool {
		return forwarder.Stats().Indexed == 1
	}, 10*time.Second, 10*time.Millisecond)

	discovers := client.discovers.Load()
	require.NoError(t, forwarder.Close(context.Background()))
	// Close performs one more best-effort resurrection.
	assert.Equal(t, discovers+1, client.discovers.Load())
	assert.Equal(t, logpipe.Stats{Added: 2, Indexed: 1, TransportErrors: 1}, forwarder.Stats())
}

func TestForwarderMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := logpipetest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, forwarder.Add(context.Background(), logpipe.Document{"message": "hello"}))
	}
	require.NoError(t, forwarder.Close(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(5), metricSum(t, rm, "logpipe.docs.added"))
	assert.Equal(t, int64(5), metricSum(t, rm, "logpipe.docs.indexed"))
	assert.GreaterOrEqual(t, metricSum(t, rm, "logpipe.bulk_requests.count"), int64(1))
}

func metricSum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %q is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}
