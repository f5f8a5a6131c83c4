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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logpipe "github.com/elastic/go-logpipe"
	"github.com/elastic/go-logpipe/logpipetest"
)

func TestPipelineRun(t *testing.T) {
	var mu sync.Mutex
	var docs [][]byte
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		d, result := logpipetest.DecodeBulkRequest(r)
		mu.Lock()
		docs = append(docs, d...)
		mu.Unlock()
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{})
	require.NoError(t, err)

	var anomalies []logpipe.Anomaly
	var diag bytes.Buffer
	pipeline := logpipe.NewPipeline(forwarder, logpipe.PipelineConfig{
		Diagnostic: &diag,
		OnAnomaly: func(a logpipe.Anomaly) {
			anomalies = append(anomalies, a)
		},
	})

	input := strings.Join([]string{
		`{"msg":"hello","time":"2024-01-01T00:00:00.000Z"}`,
		`"just a string"`,
		`{oops`,
		`true`,
		`null`,
	}, "\n")
	require.NoError(t, pipeline.Run(context.Background(), strings.NewReader(input)))
	require.NoError(t, forwarder.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, docs, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(docs[0], &first))
	assert.Equal(t, map[string]any{
		"message":    "hello",
		"@timestamp": "2024-01-01T00:00:00.000Z",
	}, first)

	var second map[string]any
	require.NoError(t, json.Unmarshal(docs[1], &second))
	assert.Equal(t, "just a string", second["data"])
	assert.Contains(t, second, "@timestamp")

	require.Len(t, anomalies, 3)
	assert.Equal(t, logpipe.ReasonInvalidJSON, anomalies[0].Reason)
	assert.Equal(t, []byte(`{oops`), anomalies[0].Line)
	assert.Equal(t, logpipe.ReasonBooleanValue, anomalies[1].Reason)
	assert.Equal(t, logpipe.ReasonNullValue, anomalies[2].Reason)

	// Only unparseable lines reach the diagnostic output.
	assert.Equal(t, "{oops\n", diag.String())
}

func TestPipelineExtraFields(t *testing.T) {
	var mu sync.Mutex
	var docs [][]byte
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		d, result := logpipetest.DecodeBulkRequest(r)
		mu.Lock()
		docs = append(docs, d...)
		mu.Unlock()
		json.NewEncoder(w).Encode(result)
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{})
	require.NoError(t, err)

	pipeline := logpipe.NewPipeline(forwarder, logpipe.PipelineConfig{
		ExtraFields: map[string]any{
			"service": map[string]any{"name": "api"},
			"tags":    []any{"prod"},
		},
	})

	input := `{"msg":"m","tags":["a"],"time":"2024-01-01T00:00:00.000Z"}`
	require.NoError(t, pipeline.Run(context.Background(), strings.NewReader(input)))
	require.NoError(t, forwarder.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, docs, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(docs[0], &doc))
	assert.Equal(t, map[string]any{
		"message":    "m",
		"@timestamp": "2024-01-01T00:00:00.000Z",
		"service":    map[string]any{"name": "api"},
		"tags":       []any{"a", "prod"},
	}, doc)
}

func TestPipelineEmptyInput(t *testing.T) {
	client := logpipetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{})
	require.NoError(t, err)

	pipeline := logpipe.NewPipeline(forwarder, logpipe.PipelineConfig{})
	require.NoError(t, pipeline.Run(context.Background(), strings.NewReader("\n\n")))
	require.NoError(t, forwarder.Close(context.Background()))
	assert.Equal(t, logpipe.Stats{}, forwarder.Stats())
}
