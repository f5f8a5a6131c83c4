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

// Command logpipe reads newline-delimited JSON log records from stdin and
// forwards them in batches to an Elasticsearch cluster.
//
// Configuration is read from LOG_ES_* environment variables; any
// LOG_ES_VAR_* variable becomes a nested field merged into every outgoing
// document. Anomalies, drops and delivery errors are reported on stderr and
// never terminate the process; it exits when stdin ends or on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/elastic/go-elasticsearch/v8"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-logpipe"
)

var build = "develop"

const closeTimeout = 30 * time.Second

func main() {
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("logpipe failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.WrapCore((&apmzap.Core{}).WrapCore)), nil
}

func run(logger *zap.Logger) error {
	cfg := struct {
		conf.Version
		Host               string `conf:"default:http://localhost:9200"`
		User               string `conf:"default:elastic"`
		Pass               string `conf:"default:changeme,mask"`
		Index              string `conf:"default:logs-%{DATE}"`
		FlushBytes         int    `conf:"default:1048576"`
		// FlushInterval is in milliseconds.
		FlushInterval      int    `conf:"default:30000"`
		RejectUnauthorized bool   `conf:"default:false"`
		CreateOp           bool   `conf:"default:false"`
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "stdin to Elasticsearch bulk forwarding filter",
		},
	}
	help, err := conf.Parse("LOG_ES", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	var transport http.RoundTripper = http.DefaultTransport
	if !cfg.RejectUnauthorized {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Host},
		Username:  cfg.User,
		Password:  cfg.Pass,
		Transport: apmelasticsearch.WrapRoundTripper(transport),
	})
	if err != nil {
		return fmt.Errorf("creating elasticsearch client: %w", err)
	}

	forwarder, err := logpipe.NewForwarder(client, logpipe.Config{
		Logger:        logger,
		Tracer:        apm.DefaultTracer(),
		Index:         cfg.Index,
		CreateOp:      cfg.CreateOp,
		FlushBytes:    cfg.FlushBytes,
		FlushInterval: time.Duration(cfg.FlushInterval) * time.Millisecond,
		OnDrop: func(doc logpipe.Document, item logpipe.BulkIndexerResponseItem) {
			logger.Error("document dropped",
				zap.String("index", item.Index),
				zap.Int("status", item.Status),
				zap.String("error_type", item.Error.Type),
				zap.String("error_reason", item.Error.Reason),
				zap.Any("document", doc),
			)
		},
		OnError: func(err error) {
			logger.Error("bulk delivery error", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("creating forwarder: %w", err)
	}

	pipeline := logpipe.NewPipeline(forwarder, logpipe.PipelineConfig{
		ExtraFields: logpipe.ExtraFieldsFromEnviron(os.Environ()),
		Diagnostic:  os.Stdout,
		OnAnomaly: func(a logpipe.Anomaly) {
			logger.Warn("input line rejected",
				zap.String("reason", string(a.Reason)),
				zap.ByteString("line", a.Line),
			)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := pipeline.Run(ctx, os.Stdin)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := forwarder.Close(closeCtx); err != nil {
		logger.Error("closing forwarder", zap.Error(err))
	}

	stats := forwarder.Stats()
	logger.Info("bulk delivery completed",
		zap.Int64("docs_added", stats.Added),
		zap.Int64("docs_indexed", stats.Indexed),
		zap.Int64("docs_dropped", stats.Dropped),
		zap.Int64("transport_errors", stats.TransportErrors),
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("reading input: %w", runErr)
	}
	return nil
}
