// Copyright 2025 CompliK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

// Server serves the Prometheus metrics endpoint.
type Server struct {
	server *http.Server
	port   int
	path   string
}

// NewMetricsServer creates a metrics server listening on port.
func NewMetricsServer(port int, path string) *Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return &Server{
		server: server,
		port:   port,
		path:   path,
	}
}

// NewMetricsServerFromConfig creates a metrics server from configuration.
func NewMetricsServerFromConfig(config models.MetricsConfig) *Server {
	server := NewMetricsServer(config.Port, config.Path)

	if config.ReadTimeout > 0 {
		server.server.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		server.server.WriteTimeout = config.WriteTimeout
	}

	return server
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the server is stopped. It returns http.ErrServerClosed
// after Stop.
func (s *Server) Start() error {
	logger.L.WithFields(logrus.Fields{
		"port": s.port,
		"path": s.path,
	}).Info("Starting Prometheus metrics server")

	return s.server.ListenAndServe()
}

// StartWithRetry serves until the server is stopped, retrying failed starts
// up to maxRetries attempts in total. A stopped server is not an error.
func (s *Server) StartWithRetry(ctx context.Context, maxRetries int, retryInterval time.Duration) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), uint64(maxRetries-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		err := s.Start()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, policy, func(err error, next time.Duration) {
		logger.L.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": maxRetries,
			"retry_in":    next.String(),
			"error":       err.Error(),
		}).Warn("Metrics server failed to start, retrying")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("metrics server failed to start after %d attempts: %w", attempt, err)
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	logger.L.Info("Stopping Prometheus metrics server")
	return s.server.Shutdown(ctx)
}

// GetAddr returns the listen address.
func (s *Server) GetAddr() string {
	return s.server.Addr
}

// GetMetricsURL returns the local URL of the metrics endpoint.
func (s *Server) GetMetricsURL() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}

// IsHealthy reports whether the metrics endpoint answers.
func (s *Server) IsHealthy() bool {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(s.GetMetricsURL())
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
