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

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bearslyricattack/sysdetect/pkg/logger"
)

// Server is the API HTTP server.
type Server struct {
	handler    *Handler
	httpServer *http.Server
	port       int
}

// NewServer creates an API server on port.
func NewServer(provider StateProvider, port int) *Server {
	handler := NewHandler(provider)
	mux := http.NewServeMux()

	mux.HandleFunc("/api/processes", handler.GetProcessesHandler)
	mux.HandleFunc("/api/alerts", handler.GetAlertsHandler)
	mux.HandleFunc("/health", handler.HealthHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return &Server{
		handler:    handler,
		httpServer: httpServer,
		port:       port,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in the background. It fails if the listener could
// not be set up.
func (s *Server) Start(ctx context.Context) error {
	logger.L.WithFields(logrus.Fields{
		"port": s.port,
		"endpoints": []string{
			"/api/processes",
			"/api/alerts",
			"/health",
		},
	}).Info("Starting API server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start API server: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		logger.L.WithField("port", s.port).Info("API server started successfully")
		return nil
	}
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	logger.L.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}
