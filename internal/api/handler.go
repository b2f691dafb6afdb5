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

// Package api serves read-only views of the detector state over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bearslyricattack/sysdetect/internal/core/alert"
	"github.com/bearslyricattack/sysdetect/internal/core/state"
	"github.com/bearslyricattack/sysdetect/pkg/logger"
)

// StateProvider exposes the detector state served by the API.
type StateProvider interface {
	ProcessSnapshot() []state.ProcessSnapshot
	TableCapacity() int
	RecentAlerts() []alert.Alert
}

// ProcessesResponse is the body of /api/processes.
type ProcessesResponse struct {
	Capacity  int                     `json:"capacity"`
	Count     int                     `json:"count"`
	Processes []state.ProcessSnapshot `json:"processes"`
}

// AlertView is one alert as returned by /api/alerts.
type AlertView struct {
	Rule   string    `json:"rule"`
	PID    int       `json:"pid"`
	Comm   string    `json:"comm"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
	Line   string    `json:"line"`
}

// Handler implements the API endpoints.
type Handler struct {
	provider StateProvider
}

// NewHandler creates a handler reading from provider.
func NewHandler(provider StateProvider) *Handler {
	return &Handler{
		provider: provider,
	}
}

// GetProcessesHandler returns the tracked processes and their burst state.
func (h *Handler) GetProcessesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	processes := h.provider.ProcessSnapshot()
	logger.L.WithFields(logrus.Fields{
		"count":  len(processes),
		"remote": r.RemoteAddr,
	}).Debug("API: Returning tracked processes")

	writeJSON(w, ProcessesResponse{
		Capacity:  h.provider.TableCapacity(),
		Count:     len(processes),
		Processes: processes,
	})
}

// GetAlertsHandler returns the most recent alerts, oldest first.
func (h *Handler) GetAlertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	alerts := h.provider.RecentAlerts()
	views := make([]AlertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, AlertView{
			Rule:   a.Rule,
			PID:    a.PID,
			Comm:   a.Comm,
			Detail: a.Detail,
			Time:   a.Time,
			Line:   alert.Format(a),
		})
	}

	logger.L.WithFields(logrus.Fields{
		"count":  len(views),
		"remote": r.RemoteAddr,
	}).Debug("API: Returning recent alerts")

	writeJSON(w, views)
}

// HealthHandler reports liveness.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.L.WithError(err).Error("Failed to encode API response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(data, '\n'))
}
