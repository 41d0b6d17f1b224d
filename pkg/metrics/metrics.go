// Copyright 2025 The Emissia Authors
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

// Package metrics exposes Prometheus instrumentation for the chat
// service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChatRequests counts chat turns by transport mode and outcome.
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emissia_chat_requests_total",
		Help: "Chat requests by mode (buffered, stream) and status.",
	}, []string{"mode", "status"})

	// ChatDuration observes end-to-end chat turn latency.
	ChatDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emissia_chat_duration_seconds",
		Help:    "Chat turn duration in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	// ToolExecutions counts tool runs by tool name and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emissia_tool_executions_total",
		Help: "Tool executions by tool and status.",
	}, []string{"tool", "status"})

	// ToolDuration observes per-tool execution latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emissia_tool_execution_duration_seconds",
		Help:    "Tool execution duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"tool"})

	// Uploads counts uploaded files by outcome.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emissia_file_uploads_total",
		Help: "Uploaded files by status.",
	}, []string{"status"})

	// Downloads counts served result files.
	Downloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emissia_file_downloads_total",
		Help: "Result file downloads served.",
	})
)

// ObserveChat records one finished chat turn.
func ObserveChat(mode string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ChatRequests.WithLabelValues(mode, status).Inc()
	ChatDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// ObserveTool records one tool execution.
func ObserveTool(tool string, start time.Time, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	ToolExecutions.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
