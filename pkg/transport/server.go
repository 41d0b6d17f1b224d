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

// Package transport exposes the HTTP surface of the chat service:
// buffered and streaming chat, file preview and download, input
// templates and session management.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/moveslab/emissia/pkg/metrics"
	"github.com/moveslab/emissia/pkg/session"
)

// Server routes HTTP requests onto the per-user session registry.
type Server struct {
	registry   *session.Registry
	outputsDir string
	uploadsDir string
}

// NewServer creates the HTTP server over a session registry.
func NewServer(registry *session.Registry, outputsDir, uploadsDir string) *Server {
	return &Server{
		registry:   registry,
		outputsDir: outputsDir,
		uploadsDir: uploadsDir,
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)

		r.Post("/file/preview", s.handleFilePreview)
		r.Get("/file/download/{fileID}", s.handleDownloadLastResult)
		r.Get("/file/download/message/{sessionID}/{messageID}", s.handleDownloadByMessage)
		r.Get("/file/template/{templateType}", s.handleTemplate)
		r.Get("/download/{filename}", s.handleDownloadByName)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/new", s.handleNewSession)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		r.Patch("/sessions/{sessionID}/title", s.handleSetTitle)
		r.Get("/sessions/{sessionID}/history", s.handleHistory)

		r.Get("/health", s.handleHealth)
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// userID resolves the caller identity from the X-User-ID header or the
// user_id query parameter. Anonymous callers share the default bucket.
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id
	}
	return "default"
}

func (s *Server) manager(r *http.Request) (*session.Manager, error) {
	return s.registry.Get(userID(r))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]interface{}{"detail": detail})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
