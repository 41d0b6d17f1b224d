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

package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager owns one user's sessions with JSON persistence: a metadata
// file plus one history file per session.
type Manager struct {
	dir     string
	factory RouterFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager storing under dir and loads persisted
// sessions.
func NewManager(dir string, factory RouterFactory) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		dir:      dir,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
	m.load()
	return m, nil
}

// Create starts a new session and persists the metadata.
func (m *Manager) Create() *Session {
	s := newSession(newSessionID(), m.dir, m.factory)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.Save()
	return s
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating one when missing.
// An empty id always creates a fresh session.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return s
		}
	}
	if id == "" {
		id = newSessionID()
	}
	s := newSession(id, m.dir, m.factory)
	m.sessions[id] = s
	m.mu.Unlock()
	m.Save()
	return s
}

// UpdateTitleFromFirstMessage titles a session after its first
// exchange, truncating to 20 characters.
func (m *Manager) UpdateTitleFromFirstMessage(id, firstMessage string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.mu.Lock()
		if s.messageCount == 1 {
			runes := []rune(firstMessage)
			if len(runes) > 20 {
				s.title = string(runes[:20]) + "..."
			} else {
				s.title = firstMessage
			}
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()
	if ok {
		m.Save()
	}
}

// SetTitle sets a session title by hand. Empty titles are rejected;
// long titles truncate to 80 characters.
func (m *Manager) SetTitle(id, title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		return false
	}
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80])
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.mu.Lock()
		s.title = title
		s.updatedAt = time.Now().Format(time.RFC3339)
		s.mu.Unlock()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.Save()
	return true
}

// List returns all sessions, most recently updated first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta().UpdatedAt > out[j].Meta().UpdatedAt
	})
	return out
}

// Delete removes a session and its history file.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(m.historyPath(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove history file", "session", id, "error", err)
	}
	m.Save()
}

func (m *Manager) metaPath() string {
	return filepath.Join(m.dir, "sessions_meta.json")
}

func (m *Manager) historyPath(id string) string {
	return filepath.Join(m.dir, "history", id+".json")
}

// Save persists metadata and all session histories.
func (m *Manager) Save() {
	m.mu.Lock()
	metas := make([]Meta, 0, len(m.sessions))
	type pending struct {
		id      string
		history []HistoryMessage
	}
	var histories []pending
	for _, s := range m.sessions {
		metas = append(metas, s.Meta())
		s.mu.Lock()
		if len(s.history) > 0 {
			histories = append(histories, pending{s.id, append([]HistoryMessage(nil), s.history...)})
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	sort.Slice(metas, func(i, j int) bool { return metas[i].UpdatedAt > metas[j].UpdatedAt })

	raw, err := json.MarshalIndent(metas, "", "  ")
	if err == nil {
		err = os.WriteFile(m.metaPath(), raw, 0o644)
	}
	if err != nil {
		slog.Error("failed to save session metadata", "error", err)
	}

	for _, h := range histories {
		raw, err := json.MarshalIndent(h.history, "", "  ")
		if err == nil {
			err = os.WriteFile(m.historyPath(h.id), raw, 0o644)
		}
		if err != nil {
			slog.Error("failed to save session history", "session", h.id, "error", err)
		}
	}
}

func (m *Manager) load() {
	raw, err := os.ReadFile(m.metaPath())
	if err != nil {
		return
	}
	var metas []Meta
	if err := json.Unmarshal(raw, &metas); err != nil {
		slog.Warn("failed to load session metadata", "error", err)
		return
	}

	for _, meta := range metas {
		s := newSession(meta.SessionID, m.dir, m.factory)
		s.title = meta.Title
		if meta.CreatedAt != "" {
			s.createdAt = meta.CreatedAt
		}
		if meta.UpdatedAt != "" {
			s.updatedAt = meta.UpdatedAt
		} else {
			s.updatedAt = s.createdAt
		}
		s.messageCount = meta.MessageCount
		s.lastResultFile = meta.LastResultFile

		if historyRaw, err := os.ReadFile(m.historyPath(meta.SessionID)); err == nil {
			if err := json.Unmarshal(historyRaw, &s.history); err != nil {
				slog.Warn("failed to load session history", "session", meta.SessionID, "error", err)
			}
		}

		m.sessions[meta.SessionID] = s
	}
	slog.Info("loaded sessions", "count", len(m.sessions), "dir", m.dir)
}

// Registry hands out one Manager per user, each with isolated storage
// under baseDir/{user_id}.
type Registry struct {
	baseDir string
	factory RouterFactory

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates the per-user manager registry.
func NewRegistry(baseDir string, factory RouterFactory) *Registry {
	return &Registry{
		baseDir:  baseDir,
		factory:  factory,
		managers: make(map[string]*Manager),
	}
}

// Get returns the manager for a user, creating it on first use. The
// user id is reduced to a path-safe base name.
func (r *Registry) Get(userID string) (*Manager, error) {
	if userID == "" {
		userID = "default"
	}
	userID = filepath.Base(filepath.Clean(userID))

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[userID]; ok {
		return m, nil
	}
	m, err := NewManager(filepath.Join(r.baseDir, userID), r.factory)
	if err != nil {
		return nil, err
	}
	r.managers[userID] = m
	return m, nil
}
