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

// Package session manages per-user conversation sessions with JSON
// persistence: metadata, durable chat history and a lazily created
// router per session.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moveslab/emissia/pkg/agent"
)

// RouterFactory builds the conversation router for a session. dir is
// the manager's storage directory, used for memory persistence.
type RouterFactory func(sessionID, dir string) *agent.Router

// HistoryMessage is one persisted chat message.
type HistoryMessage struct {
	Role         string                 `json:"role"`
	Content      string                 `json:"content"`
	ChartData    map[string]interface{} `json:"chart_data,omitempty"`
	TableData    map[string]interface{} `json:"table_data,omitempty"`
	DataType     string                 `json:"data_type,omitempty"`
	MessageID    string                 `json:"message_id,omitempty"`
	FileID       string                 `json:"file_id,omitempty"`
	DownloadFile map[string]interface{} `json:"download_file,omitempty"`
	Timestamp    string                 `json:"timestamp"`
}

// Meta is the serializable session metadata.
type Meta struct {
	SessionID      string `json:"session_id"`
	Title          string `json:"title"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	MessageCount   int    `json:"message_count"`
	LastResultFile string `json:"last_result_file,omitempty"`
}

// Session is one conversation with lazily created router state.
type Session struct {
	id      string
	dir     string
	factory RouterFactory

	// turnMu serializes conversation turns: one in-flight Chat per
	// session. Metadata stays under mu so History and Meta reads do
	// not block behind a long LLM round trip.
	turnMu sync.Mutex

	mu             sync.Mutex
	title          string
	createdAt      string
	updatedAt      string
	messageCount   int
	lastResultFile string
	router         *agent.Router
	history        []HistoryMessage
}

func newSession(id, dir string, factory RouterFactory) *Session {
	now := time.Now().Format(time.RFC3339)
	return &Session{
		id:        id,
		dir:       dir,
		factory:   factory,
		title:     "新对话",
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Router returns the session's router, creating it on first use.
func (s *Session) Router() *agent.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router == nil {
		s.router = s.factory(s.id, s.dir)
	}
	return s.router
}

// Chat runs one conversation turn through the session's router.
// Concurrent calls on the same session run one at a time, so memory
// updates and history appends keep their turn order.
func (s *Session) Chat(ctx context.Context, message, filePath string) (*agent.Response, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.Router().Chat(ctx, message, filePath)
}

// SaveTurn appends a user/assistant exchange to the durable history
// and returns the assistant message id.
func (s *Session) SaveTurn(userInput, assistantResponse string, chartData, tableData map[string]interface{}, dataType, fileID string, downloadFile map[string]interface{}, messageID string) string {
	if messageID == "" {
		messageID = newMessageID()
	}
	now := time.Now().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		HistoryMessage{Role: "user", Content: userInput, Timestamp: now},
		HistoryMessage{
			Role:         "assistant",
			Content:      assistantResponse,
			ChartData:    chartData,
			TableData:    tableData,
			DataType:     dataType,
			MessageID:    messageID,
			FileID:       fileID,
			DownloadFile: downloadFile,
			Timestamp:    now,
		},
	)
	s.messageCount++
	s.updatedAt = now
	return messageID
}

// History returns a copy of the persisted messages. Assistant messages
// from before message ids existed get a stable legacy id by position.
func (s *Session) History() []HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryMessage, len(s.history))
	copy(out, s.history)
	for i := range out {
		if out[i].Role == "assistant" && out[i].MessageID == "" {
			out[i].MessageID = legacyMessageID(i)
		}
	}
	return out
}

// FindMessage looks up an assistant message by id, accepting legacy
// position-based ids.
func (s *Session) FindMessage(messageID string) (HistoryMessage, bool) {
	for _, msg := range s.History() {
		if msg.Role == "assistant" && msg.MessageID == messageID {
			return msg, true
		}
	}
	return HistoryMessage{}, false
}

// SetLastResultFile records the most recent generated result file.
func (s *Session) SetLastResultFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResultFile = path
}

// Meta returns the serializable metadata.
func (s *Session) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Meta{
		SessionID:      s.id,
		Title:          s.title,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
		MessageCount:   s.messageCount,
		LastResultFile: s.lastResultFile,
	}
}

func newSessionID() string {
	return uuid.NewString()[:8]
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func legacyMessageID(index int) string {
	return "legacy-" + strconv.Itoa(index)
}
