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

package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sessions := make([]map[string]interface{}, 0)
	for _, sess := range mgr.List() {
		meta := sess.Meta()
		sessions = append(sessions, map[string]interface{}{
			"session_id":    meta.SessionID,
			"title":         meta.Title,
			"created_at":    meta.CreatedAt,
			"updated_at":    meta.UpdatedAt,
			"message_count": meta.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess := mgr.Create()
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": sess.ID()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	mgr.Delete(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "标题不能为空或会话不存在")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if !mgr.SetTitle(sessionID, body.Title) {
		writeError(w, http.StatusBadRequest, "标题不能为空或会话不存在")
		return
	}
	sess, _ := mgr.Get(sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"session_id": sessionID,
		"title":      sess.Meta().Title,
	})
}

// handleHistory returns a session's messages. Download references are
// rebuilt for messages saved before they carried one, so old results
// stay downloadable from the history view.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := mgr.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	history := sess.History()
	messages := make([]map[string]interface{}, 0, len(history))
	for _, msg := range history {
		entry := map[string]interface{}{
			"role":      msg.Role,
			"content":   msg.Content,
			"timestamp": msg.Timestamp,
		}
		if msg.ChartData != nil {
			entry["chart_data"] = msg.ChartData
		}
		if msg.TableData != nil {
			entry["table_data"] = msg.TableData
		}
		if msg.DataType != "" {
			entry["data_type"] = msg.DataType
		}
		if msg.MessageID != "" {
			entry["message_id"] = msg.MessageID
		}

		download := msg.DownloadFile
		if download == nil && msg.Role == "assistant" {
			if embedded, ok := msg.TableData["download"].(map[string]interface{}); ok {
				if name, _ := embedded["filename"].(string); name != "" {
					download = map[string]interface{}{
						"filename": name,
						"url":      fmt.Sprintf("/api/file/download/message/%s/%s", sessionID, msg.MessageID),
						"file_id":  sessionID,
						"path":     filepath.Join(s.outputsDir, name),
					}
				}
			}
		}
		if download != nil {
			entry["download_file"] = download
			if msg.FileID != "" {
				entry["file_id"] = msg.FileID
			} else {
				entry["file_id"] = sessionID
			}
		} else if msg.FileID != "" {
			entry["file_id"] = msg.FileID
		}

		messages = append(messages, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
		"success":    true,
	})
}
