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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moveslab/emissia/pkg/metrics"
	"github.com/moveslab/emissia/pkg/session"
)

const maxUploadBytes = 64 << 20

// chatTurn is one parsed chat request, ready to run.
type chatTurn struct {
	mgr      *session.Manager
	sess     *session.Session
	userID   string
	original string
	message  string
	filePath string
}

// turnResult is the outcome of one completed turn, with the download
// reference already rewritten into URLs the frontend can follow.
type turnResult struct {
	reply        string
	chartData    map[string]interface{}
	tableData    map[string]interface{}
	downloadFile map[string]interface{}
	dataType     string
	fileID       string
	messageID    string
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	turn, err := s.parseChatRequest(r)
	if err != nil {
		metrics.ObserveChat("buffered", start, err)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"reply":   "抱歉，" + friendlyErrorMessage(err),
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	result, err := s.runTurn(r.Context(), turn)
	metrics.ObserveChat("buffered", start, err)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"reply":      "抱歉，" + friendlyErrorMessage(err),
			"session_id": turn.sess.ID(),
			"success":    false,
			"error":      err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reply":         result.reply,
		"session_id":    turn.sess.ID(),
		"success":       true,
		"data_type":     result.dataType,
		"chart_data":    result.chartData,
		"table_data":    result.tableData,
		"file_id":       result.fileID,
		"download_file": result.downloadFile,
		"message_id":    result.messageID,
	})
}

// parseChatRequest reads the multipart form, resolves the session and
// stores the uploaded file when one is attached.
func (s *Server) parseChatRequest(r *http.Request) (*chatTurn, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("无法解析请求: %w", err)
	}

	uid := userID(r)
	mgr, err := s.registry.Get(uid)
	if err != nil {
		return nil, err
	}
	sess := mgr.GetOrCreate(strings.TrimSpace(r.FormValue("session_id")))

	turn := &chatTurn{
		mgr:      mgr,
		sess:     sess,
		userID:   uid,
		original: r.FormValue("message"),
		message:  r.FormValue("message"),
	}

	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		path, err := s.saveUpload(file, header.Filename, sess.ID())
		if err != nil {
			metrics.Uploads.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.Uploads.WithLabelValues("ok").Inc()
		turn.filePath = path
		turn.message = fmt.Sprintf("%s\n\n文件已上传，路径: %s\n请使用 input_file 参数处理此文件。", turn.message, path)
	}

	return turn, nil
}

// saveUpload writes the uploaded file under the uploads directory,
// keyed by session so a re-upload replaces the previous input.
func (s *Server) saveUpload(file io.Reader, filename, sessionID string) (string, error) {
	suffix := filepath.Ext(filename)
	if suffix == "" {
		suffix = ".xlsx"
	}
	path := filepath.Join(s.uploadsDir, sessionID+"_input"+suffix)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("保存上传文件失败: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return "", fmt.Errorf("保存上传文件失败: %w", err)
	}
	return path, nil
}

// runTurn executes the turn and persists it: chat, rewrite the
// download reference, record the exchange and refresh metadata.
func (s *Server) runTurn(ctx context.Context, turn *chatTurn) (*turnResult, error) {
	resp, err := turn.sess.Chat(ctx, turn.message, turn.filePath)
	if err != nil {
		return nil, err
	}

	messageID := newMessageID()
	download := normalizeDownloadFile(resp.DownloadFile, turn.sess.ID(), messageID, turn.userID)

	dataType := ""
	switch {
	case resp.ChartData != nil:
		dataType = "chart"
	case resp.TableData != nil:
		dataType = "table"
	}

	fileID := ""
	if download != nil {
		fileID = turn.sess.ID()
		attachDownloadToTableData(resp.TableData, download, fileID)
		if path, _ := download["path"].(string); path != "" {
			turn.sess.SetLastResultFile(path)
		} else if name, _ := download["filename"].(string); name != "" {
			turn.sess.SetLastResultFile(filepath.Join(s.outputsDir, name))
		}
	}

	result := &turnResult{
		reply:        cleanReplyText(resp.Text),
		chartData:    resp.ChartData,
		tableData:    resp.TableData,
		downloadFile: download,
		dataType:     dataType,
		fileID:       fileID,
		messageID:    messageID,
	}

	turn.sess.SaveTurn(turn.original, result.reply, result.chartData, result.tableData,
		result.dataType, result.fileID, result.downloadFile, messageID)
	turn.mgr.UpdateTitleFromFirstMessage(turn.sess.ID(), turn.original)
	turn.mgr.Save()

	return result, nil
}

// normalizeDownloadFile adds the identifiers and URL the frontend
// needs to fetch a generated result file.
func normalizeDownloadFile(download map[string]interface{}, sessionID, messageID, uid string) map[string]interface{} {
	if download == nil {
		return nil
	}
	out := make(map[string]interface{}, len(download)+3)
	for k, v := range download {
		out[k] = v
	}
	out["file_id"] = sessionID
	out["message_id"] = messageID

	escaped := url.QueryEscape(uid)
	if path, _ := out["path"].(string); path != "" {
		if _, ok := out["filename"].(string); !ok {
			out["filename"] = filepath.Base(path)
		}
		out["url"] = fmt.Sprintf("/api/file/download/message/%s/%s?user_id=%s", sessionID, messageID, escaped)
	} else if name, _ := out["filename"].(string); name != "" {
		out["url"] = "/api/download/" + url.PathEscape(name) + "?user_id=" + escaped
	}
	return out
}

// attachDownloadToTableData embeds the download reference into the
// table payload so a rendered table can offer the full file.
func attachDownloadToTableData(tableData, download map[string]interface{}, fileID string) {
	if tableData == nil || download == nil {
		return
	}
	tableData["download"] = map[string]interface{}{
		"url":      download["url"],
		"filename": download["filename"],
	}
	tableData["file_id"] = fileID
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
