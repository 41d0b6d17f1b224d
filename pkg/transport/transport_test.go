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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moveslab/emissia/pkg/session"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	registry *session.Registry
	outputs  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	outputs := t.TempDir()
	registry := session.NewRegistry(t.TempDir(), nil)
	srv := NewServer(registry, outputs, t.TempDir())
	return &testEnv{
		server:   srv,
		handler:  srv.Handler(),
		registry: registry,
		outputs:  outputs,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/sessions/new", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessionID, _ := decodeBody(t, w)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	w = env.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions, ok := decodeBody(t, w)["sessions"].([]interface{})
	require.True(t, ok)
	require.Len(t, sessions, 1)
	first := sessions[0].(map[string]interface{})
	assert.Equal(t, sessionID, first["session_id"])
	assert.Equal(t, "新对话", first["title"])

	w = env.do(t, http.MethodPatch, "/api/sessions/"+sessionID+"/title",
		[]byte(`{"title":"测试会话"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "测试会话", decodeBody(t, w)["title"])

	w = env.do(t, http.MethodPatch, "/api/sessions/"+sessionID+"/title",
		[]byte(`{"title":"  "}`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "标题不能为空或会话不存在", decodeBody(t, w)["detail"])

	w = env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/history", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Session not found", decodeBody(t, w)["detail"])
}

func TestHistoryRebuildsDownload(t *testing.T) {
	env := newTestEnv(t)

	mgr, err := env.registry.Get("default")
	require.NoError(t, err)
	sess := mgr.Create()

	tableData := map[string]interface{}{
		"download": map[string]interface{}{"filename": "result.xlsx"},
	}
	sess.SaveTurn("算一下", "算好了", nil, tableData, "table", "", nil, "msg42")

	w := env.do(t, http.MethodGet, "/api/sessions/"+sess.ID()+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 2)

	assistant := messages[1].(map[string]interface{})
	assert.Equal(t, "msg42", assistant["message_id"])

	download, ok := assistant["download_file"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "result.xlsx", download["filename"])
	assert.Equal(t, "/api/file/download/message/"+sess.ID()+"/msg42", download["url"])
	assert.Equal(t, sess.ID(), assistant["file_id"])
}

func TestDownloadByMessage(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(env.outputs, "result.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	mgr, err := env.registry.Get("default")
	require.NoError(t, err)
	sess := mgr.Create()
	sess.SaveTurn("算一下", "算好了", nil, nil, "", "",
		map[string]interface{}{"path": path, "filename": "result.xlsx"}, "msg1")

	w := env.do(t, http.MethodGet, "/api/file/download/message/"+sess.ID()+"/msg1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "result.xlsx")

	w = env.do(t, http.MethodGet, "/api/file/download/message/"+sess.ID()+"/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "消息不存在", decodeBody(t, w)["detail"])

	w = env.do(t, http.MethodGet, "/api/file/download/message/nosuch/msg1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "会话不存在", decodeBody(t, w)["detail"])
}

func TestDownloadByName(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(env.outputs, "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	w := env.do(t, http.MethodGet, "/api/download/out.csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")

	w = env.do(t, http.MethodGet, "/api/download/missing.csv", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "File not found", decodeBody(t, w)["detail"])
}

func TestDownloadByNameRejectsTraversal(t *testing.T) {
	env := newTestEnv(t)

	secret := filepath.Join(filepath.Dir(env.outputs), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("filename", "../secret.txt")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	env.server.handleDownloadByName(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Access denied", decodeBody(t, w)["detail"])
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/file/template/trajectory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "trajectory_template.xlsx")
	assert.NotZero(t, w.Body.Len())

	w = env.do(t, http.MethodGet, "/api/file/template/unknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "模板不存在", decodeBody(t, w)["detail"])
}

func TestFilePreview(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "trip.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("时间,速度\n0,10\n1,20\n2,30\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/file/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "trip.csv", body["filename"])
	assert.Equal(t, "trajectory", body["detected_type"])
	assert.Equal(t, 3.0, body["rows_total"])

	warnings := body["warnings"].([]interface{})
	assert.Contains(t, warnings, "未找到加速度列，将自动计算")
	assert.Contains(t, warnings, "未找到坡度列，默认使用0%")

	rows := body["preview_rows"].([]interface{})
	require.Len(t, rows, 3)
	first := rows[0].(map[string]interface{})
	assert.Equal(t, "10", first["速度"])
}

func TestFilePreviewRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/file/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["detail"], "文件解析失败")
}

func TestUserIsolation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/new", nil)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Bob sees no sessions.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-User-ID", "bob")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	sessions := decodeBody(t, w)["sessions"].([]interface{})
	assert.Empty(t, sessions)

	// user_id query parameter works too.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions?user_id=alice", nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	sessions = decodeBody(t, w)["sessions"].([]interface{})
	assert.Len(t, sessions, 1)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodOptions, "/api/chat", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCleanReplyText(t *testing.T) {
	in := "查询完成。\n```json\n{\"a\":1}\n```\n\n\n这是 {\"curve\": [1,2]} 曲线。"
	out := cleanReplyText(in)
	assert.NotContains(t, out, "```")
	assert.NotContains(t, out, "curve")
	assert.Contains(t, out, "查询完成。")
	assert.NotContains(t, out, "\n\n\n")
}

func TestFriendlyErrorMessage(t *testing.T) {
	assert.Equal(t, proxyAdvisory, friendlyErrorMessage(errors.New("Connection error: unexpected EOF")))
	assert.Equal(t, proxyAdvisory, friendlyErrorMessage(errors.New("request timed out")))
	assert.Equal(t, "处理出错: 数据文件不存在", friendlyErrorMessage(errors.New("数据文件不存在")))
}
