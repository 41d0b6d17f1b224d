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
	"net/http"
	"time"

	"github.com/moveslab/emissia/pkg/metrics"
)

const (
	streamChunkRunes    = 20
	streamChunkInterval = 50 * time.Millisecond
	heartbeatInterval   = 15 * time.Second
)

// handleChatStream runs one chat turn and streams the result as
// newline-delimited JSON events. While the model is thinking the
// stream carries heartbeats so proxies do not drop the connection;
// the finished reply is then replayed in small text chunks.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	emit := func(event map[string]interface{}) {
		if err := json.NewEncoder(w).Encode(event); err != nil {
			return
		}
		flusher.Flush()
	}

	turn, err := s.parseChatRequest(r)
	if err != nil {
		metrics.ObserveChat("stream", start, err)
		emit(map[string]interface{}{"type": "error", "content": friendlyErrorMessage(err)})
		return
	}

	emit(map[string]interface{}{"type": "status", "content": "正在理解您的问题..."})
	if turn.filePath != "" {
		emit(map[string]interface{}{"type": "status", "content": "正在处理上传的文件..."})
	}
	emit(map[string]interface{}{"type": "status", "content": "正在分析任务..."})

	type outcome struct {
		result *turnResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.runTurn(r.Context(), turn)
		done <- outcome{result, err}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var out outcome
waiting:
	for {
		select {
		case out = <-done:
			break waiting
		case <-heartbeat.C:
			emit(map[string]interface{}{"type": "heartbeat"})
		case <-r.Context().Done():
			metrics.ObserveChat("stream", start, r.Context().Err())
			return
		}
	}

	metrics.ObserveChat("stream", start, out.err)
	if out.err != nil {
		emit(map[string]interface{}{"type": "error", "content": friendlyErrorMessage(out.err)})
		return
	}
	result := out.result

	for _, chunk := range chunkRunes(result.reply, streamChunkRunes) {
		emit(map[string]interface{}{"type": "text", "content": chunk})
		time.Sleep(streamChunkInterval)
	}
	if result.chartData != nil {
		emit(map[string]interface{}{"type": "chart", "content": result.chartData})
	}
	if result.tableData != nil {
		emit(map[string]interface{}{"type": "table", "content": result.tableData})
	}

	emit(map[string]interface{}{
		"type":          "done",
		"session_id":    turn.sess.ID(),
		"file_id":       result.fileID,
		"download_file": result.downloadFile,
		"message_id":    result.messageID,
	})
}

func chunkRunes(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
