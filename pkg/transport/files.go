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
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/moveslab/emissia/pkg/excel"
	"github.com/moveslab/emissia/pkg/metrics"
)

const previewRows = 5

// handleFilePreview parses an uploaded table without running any
// calculation, so the frontend can show what was recognized before the
// user commits to a task.
func (s *Server) handleFilePreview(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "无法解析请求: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "缺少上传文件")
		return
	}
	defer file.Close()

	suffix := filepath.Ext(header.Filename)
	if suffix == "" {
		suffix = ".xlsx"
	}
	tmp, err := os.CreateTemp("", "preview_*"+suffix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "文件解析失败: "+err.Error())
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusBadRequest, "文件解析失败: "+err.Error())
		return
	}
	tmp.Close()

	table, err := excel.ReadTable(tmp.Name())
	if err != nil {
		writeError(w, http.StatusBadRequest, "文件解析失败: "+err.Error())
		return
	}

	preview := make([]map[string]string, 0, previewRows)
	for i, row := range table.Rows {
		if i >= previewRows {
			break
		}
		record := make(map[string]string, len(table.Columns))
		for j, col := range table.Columns {
			record[col] = row[j]
		}
		preview = append(preview, record)
	}

	detected, warnings := detectFileType(table.Columns)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filename":      header.Filename,
		"size_kb":       math.Round(float64(header.Size)/1024*10) / 10,
		"rows_total":    len(table.Rows),
		"columns":       table.Columns,
		"preview_rows":  preview,
		"detected_type": detected,
		"warnings":      warnings,
	})
}

// detectFileType guesses whether a table is a second-by-second
// trajectory or a road link inventory from its column names.
func detectFileType(columns []string) (string, []string) {
	joined := strings.ToLower(strings.Join(columns, " "))
	warnings := []string{}

	switch {
	case strings.Contains(joined, "speed") || strings.Contains(joined, "速度") || strings.Contains(joined, "车速"):
		if !strings.Contains(joined, "acc") && !strings.Contains(joined, "加速度") {
			warnings = append(warnings, "未找到加速度列，将自动计算")
		}
		if !strings.Contains(joined, "grade") && !strings.Contains(joined, "坡度") {
			warnings = append(warnings, "未找到坡度列，默认使用0%")
		}
		return "trajectory", warnings
	case strings.Contains(joined, "length") || strings.Contains(joined, "长度"):
		return "links", warnings
	default:
		warnings = append(warnings, "无法识别文件类型")
		return "unknown", warnings
	}
}

// handleDownloadLastResult serves the most recent result file a
// session produced.
func (s *Server) handleDownloadLastResult(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess, ok := mgr.Get(chi.URLParam(r, "fileID"))
	if !ok {
		writeError(w, http.StatusNotFound, "文件不存在")
		return
	}
	path := sess.Meta().LastResultFile
	if path == "" {
		writeError(w, http.StatusNotFound, "文件不存在")
		return
	}
	s.serveResultFile(w, r, path)
}

// handleDownloadByMessage serves the result file attached to one
// assistant message, so older results stay fetchable after newer runs.
func (s *Server) handleDownloadByMessage(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.manager(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess, ok := mgr.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "会话不存在")
		return
	}
	msg, ok := sess.FindMessage(chi.URLParam(r, "messageID"))
	if !ok {
		writeError(w, http.StatusNotFound, "消息不存在")
		return
	}

	path := ""
	if p, _ := msg.DownloadFile["path"].(string); p != "" {
		path = p
	} else if download, ok := msg.TableData["download"].(map[string]interface{}); ok {
		if name, _ := download["filename"].(string); name != "" {
			path = filepath.Join(s.outputsDir, name)
		}
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "文件不存在")
		return
	}
	s.serveResultFile(w, r, path)
}

// handleDownloadByName serves a result file by bare filename. The
// resolved path must stay under the outputs directory.
func (s *Server) handleDownloadByName(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	outputsAbs, err := filepath.Abs(s.outputsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pathAbs, err := filepath.Abs(filepath.Join(s.outputsDir, filename))
	if err != nil || !strings.HasPrefix(pathAbs, outputsAbs+string(os.PathSeparator)) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if _, err := os.Stat(pathAbs); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	s.serveResultFile(w, r, pathAbs)
}

func (s *Server) serveResultFile(w http.ResponseWriter, r *http.Request, path string) {
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "文件不存在")
		return
	}
	metrics.Downloads.Inc()

	filename := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xls":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	case ".csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

// handleTemplate serves a ready-to-fill input workbook for one task
// type.
func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	templateType := chi.URLParam(r, "templateType")
	table, ok := templateTable(templateType)
	if !ok {
		writeError(w, http.StatusNotFound, "模板不存在")
		return
	}

	tmp, err := os.CreateTemp("", "template_*.xlsx")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := excel.WriteTable(tmp.Name(), table); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", templateType+"_template.xlsx"))
	http.ServeFile(w, r, tmp.Name())
}

func templateTable(templateType string) (*excel.Table, bool) {
	switch templateType {
	case "trajectory":
		return &excel.Table{
			Columns: []string{"t", "speed_kph", "acceleration_mps2", "grade_pct"},
			Rows: [][]string{
				{"0", "0", "0", "0"},
				{"1", "5", "1.39", "0"},
				{"2", "12", "1.94", "0"},
				{"3", "20", "2.22", "0"},
				{"4", "28", "2.22", "0"},
			},
		}, true
	case "links":
		return &excel.Table{
			Columns: []string{"link_id", "link_length_km", "traffic_flow_vph", "avg_speed_kph", "乘用车%", "公交车%", "货车%"},
			Rows: [][]string{
				{"Link_1", "2.5", "5000", "60", "70", "20", "10"},
				{"Link_2", "1.8", "3500", "45", "60", "30", "10"},
				{"Link_3", "3.2", "6000", "80", "80", "10", "10"},
			},
		}, true
	default:
		return nil, false
	}
}
