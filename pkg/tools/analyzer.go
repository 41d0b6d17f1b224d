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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/moveslab/emissia/pkg/excel"
	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/standardizer"
)

// FileAnalyzerTool inspects an uploaded file and guesses which
// calculation it belongs to.
type FileAnalyzerTool struct {
	std *standardizer.Standardizer
}

// NewFileAnalyzerTool creates the file analysis tool.
func NewFileAnalyzerTool(std *standardizer.Standardizer) *FileAnalyzerTool {
	return &FileAnalyzerTool{std: std}
}

func (t *FileAnalyzerTool) Name() string { return "analyze_file" }

func (t *FileAnalyzerTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name: t.Name(),
		Description: `Analyze uploaded file to identify its type and structure.

Use this when:
- User uploaded a file but didn't specify what to do with it
- Need to understand file content before processing
- File has non-standard column names

Output: File type (trajectory/road link/other), column list, data preview, suggested processing method`,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to analyze",
				},
			},
			"required": []string{"file_path"},
		},
	}
}

var (
	microIndicators = []string{"speed", "velocity", "速度", "time", "acceleration", "加速"}
	macroIndicators = []string{"length", "flow", "volume", "traffic", "长度", "流量", "link"}
)

func (t *FileAnalyzerTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var p struct {
		FilePath string `json:"file_path"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if p.FilePath == "" {
		return Errorf("Missing required parameter: file_path")
	}

	table, err := excel.ReadTable(p.FilePath)
	if err != nil {
		return Errorf("Failed to analyze file: %v", err)
	}

	analysis := t.analyze(table, filepath.Base(p.FilePath))
	return &Result{
		Success: true,
		Data:    analysis,
		Summary: formatAnalysisSummary(analysis),
	}
}

func (t *FileAnalyzerTool) analyze(table *excel.Table, filename string) map[string]interface{} {
	taskType, confidence := identifyTaskType(table.Columns)

	microMapping := t.std.MapColumns("micro_emission", table.Columns)
	macroMapping := t.std.MapColumns("macro_emission", table.Columns)

	sampleRows := make([]map[string]string, 0, 2)
	for i, row := range table.Rows {
		if i >= 2 {
			break
		}
		sample := make(map[string]string, len(table.Columns))
		for j, col := range table.Columns {
			if j < len(row) {
				sample[col] = row[j]
			}
		}
		sampleRows = append(sampleRows, sample)
	}

	return map[string]interface{}{
		"filename":           filename,
		"row_count":          len(table.Rows),
		"columns":            table.Columns,
		"task_type":          taskType,
		"confidence":         confidence,
		"micro_mapping":      microMapping,
		"macro_mapping":      macroMapping,
		"micro_has_required": t.std.HasRequiredColumns("micro_emission", microMapping),
		"macro_has_required": t.std.HasRequiredColumns("macro_emission", macroMapping),
		"sample_rows":        sampleRows,
	}
}

// identifyTaskType scores the headers against indicator words for each
// calculation. Confidence grows with the score, capped at 0.95.
func identifyTaskType(columns []string) (string, float64) {
	lower := make([]string, len(columns))
	for i, c := range columns {
		lower[i] = strings.ToLower(c)
	}

	score := func(indicators []string) int {
		n := 0
		for _, ind := range indicators {
			for _, col := range lower {
				if strings.Contains(col, ind) {
					n++
					break
				}
			}
		}
		return n
	}

	microScore := score(microIndicators)
	macroScore := score(macroIndicators)

	switch {
	case microScore > macroScore:
		return "micro_emission", min95(0.5 + float64(microScore)*0.15)
	case macroScore > microScore:
		return "macro_emission", min95(0.5 + float64(macroScore)*0.15)
	default:
		return "unknown", 0.3
	}
}

func min95(v float64) float64 {
	if v > 0.95 {
		return 0.95
	}
	return v
}

func formatAnalysisSummary(analysis map[string]interface{}) string {
	columns, _ := analysis["columns"].([]string)
	lines := []string{
		fmt.Sprintf("File: %v", analysis["filename"]),
		fmt.Sprintf("Rows: %v", analysis["row_count"]),
		fmt.Sprintf("Columns: %s", strings.Join(columns, ", ")),
		fmt.Sprintf("Detected type: %v (confidence: %.0f%%)", analysis["task_type"], analysis["confidence"].(float64)*100),
	}
	if samples, ok := analysis["sample_rows"].([]map[string]string); ok && len(samples) > 0 {
		raw, err := json.Marshal(samples)
		if err == nil {
			lines = append(lines, fmt.Sprintf("Sample: %s", raw))
		}
	}
	return strings.Join(lines, "\n")
}
