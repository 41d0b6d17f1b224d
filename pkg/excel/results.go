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

package excel

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// resultFilename builds "{stem}_emission_results_{timestamp}.xlsx".
func resultFilename(originalPath string) string {
	stem := strings.TrimSuffix(filepath.Base(originalPath), filepath.Ext(originalPath))
	ts := time.Now().Format("20060102_150405")
	return fmt.Sprintf("%s_emission_results_%s.xlsx", stem, ts)
}

// WriteMicroResults copies the original trajectory file and appends one
// "{pollutant}_g" column per pollutant with the per-second emissions.
// Returns the output path and bare filename.
func WriteMicroResults(originalPath string, perSecond []map[string]float64, pollutants []string, outputDir string) (string, string, error) {
	t, err := ReadTable(originalPath)
	if err != nil {
		return "", "", err
	}

	for _, pol := range pollutants {
		values := make([]string, len(t.Rows))
		for i := range t.Rows {
			v := 0.0
			if i < len(perSecond) {
				v = perSecond[i][pol]
			}
			values[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		t.AddColumn(pol+"_g", values)
	}

	filename := resultFilename(originalPath)
	outputPath := filepath.Join(outputDir, filename)
	if err := WriteTable(outputPath, t); err != nil {
		return "", "", fmt.Errorf("生成结果文件失败: %w", err)
	}
	return outputPath, filename, nil
}

// WriteMacroResults copies the original link file and appends one
// "{pollutant}_kg_h" column per pollutant with the hourly link totals.
func WriteMacroResults(originalPath string, perLink []map[string]float64, pollutants []string, outputDir string) (string, string, error) {
	t, err := ReadTable(originalPath)
	if err != nil {
		return "", "", err
	}

	for _, pol := range pollutants {
		values := make([]string, len(t.Rows))
		for i := range t.Rows {
			v := 0.0
			if i < len(perLink) {
				v = perLink[i][pol]
			}
			values[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		t.AddColumn(pol+"_kg_h", values)
	}

	filename := resultFilename(originalPath)
	outputPath := filepath.Join(outputDir, filename)
	if err := WriteTable(outputPath, t); err != nil {
		return "", "", fmt.Errorf("生成结果文件失败: %w", err)
	}
	return outputPath, filename, nil
}
