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

// Package excel reads and writes the tabular input and output files of
// the emission calculators. It accepts .xlsx, .xls and .csv and keeps
// cell values as strings until a calculator needs numbers.
package excel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Table is a header row plus data rows. Rows are padded or truncated
// to the header width.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ReadTable loads a tabular file. The extension decides the format.
func ReadTable(path string) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("文件不存在: %s", path)
	}

	var records [][]string
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		records, err = readCSV(path)
	case ".xlsx", ".xls":
		records, err = readWorkbook(path)
	default:
		return nil, fmt.Errorf("不支持的文件格式: %s，仅支持 .xlsx, .xls, .csv", ext)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("文件为空: %s", filepath.Base(path))
	}

	columns := make([]string, len(records[0]))
	for i, c := range records[0] {
		columns[i] = strings.TrimSpace(c)
	}

	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]string, len(columns))
		for i := range columns {
			if i < len(rec) {
				row[i] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("文件没有数据行: %s", filepath.Base(path))
	}
	return &Table{Columns: columns, Rows: rows}, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("解析CSV失败: %w", err)
	}
	// Strip the UTF-8 BOM our own writer (and most spreadsheet apps) emit.
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return records, nil
}

func readWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取Excel失败: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("Excel文件没有工作表")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("读取Excel行失败: %w", err)
	}
	return rows, nil
}

// WriteTable writes a table to path. .xlsx goes through excelize, .csv
// through encoding/csv with a BOM so spreadsheet apps show Chinese
// headers correctly.
func WriteTable(path string, t *Table) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return writeCSV(path, t)
	case ".xlsx", ".xls":
		return writeWorkbook(path, t)
	default:
		return fmt.Errorf("不支持的输出格式: %s，仅支持 .xlsx, .csv", ext)
	}
}

func writeCSV(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("\xef\xbb\xbf"); err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeWorkbook(path string, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	header := make([]interface{}, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	for i, row := range t.Rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			// Numeric cells stay numeric in the workbook.
			if n, err := strconv.ParseFloat(v, 64); err == nil && v != "" {
				cells[j] = n
			} else {
				cells[j] = v
			}
		}
		addr, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, addr, &cells); err != nil {
			return fmt.Errorf("写入数据行失败: %w", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("保存Excel失败: %w", err)
	}
	return nil
}

// ColumnIndex returns the position of a column name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// AddColumn appends a column with one value per row. Extra values are
// dropped, missing ones left empty.
func (t *Table) AddColumn(name string, values []string) {
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		t.Rows[i] = append(t.Rows[i], v)
	}
}

// ParseCell converts a cell to a float, tolerating thousands separators
// and trailing percent signs.
func ParseCell(v string) (float64, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return 0, fmt.Errorf("存在空值，无法转换为数值")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "％", "%")
	s = strings.TrimSuffix(s, "%")
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("无法解析数值 %q", v)
	}
	return n, nil
}
