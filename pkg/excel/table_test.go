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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadTableCSV(t *testing.T) {
	path := writeTempFile(t, "data.csv", "速度, 加速度\n10,0.5\n20,\n")

	table, err := ReadTable(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"速度", "加速度"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"10", "0.5"}, table.Rows[0])
	// Short rows are padded to the header width.
	assert.Equal(t, []string{"20", ""}, table.Rows[1])
}

func TestReadTableErrors(t *testing.T) {
	_, err := ReadTable(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "文件不存在")

	_, err = ReadTable(writeTempFile(t, "data.txt", "a,b\n1,2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不支持的文件格式")

	_, err = ReadTable(writeTempFile(t, "empty.csv", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "文件为空")

	_, err = ReadTable(writeTempFile(t, "header.csv", "a,b\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "文件没有数据行")
}

func TestWriteTableCSVRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteTable(path, &Table{
		Columns: []string{"名称", "value"},
		Rows:    [][]string{{"甲", "1.5"}, {"乙", "2"}},
	}))

	// The BOM written for spreadsheet apps must not leak into the header.
	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"名称", "value"}, table.Columns)
	assert.Equal(t, [][]string{{"甲", "1.5"}, {"乙", "2"}}, table.Rows)
}

func TestWriteTableXlsxRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, WriteTable(path, &Table{
		Columns: []string{"speed", "label"},
		Rows:    [][]string{{"12.5", "slow"}, {"80", "fast"}},
	}))

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"speed", "label"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "12.5", table.Rows[0][0])
	assert.Equal(t, "fast", table.Rows[1][1])
}

func TestColumnIndexAndAddColumn(t *testing.T) {
	table := &Table{
		Columns: []string{"a", "b"},
		Rows:    [][]string{{"1", "2"}, {"3", "4"}},
	}
	assert.Equal(t, 1, table.ColumnIndex("b"))
	assert.Equal(t, -1, table.ColumnIndex("c"))

	table.AddColumn("c", []string{"x"})
	assert.Equal(t, 2, table.ColumnIndex("c"))
	assert.Equal(t, []string{"1", "2", "x"}, table.Rows[0])
	assert.Equal(t, []string{"3", "4", ""}, table.Rows[1])
}

func TestParseCell(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"42", 42, false},
		{" 3.14 ", 3.14, false},
		{"1,234.5", 1234.5, false},
		{"50%", 50, false},
		{"3.5％", 3.5, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCell(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
