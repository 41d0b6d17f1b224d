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
	"strings"

	"github.com/moveslab/emissia/pkg/moves"
)

// ReadLinks loads road segment records for the macro calculator.
// Length, flow and speed columns are required; link_id falls back to
// Link_{n}. Columns whose header names a vehicle type become the fleet
// mix, normalized to percentages per row.
func (r *Reader) ReadLinks(path string) ([]moves.Link, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}

	mapping := r.std.MapColumns("macro_emission", t.Columns)
	for _, field := range []string{"length", "flow", "speed"} {
		if mapping[field] == "" {
			return nil, fmt.Errorf("列语义映射失败，缺少必需字段: %s。检测到列名: %s",
				field, strings.Join(t.Columns, ", "))
		}
	}
	lengthIdx := t.ColumnIndex(mapping["length"])
	flowIdx := t.ColumnIndex(mapping["flow"])
	speedIdx := t.ColumnIndex(mapping["speed"])
	idIdx := optionalIndex(t, mapping["link_id"])

	fleetCols := r.fleetColumns(t.Columns, mapping)

	links := make([]moves.Link, 0, len(t.Rows))
	for i, row := range t.Rows {
		length, err := ParseCell(row[lengthIdx])
		if err != nil {
			return nil, fmt.Errorf("第%d行路段长度无效: %w", i+2, err)
		}
		flow, err := ParseCell(row[flowIdx])
		if err != nil {
			return nil, fmt.Errorf("第%d行交通流量无效: %w", i+2, err)
		}
		speed, err := ParseCell(row[speedIdx])
		if err != nil {
			return nil, fmt.Errorf("第%d行平均速度无效: %w", i+2, err)
		}

		link := moves.Link{
			LengthKm:       length,
			TrafficFlowVph: normalizeFlow(flow, mapping["flow"]),
			AvgSpeedKph:    speed,
		}
		if idIdx >= 0 && row[idIdx] != "" {
			link.LinkID = row[idIdx]
		} else {
			link.LinkID = fmt.Sprintf("Link_%d", i+1)
		}
		if mix := parseFleetMix(row, fleetCols, t); mix != nil {
			link.FleetMix = mix
		}
		links = append(links, link)
	}
	return links, nil
}

// fleetColumns maps standard vehicle names to header columns that were
// not already claimed by a logical field.
func (r *Reader) fleetColumns(columns []string, mapping map[string]string) map[string]string {
	used := make(map[string]bool)
	for _, col := range mapping {
		used[col] = true
	}

	fleet := make(map[string]string)
	for _, col := range columns {
		if used[col] {
			continue
		}
		name := r.std.LookupVehicle(stripShareSuffix(col))
		if name != "" {
			fleet[name] = col
		}
	}
	return fleet
}

func stripShareSuffix(col string) string {
	s := strings.TrimSpace(col)
	for _, suffix := range []string{"%", "％", "pct", "ratio", "share", "占比", "比例"} {
		s = strings.TrimSuffix(s, suffix)
		s = strings.TrimSuffix(s, "_")
	}
	return strings.TrimSpace(s)
}

// normalizeFlow converts daily traffic volumes to vehicles per hour
// when the source column says it is a daily count.
func normalizeFlow(flow float64, column string) float64 {
	c := strings.ToLower(column)
	for _, marker := range []string{"daily", "per_day", "aadt", "adt", "日", "每日", "日均"} {
		if strings.Contains(c, marker) {
			return flow / 24.0
		}
	}
	return flow
}

// parseFleetMix reads per-row vehicle shares and normalizes them to
// sum to 100. Rows with no usable share get no mix at all.
func parseFleetMix(row []string, fleetCols map[string]string, t *Table) map[string]float64 {
	if len(fleetCols) == 0 {
		return nil
	}
	mix := make(map[string]float64)
	total := 0.0
	for name, col := range fleetCols {
		idx := t.ColumnIndex(col)
		if idx < 0 || idx >= len(row) {
			continue
		}
		v, err := ParseCell(row[idx])
		if err != nil || v <= 0 {
			continue
		}
		mix[name] = v
		total += v
	}
	if len(mix) == 0 || total == 0 {
		return nil
	}
	if total != 100.0 {
		for name := range mix {
			mix[name] = mix[name] / total * 100.0
		}
	}
	return mix
}
