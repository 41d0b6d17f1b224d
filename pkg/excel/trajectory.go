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
	"github.com/moveslab/emissia/pkg/standardizer"
)

// Reader resolves file columns through the shared standardizer before
// handing rows to the calculators.
type Reader struct {
	std *standardizer.Standardizer
}

// NewReader creates a file reader.
func NewReader(std *standardizer.Standardizer) *Reader {
	return &Reader{std: std}
}

// ReadTrajectory loads a second-by-second driving trajectory. The speed
// column is required; time defaults to the row index, acceleration is
// derived from speed differences, grade defaults to zero.
func (r *Reader) ReadTrajectory(path string) ([]moves.TrajectoryPoint, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}

	mapping := r.std.MapColumns("micro_emission", t.Columns)
	speedIdx := -1
	if col := mapping["speed"]; col != "" {
		speedIdx = t.ColumnIndex(col)
	}
	if speedIdx < 0 {
		return nil, fmt.Errorf("未找到速度列，检测到列名: %s", strings.Join(t.Columns, ", "))
	}
	timeIdx := optionalIndex(t, mapping["time"])
	accIdx := optionalIndex(t, mapping["acceleration"])
	gradeIdx := optionalIndex(t, mapping["grade"])

	points := make([]moves.TrajectoryPoint, 0, len(t.Rows))
	for i, row := range t.Rows {
		speed, err := ParseCell(row[speedIdx])
		if err != nil {
			return nil, fmt.Errorf("第%d行速度无效: %w", i+2, err)
		}
		p := moves.TrajectoryPoint{T: float64(i), SpeedKph: speed}
		if timeIdx >= 0 {
			if v, err := ParseCell(row[timeIdx]); err == nil {
				p.T = v
			}
		}
		if accIdx >= 0 {
			v, err := ParseCell(row[accIdx])
			if err != nil {
				return nil, fmt.Errorf("第%d行加速度无效: %w", i+2, err)
			}
			p.Acceleration = &v
		}
		if gradeIdx >= 0 {
			if v, err := ParseCell(row[gradeIdx]); err == nil {
				p.GradePct = v
			}
		}
		points = append(points, p)
	}

	if accIdx < 0 {
		deriveAcceleration(points)
	}
	return points, nil
}

func optionalIndex(t *Table, col string) int {
	if col == "" {
		return -1
	}
	return t.ColumnIndex(col)
}

// deriveAcceleration fills missing accelerations from speed deltas:
// forward difference at the first point, backward at the last, central
// in between. Speeds are km/h so the delta is divided by 3.6.
func deriveAcceleration(points []moves.TrajectoryPoint) {
	n := len(points)
	for i := range points {
		var diff float64
		switch {
		case n < 2:
			diff = 0
		case i == 0:
			diff = points[1].SpeedKph - points[0].SpeedKph
		case i == n-1:
			diff = points[i].SpeedKph - points[i-1].SpeedKph
		default:
			diff = (points[i+1].SpeedKph - points[i-1].SpeedKph) / 2.0
		}
		acc := diff / 3.6
		points[i].Acceleration = &acc
	}
}
