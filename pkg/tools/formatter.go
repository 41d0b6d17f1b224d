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

import "fmt"

// FormatEmission renders a gram value at a readable magnitude, showing
// the next smaller unit in parentheses above 1 kg.
func FormatEmission(valueG float64, perUnit string) string {
	switch {
	case valueG >= 1_000_000:
		return fmt.Sprintf("%.2f 吨%s (%.2f kg%s)", valueG/1_000_000, perUnit, valueG/1000, perUnit)
	case valueG >= 1000:
		return fmt.Sprintf("%.2f kg%s (%.2f g%s)", valueG/1000, perUnit, valueG, perUnit)
	default:
		return fmt.Sprintf("%.2f g%s", valueG, perUnit)
	}
}

// FormatEmissionMultiUnit renders a gram value with extra context.
// "hour" adds the projected daily total.
func FormatEmissionMultiUnit(valueG float64, context string) string {
	if context == "hour" {
		base := FormatEmission(valueG, "")
		perDay := FormatEmission(valueG*24, "")
		return fmt.Sprintf("%s/小时 (%s/天)", base, perDay)
	}
	return FormatEmission(valueG, "")
}

// Stats holds basic statistics over a value series.
type Stats struct {
	Count int
	Avg   float64
	Max   float64
	Min   float64
}

// CalculateStats computes count, average, max and min. Empty input
// yields nil.
func CalculateStats(values []float64) *Stats {
	if len(values) == 0 {
		return nil
	}
	s := &Stats{Count: len(values), Max: values[0], Min: values[0]}
	sum := 0.0
	for _, v := range values {
		sum += v
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
	}
	s.Avg = sum / float64(len(values))
	return s
}
