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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLinks(t *testing.T) {
	r := newTestReader(t)
	path := writeTempFile(t, "links.csv",
		"link_id,路段长度,交通流量,平均速度,乘用车%,公交车%\nA1,2.0,1000,60,80,20\n,1.5,2400,50,60,60\n")

	links, err := r.ReadLinks(path)
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "A1", links[0].LinkID)
	assert.Equal(t, 2.0, links[0].LengthKm)
	assert.Equal(t, 1000.0, links[0].TrafficFlowVph)
	assert.Equal(t, 60.0, links[0].AvgSpeedKph)
	assert.Equal(t, 80.0, links[0].FleetMix["Passenger Car"])
	assert.Equal(t, 20.0, links[0].FleetMix["Transit Bus"])

	// Blank id falls back to the row number; shares summing to 120 are
	// normalized back to 100.
	assert.Equal(t, "Link_2", links[1].LinkID)
	assert.InDelta(t, 50.0, links[1].FleetMix["Passenger Car"], 0.001)
	assert.InDelta(t, 50.0, links[1].FleetMix["Transit Bus"], 0.001)
}

func TestReadLinksNoFleetColumns(t *testing.T) {
	r := newTestReader(t)
	path := writeTempFile(t, "links.csv", "路段长度,交通流量,平均速度\n2.0,1000,60\n")

	links, err := r.ReadLinks(path)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "Link_1", links[0].LinkID)
	assert.Nil(t, links[0].FleetMix)
}

func TestReadLinksDailyFlow(t *testing.T) {
	r := newTestReader(t)
	path := writeTempFile(t, "links.csv", "路段长度,daily_flow,平均速度\n2.0,2400,60\n")

	links, err := r.ReadLinks(path)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.InDelta(t, 100.0, links[0].TrafficFlowVph, 0.001)
}

func TestReadLinksMissingRequired(t *testing.T) {
	r := newTestReader(t)
	path := writeTempFile(t, "links.csv", "路段长度,平均速度\n2.0,60\n")

	_, err := r.ReadLinks(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "列语义映射失败")
	assert.Contains(t, err.Error(), "flow")
}

func TestStripShareSuffix(t *testing.T) {
	assert.Equal(t, "乘用车", stripShareSuffix("乘用车%"))
	assert.Equal(t, "乘用车", stripShareSuffix("乘用车占比"))
	assert.Equal(t, "bus", stripShareSuffix("bus_share"))
	assert.Equal(t, "car", stripShareSuffix("car"))
}
