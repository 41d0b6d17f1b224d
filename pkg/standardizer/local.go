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

package standardizer

import (
	"context"
	"fmt"

	"github.com/moveslab/emissia/pkg/llms"
)

const (
	localVehicleSystem = `你是车辆类型标准化助手。将用户输入映射到以下标准类型之一：
Passenger Car, Passenger Truck, Transit Bus, Single Unit Truck, Combination Truck, Motorcycle。
只返回JSON：{"standard_name": "...", "confidence": 0.0}`

	localPollutantSystem = `你是污染物标准化助手。将用户输入映射到以下标准名之一：
CO2, CO, NOx, PM2.5, PM10, THC, SO2, Energy。
只返回JSON：{"standard_name": "...", "confidence": 0.0}`
)

// ModelClient adapts a fine-tuned chat model served over an
// OpenAI-compatible endpoint to the LocalModel interface.
type ModelClient struct {
	client *llms.Client
}

// NewModelClient wraps an LLM client as a local standardization model.
func NewModelClient(client *llms.Client) *ModelClient {
	return &ModelClient{client: client}
}

func (m *ModelClient) StandardizeVehicle(ctx context.Context, raw string) (string, float64, error) {
	return m.standardize(ctx, raw, localVehicleSystem)
}

func (m *ModelClient) StandardizePollutant(ctx context.Context, raw string) (string, float64, error) {
	return m.standardize(ctx, raw, localPollutantSystem)
}

func (m *ModelClient) standardize(ctx context.Context, raw, system string) (string, float64, error) {
	out, err := m.client.ChatJSON(ctx, raw, system)
	if err != nil {
		return "", 0, err
	}
	name, _ := out["standard_name"].(string)
	if name == "" {
		return "", 0, fmt.Errorf("[LocalModel] no standard_name in response")
	}
	confidence := 0.0
	switch v := out["confidence"].(type) {
	case float64:
		confidence = v
	case int:
		confidence = float64(v)
	}
	return name, confidence, nil
}
