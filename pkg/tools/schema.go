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
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects a parameter struct into the OpenAI function
// parameters shape. Descriptions and required fields come from
// jsonschema struct tags.
func schemaFor(v interface{}) map[string]interface{} {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "additionalProperties")
	return out
}
