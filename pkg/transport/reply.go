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

package transport

import (
	"regexp"
	"strings"
)

var (
	jsonFenceRe   = regexp.MustCompile("```json[\\s\\S]*?```")
	fenceRe       = regexp.MustCompile("```[\\s\\S]*?```")
	curveBlobRe   = regexp.MustCompile(`\{[^{}]*"curve"[^{}]*\}`)
	pollutantsRe  = regexp.MustCompile(`\{[^{}]*"pollutants"[^{}]*\}`)
	blankRunsRe   = regexp.MustCompile(`\n\s*\n\s*\n`)
	connKeywords  = []string{"connection error", "connecterror", "unexpected eof", "ssl", "tls", "timed out", "api_connection_error"}
	proxyAdvisory = "上游大模型连接失败（网络/代理异常）。请稍后重试。\n若问题持续：请检查 HTTP(S)_PROXY 配置、代理服务连通性，或暂时关闭代理后重试。"
)

// cleanReplyText strips raw JSON blobs the model sometimes leaks into
// its prose. Structured chart and table payloads travel in their own
// response fields, so the leaked copies are pure noise.
func cleanReplyText(text string) string {
	text = jsonFenceRe.ReplaceAllString(text, "")
	text = fenceRe.ReplaceAllString(text, "")
	text = curveBlobRe.ReplaceAllString(text, "")
	text = pollutantsRe.ReplaceAllString(text, "")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// friendlyErrorMessage turns low-level failures into something a user
// can act on. Connection failures get proxy troubleshooting advice.
func friendlyErrorMessage(err error) string {
	text := err.Error()
	lower := strings.ToLower(text)
	for _, kw := range connKeywords {
		if strings.Contains(lower, kw) {
			return proxyAdvisory
		}
	}
	return "处理出错: " + text
}
