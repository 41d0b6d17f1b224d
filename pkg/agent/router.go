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

// Package agent implements the conversation orchestrator: a router
// that drives a bounded tool-use loop, a token-budgeted context
// assembler, three-layer conversation memory and a tool executor with
// transparent standardization.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/tools"
)

// maxToolCallsPerTurn bounds the tool-use loop in one turn.
const maxToolCallsPerTurn = 3

// Response is the final reply for one turn.
type Response struct {
	Text         string
	ChartData    map[string]interface{}
	TableData    map[string]interface{}
	DownloadFile map[string]interface{}
}

// executedCall pairs one tool call with its result.
type executedCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	Result    *tools.Result
}

// Router drives one session's conversation: assemble context, let the
// model decide, execute tools, synthesize, remember.
type Router struct {
	sessionID string
	assembler *Assembler
	executor  *Executor
	memory    *Memory
	agent     *llms.Client
	synthesis *llms.Client

	synthesisPrompt string
}

// NewRouter creates the orchestrator for one session. synthesis may be
// the same client as agent.
func NewRouter(sessionID string, assembler *Assembler, executor *Executor, memory *Memory, agent, synthesis *llms.Client, synthesisPrompt string) *Router {
	return &Router{
		sessionID:       sessionID,
		assembler:       assembler,
		executor:        executor,
		memory:          memory,
		agent:           agent,
		synthesis:       synthesis,
		synthesisPrompt: synthesisPrompt,
	}
}

// Memory exposes the session memory, for persistence and history.
func (r *Router) Memory() *Memory { return r.memory }

// Chat processes one user message. filePath is the uploaded file for
// this turn, empty when none.
func (r *Router) Chat(ctx context.Context, userMessage, filePath string) (*Response, error) {
	slog.Info("processing message", "session", r.sessionID, "preview", truncate(userMessage, 50))

	var fileContext map[string]interface{}
	if filePath != "" {
		fileContext = r.fileContext(ctx, filePath)
	}

	assembled := r.assembler.Assemble(userMessage, r.memory.WorkingMemory(), r.memory.FactMemory(), fileContext)

	response, err := r.agent.ChatWithTools(ctx, assembled.Messages, assembled.Tools, assembled.SystemPrompt, nil)
	if err != nil {
		return nil, fmt.Errorf("[Router:Chat] agent completion: %w", err)
	}

	result, executed, err := r.processResponse(ctx, response, assembled, filePath, 0)
	if err != nil {
		return nil, err
	}

	var calls []ToolCallRecord
	for _, ec := range executed {
		calls = append(calls, ToolCallRecord{Name: ec.Name, Arguments: ec.Arguments, Success: ec.Result.Success})
	}
	r.memory.Update(userMessage, result.Text, calls, filePath, fileContext)

	return result, nil
}

// fileContext returns the analysis of the uploaded file, reusing the
// cached result while path and mtime are unchanged.
func (r *Router) fileContext(ctx context.Context, filePath string) map[string]interface{} {
	var mtime int64
	if info, err := os.Stat(filePath); err == nil {
		mtime = info.ModTime().UnixNano()
	}

	cached := r.memory.FactMemory().FileAnalysis
	if cached != nil &&
		stringOr(cached, "file_path", "") == filePath &&
		int64(floatOr(cached, "file_mtime")) == mtime {
		slog.Info("using cached file analysis", "file", filePath)
		return cached
	}

	result := r.executor.Execute(ctx, "analyze_file", map[string]interface{}{"file_path": filePath}, filePath)
	analysis := result.Data
	if analysis == nil {
		analysis = map[string]interface{}{}
	}
	analysis["file_path"] = filePath
	analysis["file_mtime"] = float64(mtime)
	slog.Info("analyzed file", "file", filePath, "task_type", analysis["task_type"])
	return analysis
}

func (r *Router) processResponse(ctx context.Context, response *llms.Response, assembled *AssembledContext, filePath string, depth int) (*Response, []executedCall, error) {
	if len(response.ToolCalls) == 0 {
		return &Response{Text: response.Content}, nil, nil
	}

	if depth >= maxToolCallsPerTurn {
		return &Response{
			Text: "I tried several approaches but encountered some issues. Could you please provide more details about what you need?",
		}, nil, nil
	}

	var results []executedCall
	for _, call := range response.ToolCalls {
		if call.Name == "calculate_micro_emission" {
			if ask := r.vehicleGuard(call, assembled); ask != nil {
				return ask, nil, nil
			}
		}

		result := r.executor.Execute(ctx, call.Name, call.Arguments, filePath)
		results = append(results, executedCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    result,
		})
	}

	hasError := false
	for _, ec := range results {
		if !ec.Result.Success {
			hasError = true
			break
		}
	}

	if hasError && depth < maxToolCallsPerTurn-1 {
		// Hand the errors back to the model; it may correct the
		// arguments or ask the user for clarification.
		content := response.Content
		if content == "" {
			content = "Calling tools..."
		}
		assistantMsg := llms.Message{Role: "assistant", Content: content}
		for _, tc := range response.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wireCall := llms.OpenAIToolCall{ID: tc.ID, Type: "function"}
			wireCall.Function.Name = tc.Name
			wireCall.Function.Arguments = string(args)
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, wireCall)
		}
		assembled.Messages = append(assembled.Messages, assistantMsg, llms.Message{
			Role:       "tool",
			Content:    formatToolErrors(results),
			ToolCallID: results[0].ID,
		})

		retry, err := r.agent.ChatWithTools(ctx, assembled.Messages, assembled.Tools, assembled.SystemPrompt, nil)
		if err != nil {
			return nil, results, fmt.Errorf("[Router:Chat] retry completion: %w", err)
		}
		resp, retried, err := r.processResponse(ctx, retry, assembled, filePath, depth+1)
		return resp, append(results, retried...), err
	}

	text := r.synthesize(ctx, assembled, results)

	return &Response{
		Text:         text,
		ChartData:    extractChartData(results),
		TableData:    extractTableData(results),
		DownloadFile: extractDownloadFile(results),
	}, results, nil
}

// vehicleGuard requires an explicit vehicle mention for micro emission
// calculation. The model sometimes invents a vehicle type when the
// user never named one.
func (r *Router) vehicleGuard(call llms.ToolCall, assembled *AssembledContext) *Response {
	vehicleType, _ := call.Arguments["vehicle_type"].(string)
	if vehicleType == "" {
		return nil
	}

	userMsg := ""
	if len(assembled.Messages) > 0 {
		userMsg = strings.ToLower(assembled.Messages[len(assembled.Messages)-1].Content)
	}

	mentionKeywords := []string{
		"小汽车", "轿车", "乘用车", "私家车", "sedan", "passenger car",
		"公交", "客车", "bus", "transit",
		"货车", "卡车", "truck", "cargo",
		"suv", "越野",
		"摩托", "motorcycle",
		"柴油车", "汽油车", "diesel", "gasoline",
	}
	for _, kw := range mentionKeywords {
		if strings.Contains(userMsg, kw) {
			return nil
		}
	}

	recentVehicle := r.memory.FactMemory().RecentVehicle
	for _, kw := range []string{"同上", "沿用", "和之前", "还是", "一样"} {
		if recentVehicle != "" && strings.Contains(userMsg, kw) {
			return nil
		}
	}

	slog.Info("no explicit vehicle mention, asking for confirmation", "session", r.sessionID)
	return &Response{
		Text: "请先告诉我车辆类型，例如：\n- 小汽车（乘用车）\n- 公交车\n- 货车\n- SUV\n或者其他具体车型。",
	}
}

// synthesize turns tool results into the reply. Deterministic paths
// come first; the synthesis model only sees filtered multi-tool
// successes.
func (r *Router) synthesize(ctx context.Context, assembled *AssembledContext, results []executedCall) string {
	// Knowledge answers carry their own references; pass them through.
	if len(results) == 1 && results[0].Name == "query_knowledge" {
		if res := results[0].Result; res.Success && res.Summary != "" {
			return res.Summary
		}
	}

	for _, ec := range results {
		if !ec.Result.Success {
			return formatResultsAsFallback(results)
		}
	}

	if len(results) == 1 {
		only := results[0]
		switch only.Name {
		case "calculate_micro_emission", "calculate_macro_emission", "query_emission_factors", "analyze_file":
			if only.Result.Summary != "" {
				return renderSingleToolSuccess(only.Name, only.Result)
			}
		}
	}

	filtered := filterResultsForSynthesis(results)
	resultsJSON, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return formatResultsAsFallback(results)
	}

	prompt := strings.ReplaceAll(r.synthesisPrompt, "{results}", string(resultsJSON))

	userContent := "请总结计算结果"
	if len(assembled.Messages) > 0 {
		userContent = assembled.Messages[len(assembled.Messages)-1].Content
	}

	resp, err := r.synthesis.Chat(ctx, []llms.Message{{Role: "user", Content: userContent}}, prompt, nil)
	if err != nil {
		slog.Warn("synthesis failed, using deterministic fallback", "error", err)
		return formatResultsAsFallback(results)
	}

	for _, kw := range []string{"相当于", "棵树", "峰值出现在", "空调导致", "不完全燃烧"} {
		if strings.Contains(resp.Content, kw) {
			slog.Warn("possible hallucination in synthesis", "keyword", kw)
		}
	}

	return resp.Content
}

// renderSingleToolSuccess produces stable markdown for the common
// single-tool cases instead of risking a synthesis round trip.
func renderSingleToolSuccess(toolName string, result *tools.Result) string {
	switch toolName {
	case "calculate_micro_emission":
		data := result.Data
		queryInfo := getMap(data, "query_info")
		summary := getMap(data, "summary")

		lines := []string{
			"## 微观排放计算结果",
			"",
			"**计算参数**",
			fmt.Sprintf("- 车型: %s", stringOr(queryInfo, "vehicle_type", "未知")),
			fmt.Sprintf("- 年份: %v", valueOr(queryInfo, "model_year", "未知")),
			fmt.Sprintf("- 季节: %s", stringOr(queryInfo, "season", "未知")),
			fmt.Sprintf("- 污染物: %s", joinOr(stringSlice(queryInfo, "pollutants"), "未知")),
			fmt.Sprintf("- 轨迹点数: %v", valueOr(queryInfo, "trajectory_points", 0)),
			"",
			"**汇总结果**",
			fmt.Sprintf("- 总距离: %.3f km", floatOr(summary, "total_distance_km")),
			fmt.Sprintf("- 总时间: %.0f s", floatOr(summary, "total_time_s")),
			"- 总排放量:",
		}
		for _, pol := range sortedKeys(getMap(summary, "total_emissions_g")) {
			lines = append(lines, fmt.Sprintf("  - %s: %.4f g", pol, floatOr(getMap(summary, "total_emissions_g"), pol)))
		}
		rates := getMap(summary, "emission_rates_g_per_km")
		if len(rates) > 0 {
			lines = append(lines, "- 单位排放:")
			for _, pol := range sortedKeys(rates) {
				lines = append(lines, fmt.Sprintf("  - %s: %.4f g/km", pol, floatOr(rates, pol)))
			}
		}
		return strings.Join(lines, "\n")

	case "calculate_macro_emission":
		data := result.Data
		queryInfo := getMap(data, "query_info")
		summary := getMap(data, "summary")
		totals := getMap(summary, "total_emissions_kg_per_hr")

		lines := []string{
			"## 宏观排放计算结果",
			"",
			"**计算参数**",
			fmt.Sprintf("- 路段数: %v", valueOr(queryInfo, "links_count", 0)),
			fmt.Sprintf("- 年份: %v", valueOr(queryInfo, "model_year", "未知")),
			fmt.Sprintf("- 季节: %s", stringOr(queryInfo, "season", "未知")),
			fmt.Sprintf("- 污染物: %s", joinOr(stringSlice(queryInfo, "pollutants"), "未知")),
			"",
			"**汇总结果**",
			"- 总排放量 (kg/h):",
		}
		for _, pol := range sortedKeys(totals) {
			lines = append(lines, fmt.Sprintf("  - %s: %.4f", pol, floatOr(totals, pol)))
		}
		return strings.Join(lines, "\n")

	case "query_emission_factors":
		return renderFactorsResult(result.Data)
	}

	if result.Summary != "" {
		return result.Summary
	}
	return "执行完成。"
}

func renderFactorsResult(data map[string]interface{}) string {
	var vehicleType, season, roadType, pollutantNames string
	var modelYear interface{}
	pollutantsData := map[string]map[string]interface{}{}

	if qs := getMap(data, "query_summary"); qs != nil {
		vehicleType = stringOr(qs, "vehicle_type", "未知")
		modelYear = valueOr(qs, "model_year", "未知")
		season = stringOr(qs, "season", "未知")
		roadType = stringOr(qs, "road_type", "未知")
		pollutantNames = stringOr(qs, "pollutant", "未知")
		pollutantsData[pollutantNames] = data
	} else {
		vehicleType = stringOr(data, "vehicle_type", "未知")
		modelYear = valueOr(data, "model_year", "未知")
		meta := getMap(data, "metadata")
		season = stringOr(meta, "season", "未知")
		roadType = stringOr(meta, "road_type", "未知")
		var names []string
		for name, raw := range getMap(data, "pollutants") {
			if polData, ok := raw.(map[string]interface{}); ok {
				pollutantsData[name] = polData
				names = append(names, name)
			}
		}
		sort.Strings(names)
		pollutantNames = strings.Join(names, ", ")
	}

	lines := []string{
		"## 排放因子查询结果",
		"",
		"**查询参数**",
		fmt.Sprintf("- 车型: %s", vehicleType),
		fmt.Sprintf("- 年份: %v", modelYear),
		fmt.Sprintf("- 季节: %s", season),
		fmt.Sprintf("- 道路类型: %s", roadType),
		fmt.Sprintf("- 污染物: %s", pollutantNames),
	}

	speedLabels := map[int]string{25: "低速", 50: "中速", 70: "高速"}
	names := make([]string, 0, len(pollutantsData))
	for name := range pollutantsData {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		polData := pollutantsData[name]
		unit := stringOr(polData, "unit", "g/mile")
		typical := getSlice(polData, "typical_values")

		lines = append(lines, "")
		if len(pollutantsData) > 1 {
			lines = append(lines, fmt.Sprintf("**%s 典型排放值 (%s)**", name, unit))
		} else {
			lines = append(lines, fmt.Sprintf("**典型排放值 (%s)**", unit))
		}

		if len(typical) == 0 {
			lines = append(lines, "- 暂无典型值数据")
			continue
		}
		for _, raw := range typical {
			tv, _ := raw.(map[string]interface{})
			speedKph := floatOr(tv, "speed_kph")
			label, ok := speedLabels[int(floatOr(tv, "speed_mph"))]
			if !ok {
				label = fmt.Sprintf("%.0f km/h", speedKph)
			}
			lines = append(lines, fmt.Sprintf("- %s (%.0f km/h): %.4f", label, speedKph, floatOr(tv, "emission_rate")))
		}
	}

	if len(names) > 0 {
		first := pollutantsData[names[0]]
		lines = append(lines, "", "**数据概况**")
		if speedRange := getMap(first, "speed_range"); speedRange != nil {
			lines = append(lines, fmt.Sprintf("- 速度范围: %.0f - %.0f km/h",
				floatOr(speedRange, "min_kph"), floatOr(speedRange, "max_kph")))
		}
		lines = append(lines, fmt.Sprintf("- 数据点数: %.0f", floatOr(first, "data_points")))
		if source := stringOr(first, "data_source", ""); source != "" {
			lines = append(lines, fmt.Sprintf("- 数据来源: %s", source))
		}
	}

	return strings.Join(lines, "\n")
}

// filterResultsForSynthesis keeps only what the synthesis model needs:
// summaries and key parameters, never the per-row detail.
func filterResultsForSynthesis(results []executedCall) map[string]interface{} {
	filtered := make(map[string]interface{}, len(results))

	for _, r := range results {
		res := r.Result

		if !res.Success {
			msg := res.Message
			if msg == "" {
				msg = res.Error
			}
			if msg == "" {
				msg = "未知错误"
			}
			filtered[r.Name] = map[string]interface{}{"success": false, "error": msg}
			continue
		}

		data := res.Data

		switch r.Name {
		case "calculate_micro_emission", "calculate_macro_emission":
			summary := getMap(data, "summary")
			totals := getMap(summary, "total_emissions_g")
			if totals == nil {
				totals = getMap(summary, "total_emissions_kg_per_hr")
			}
			filtered[r.Name] = map[string]interface{}{
				"success":           true,
				"summary":           orDefault(res.Summary, "计算完成"),
				"num_points":        len(getSlice(data, "results")),
				"total_emissions":   totals,
				"total_distance_km": summary["total_distance_km"],
				"total_time_s":      summary["total_time_s"],
				"query_params":      getMap(data, "query_info"),
				"has_download_file": data["download_file"] != nil,
			}

		case "query_emission_factors":
			filtered[r.Name] = map[string]interface{}{
				"success": true,
				"summary": orDefault(res.Summary, "查询完成"),
				"data":    data,
			}

		case "analyze_file":
			filtered[r.Name] = map[string]interface{}{
				"success":   true,
				"file_type": data["task_type"],
				"columns":   data["columns"],
				"row_count": data["row_count"],
			}

		default:
			filtered[r.Name] = map[string]interface{}{"success": true, "data": data}
		}
	}

	return filtered
}

// formatToolErrors renders failed results for the retry tool message.
func formatToolErrors(results []executedCall) string {
	var errors []string
	for _, r := range results {
		if r.Result.Success {
			continue
		}
		msg := r.Result.Message
		if msg == "" {
			msg = r.Result.Error
		}
		if msg == "" {
			msg = "Unknown error"
		}
		text := fmt.Sprintf("[%s] Error: %s", r.Name, msg)
		if len(r.Result.Suggestions) > 0 {
			text += fmt.Sprintf("\nSuggestions: %s", strings.Join(r.Result.Suggestions, ", "))
		}
		errors = append(errors, text)
	}
	return strings.Join(errors, "\n")
}

// formatResultsAsFallback produces a deterministic markdown report when
// synthesis cannot be trusted or is unavailable.
func formatResultsAsFallback(results []executedCall) string {
	var b strings.Builder
	b.WriteString("## 工具执行结果\n\n")

	successCount := 0
	for _, r := range results {
		if r.Result.Success {
			successCount++
		}
	}
	errorCount := len(results) - successCount

	if errorCount > 0 {
		fmt.Fprintf(&b, "⚠️ %d 个工具执行失败，%d 个成功\n\n", errorCount, successCount)
	} else {
		b.WriteString("✅ 所有工具执行成功\n\n")
	}

	for i, r := range results {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, r.Name)

		if r.Result.Success {
			b.WriteString("**状态**: ✅ 成功\n\n")
			if r.Result.Summary != "" {
				fmt.Fprintf(&b, "**结果**: %s\n\n", r.Result.Summary)
			}
			if len(r.Result.Data) > 0 {
				keys := sortedKeys(r.Result.Data)
				for _, key := range keys[:minInt(len(keys), 5)] {
					fmt.Fprintf(&b, "- %s: %v\n", key, r.Result.Data[key])
				}
				if len(keys) > 5 {
					fmt.Fprintf(&b, "  ... (共 %d 项数据)\n", len(keys))
				}
			}
		} else {
			b.WriteString("**状态**: ❌ 失败\n\n")
			msg := r.Result.Message
			if msg == "" {
				msg = r.Result.Error
			}
			if msg != "" {
				fmt.Fprintf(&b, "**错误**: %s\n\n", msg)
			}
			if len(r.Result.Suggestions) > 0 {
				b.WriteString("**建议**:\n")
				for _, s := range r.Result.Suggestions {
					fmt.Fprintf(&b, "- %s\n", s)
				}
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
