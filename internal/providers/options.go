package providers

// Option keys a ChatRequest.Options map may carry. A provider that doesn't
// recognize a key simply ignores it, which lets DashScope-specific knobs
// ride alongside the generic ones without every provider needing to know
// about every other provider's extensions.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"   // "off" | "low" | "medium" | "high"
	OptReasoningEffort = "reasoning_effort" // OpenAI o-series passthrough
	OptEnableThinking  = "enable_thinking"  // DashScope passthrough
	OptThinkingBudget  = "thinking_budget"  // DashScope passthrough
)

// ThinkingLevelFor maps the model router's provider-agnostic thinking
// directive onto the "off|low|medium|high" vocabulary the provider request
// builders consume.
func ThinkingLevelFor(directive string) string {
	switch directive {
	case "none", "":
		return "off"
	case "standard":
		return "medium"
	case "extended":
		return "high"
	case "adaptive":
		return "medium"
	default:
		return "off"
	}
}

func applyCommonOptions(body map[string]any, opts map[string]any) {
	if v, ok := opts[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := opts[OptTemperature]; ok {
		body["temperature"] = v
	}
}

// thinkingBudget maps an "off|low|medium|high" level to a token budget,
// letting each provider pick its own low/medium/high numbers.
func thinkingBudget(level string, low, medium, high int) int {
	switch level {
	case "low":
		return low
	case "high":
		return high
	default:
		return medium
	}
}

func anthropicToolSchemas(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":         t.Function.Name,
			"description":  t.Function.Description,
			"input_schema": t.Function.Parameters,
		})
	}
	return out
}

func openAIToolSchemas(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			},
		})
	}
	return out
}
