package providers

// ChatRequest.Options keys recognized by the provider adapters. Unknown
// keys are ignored by every adapter.
const (
	// OptMaxTokens caps the completion length (int).
	OptMaxTokens = "max_tokens"

	// OptTemperature sets sampling temperature (float64).
	OptTemperature = "temperature"

	// OptThinkingLevel enables extended thinking: "off", "low", "medium",
	// "high". Each adapter maps the level to its provider's native knob.
	OptThinkingLevel = "thinking_level"

	// OptReasoningEffort is the OpenAI-native field OptThinkingLevel maps
	// onto for o-series models.
	OptReasoningEffort = "reasoning_effort"

	// OptEnableThinking / OptThinkingBudget are passed through verbatim
	// for OpenAI-compatible backends (DashScope, vLLM) that take the raw
	// fields instead of a level.
	OptEnableThinking = "enable_thinking"
	OptThinkingBudget = "thinking_budget"
)
