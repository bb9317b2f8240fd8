package providers

import "strings"

// Wire-format types for OpenAI-compatible Chat Completions responses,
// shared by the blocking and streaming paths.

type openAIResponse struct {
	Choices []struct {
		Message      openAIWireMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIWireMessage struct {
	Content          string               `json:"content"`
	ReasoningContent string               `json:"reasoning_content,omitempty"` // DeepSeek/vLLM reasoning field
	ToolCalls        []openAIWireToolCall `json:"tool_calls,omitempty"`
}

type openAIWireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name             string `json:"name"`
		Arguments        string `json:"arguments"` // JSON-encoded string per the wire format
		ThoughtSignature string `json:"thought_signature,omitempty"`
	} `json:"function"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta        openAIWireMessage `json:"delta"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	PromptTokensDetails     *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

// toolCallAccumulator stitches a tool call back together from streamed
// argument fragments.
type toolCallAccumulator struct {
	ToolCall
	rawArgs    string
	thoughtSig string
}

// CleanToolSchemas converts tool definitions to the wire shape, stripping
// JSON-Schema keys some backends reject ("$schema", and additionalProperties
// for Gemini-fronted endpoints).
func CleanToolSchemas(providerName string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		params := CleanSchemaForProvider(providerName, t.Function.Parameters)
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// CleanSchemaForProvider strips schema keys the named backend rejects,
// recursing into nested schemas.
func CleanSchemaForProvider(providerName string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object"}
	}
	cleaned := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "$schema" {
			continue
		}
		if k == "additionalProperties" && isGeminiBackend(providerName) {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			cleaned[k] = CleanSchemaForProvider(providerName, nested)
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}

func isGeminiBackend(providerName string) bool {
	return strings.Contains(strings.ToLower(providerName), "gemini")
}
