package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tecet/ollm/internal/core"
)

// Config holds connection settings for an OpenAI-compatible endpoint.
type Config struct {
	Endpoint    string
	Model       string
	HTTPTimeout time.Duration
	MaxTokens   int
	Logger      *slog.Logger
}

// OpenAI implements chat completion against an OpenAI-compatible HTTP API.
type OpenAI struct {
	endpoint  string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func NewOpenAI(cfg Config) *OpenAI {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAI{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// StreamChat requests a streamed completion and calls onDelta with every
// content fragment as it arrives. The returned Response carries the
// assembled content and tool calls.
func (p *OpenAI) StreamChat(ctx context.Context, messages []core.Message, tools []core.ToolDef, onDelta func(string)) (Response, error) {
	payload := p.payload(messages, tools, p.maxTokens, true)

	httpResp, err := p.post(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	return readStream(httpResp.Body, onDelta)
}

// Complete requests a single non-streamed completion.
func (p *OpenAI) Complete(ctx context.Context, messages []core.Message, maxTokens int) (Response, error) {
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	payload := p.payload(messages, nil, maxTokens, false)

	httpResp, err := p.post(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	var responsePayload map[string]any
	if err := json.NewDecoder(httpResp.Body).Decode(&responsePayload); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}

	response, err := parseResponsePayload(responsePayload)
	if err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}
	return response, nil
}

// CountTokens asks the server's tokenizer, falling back to a character
// estimate when the endpoint does not offer one.
func (p *OpenAI) CountTokens(ctx context.Context, text string) int {
	httpResp, err := p.post(ctx, "/tokenize", map[string]any{"content": text})
	if err != nil {
		return core.CharEstimator{}.Estimate(text)
	}
	defer httpResp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return core.CharEstimator{}.Estimate(text)
	}

	if tokens, ok := payload["tokens"].([]any); ok {
		return len(tokens)
	}
	if _, ok := payload["count"]; ok {
		return core.IntFromAny(payload["count"])
	}
	return core.CharEstimator{}.Estimate(text)
}

// Healthy reports whether the endpoint answers its model listing.
func (p *OpenAI) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/v1/models", nil)
	if err != nil {
		return false
	}

	httpResp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	httpResp.Body.Close()

	return httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
}

func (p *OpenAI) payload(messages []core.Message, tools []core.ToolDef, maxTokens int, stream bool) map[string]any {
	msgJSON := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		entry := map[string]any{"role": string(message.Role), "content": message.Content}

		if len(message.ToolCalls) > 0 {
			entry["tool_calls"] = toToolCalls(message.ToolCalls)
		}
		if message.Role == core.RoleTool && message.ToolCallID != "" {
			entry["tool_call_id"] = message.ToolCallID
		}

		msgJSON = append(msgJSON, entry)
	}

	modelName := p.model
	if modelName == "" {
		modelName = "default"
	}

	payload := map[string]any{
		"model":      strings.TrimSuffix(modelName, ".gguf"),
		"messages":   msgJSON,
		"max_tokens": maxTokens,
		"stream":     stream,
	}

	if len(tools) > 0 {
		toolJSON := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			toolJSON = append(toolJSON, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		payload["tools"] = toolJSON
	}

	if stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	return payload
}

func (p *OpenAI) post(ctx context.Context, path string, payload map[string]any) (*http.Response, error) {
	requestID := core.NewRunID()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed (request_id=%s): %w", requestID, err)
	}

	p.logger.Debug("provider request", "request_id", requestID, "path", path, "status", httpResp.StatusCode, "duration", time.Since(startTime))

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))

		if len(bodyBytes) > 0 {
			return nil, fmt.Errorf("provider error (request_id=%s): %s: %s",
				requestID, httpResp.Status, strings.TrimSpace(string(bodyBytes)))
		}
		return nil, fmt.Errorf("provider error (request_id=%s): %s", requestID, httpResp.Status)
	}

	return httpResp, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

func readStream(body io.Reader, onDelta func(string)) (Response, error) {
	scanner := newSSEScanner(body)

	var content, reasoning strings.Builder
	var partials []*partialToolCall
	var response Response

	for scanner.Next() {
		data := scanner.Data()
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Response{}, fmt.Errorf("parse stream chunk: %w", err)
		}

		if chunk.Error != nil && chunk.Error.Message != "" {
			return Response{}, fmt.Errorf("stream error: %s", chunk.Error.Message)
		}

		if chunk.Usage != nil {
			response.Usage = chunk.Usage
		}

		for _, choice := range chunk.Choices {
			delta := choice.Delta

			if delta.Content != "" {
				content.WriteString(delta.Content)
				if onDelta != nil {
					onDelta(delta.Content)
				}
			}
			reasoning.WriteString(delta.ReasoningContent)

			for _, call := range delta.ToolCalls {
				for len(partials) <= call.Index {
					partials = append(partials, &partialToolCall{})
				}
				partial := partials[call.Index]
				if call.ID != "" {
					partial.id = call.ID
				}
				if call.Function.Name != "" {
					partial.name = call.Function.Name
				}
				partial.arguments.WriteString(call.Function.Arguments)
			}

			if choice.FinishReason != nil {
				response.FinishReason = *choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("read stream: %w", err)
	}

	response.Content = content.String()
	response.Reasoning = reasoning.String()

	for _, partial := range partials {
		if partial.name == "" {
			continue
		}
		arguments := map[string]any{}
		if raw := partial.arguments.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &arguments)
		}
		response.ToolCalls = append(response.ToolCalls, core.ToolCall{ID: partial.id, Name: partial.name, Arguments: arguments})
	}

	return response, nil
}

func toToolCalls(calls []core.ToolCall) []map[string]any {
	var toolCalls []map[string]any
	for _, call := range calls {
		argsJSON, _ := json.Marshal(call.Arguments)
		toolCalls = append(toolCalls, map[string]any{
			"id":   call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": string(argsJSON),
			},
		})
	}

	return toolCalls
}

func parseResponsePayload(payload map[string]any) (Response, error) {
	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return Response{}, errors.New("no choices in response")
	}

	choice, ok := choices[0].(map[string]any)
	if !ok {
		return Response{}, errors.New("malformed choice in response")
	}

	message, ok := choice["message"].(map[string]any)
	if !ok {
		return Response{}, errors.New("malformed message in response")
	}

	content, _ := message["content"].(string)
	reasoning, _ := message["reasoning_content"].(string)
	finishReason, _ := choice["finish_reason"].(string)

	return Response{
		Content:      content,
		Reasoning:    reasoning,
		ToolCalls:    parseToolCalls(message),
		FinishReason: finishReason,
		Usage:        parseUsage(payload),
	}, nil
}

func parseToolCalls(message map[string]any) []core.ToolCall {
	rawCalls, ok := message["tool_calls"].([]any)
	if !ok {
		return nil
	}

	var toolCalls []core.ToolCall
	for _, rawCall := range rawCalls {
		rawEntry, ok := rawCall.(map[string]any)
		if !ok {
			continue
		}

		callID, _ := rawEntry["id"].(string)

		functionEntry, ok := rawEntry["function"].(map[string]any)
		if !ok {
			continue
		}

		functionName, _ := functionEntry["name"].(string)
		if functionName == "" {
			continue
		}

		arguments := map[string]any{}
		switch v := functionEntry["arguments"].(type) {
		case string:
			if v != "" {
				_ = json.Unmarshal([]byte(v), &arguments)
			}
		case map[string]any:
			arguments = v
		}

		toolCalls = append(toolCalls, core.ToolCall{ID: callID, Name: functionName, Arguments: arguments})
	}

	return toolCalls
}

func parseUsage(response map[string]any) *Usage {
	usageMap, ok := response["usage"].(map[string]any)
	if !ok {
		return nil
	}

	return &Usage{
		PromptTokens:     core.IntFromAny(usageMap["prompt_tokens"]),
		CompletionTokens: core.IntFromAny(usageMap["completion_tokens"]),
		TotalTokens:      core.IntFromAny(usageMap["total_tokens"]),
	}
}
