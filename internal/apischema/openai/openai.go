// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai contains the subset of the OpenAI API schema the gateway
// inspects or produces. Request and response bodies are forwarded verbatim
// whenever possible, so these types exist only for the paths that must read
// fields (routing requirements, usage accounting) or synthesize
// OpenAI-shaped output (the Anthropic dialect, error envelopes).
//
// See https://platform.openai.com/docs/api-reference/chat for the full
// schema these mirror.
package openai

import (
	"encoding/json"
	"fmt"
)

// Object values returned by the gateway.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectList                = "list"
)

// Finish reasons emitted in choices.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
)

// ChatCompletionRequest is the request body of POST /v1/chat/completions.
// Fields the gateway never reads are omitted; unknown fields survive because
// the original bytes are what gets forwarded upstream.
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`
	// MaxTokens is deprecated upstream in favor of MaxCompletionTokens but
	// still widely sent by clients.
	MaxTokens           *int64          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int64          `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	N                   *int64          `json:"n,omitempty"`
	Stop                *StopUnion      `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	Tools               []Tool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
	User                string          `json:"user,omitempty"`
}

// StreamOptions: https://platform.openai.com/docs/api-reference/chat/create#chat-create-stream_options
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Tool: https://platform.openai.com/docs/api-reference/chat/create#chat-create-tools
type Tool struct {
	Type     string        `json:"type"`
	Function *ToolFunction `json:"function,omitempty"`
}

// ToolFunction declares a callable function. Parameters is a JSON Schema
// object kept raw since the gateway never interprets it.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// ResponseFormat: https://platform.openai.com/docs/api-reference/chat/create#chat-create-response_format
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatCompletionMessage is one entry of the messages array. The same shape
// serves requests and (with ToolCalls) assistant responses.
type ChatCompletionMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ToolCall is an assistant tool invocation.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its arguments as a JSON
// encoded string, per the OpenAI wire format.
type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// MessageContent is the content field of a message: either a plain string or
// an array of typed parts (text, image_url, ...).
type MessageContent struct {
	// Text is set when the wire value was a plain string.
	Text string
	// Parts is set when the wire value was an array.
	Parts []ChatCompletionContentPart
}

// UnmarshalJSON accepts both wire forms of message content.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		m.Parts = nil
		return nil
	}
	var parts []ChatCompletionContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		m.Parts = parts
		return nil
	}
	return fmt.Errorf("message content must be either string or array")
}

// MarshalJSON writes back whichever form was parsed.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// ChatCompletionContentPart is one element of array-form message content.
type ChatCompletionContentPart struct {
	Type     string                  `json:"type"`
	Text     string                  `json:"text,omitempty"`
	ImageURL *ChatCompletionImageURL `json:"image_url,omitempty"`
}

// ChatCompletionImageURL holds an image reference, either an https URL or a
// data URI.
type ChatCompletionImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// StopUnion is the stop field: a single sequence or an array of up to four.
type StopUnion struct {
	// Value is string or []string after unmarshaling.
	Value interface{}
}

func (s *StopUnion) UnmarshalJSON(data []byte) error {
	idx, err := skipLeadingWhitespace("stop", data, 0)
	if err != nil {
		return err
	}
	switch data[idx] {
	case '"':
		str, err := unquoteOrUnmarshalJSONString("stop", data)
		if err != nil {
			return err
		}
		s.Value = str
	case '[':
		var strs []string
		if err := json.Unmarshal(data, &strs); err != nil {
			return fmt.Errorf("cannot unmarshal stop as []string: %w", err)
		}
		s.Value = strs
	default:
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	return nil
}

func (s StopUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// Sequences returns the stop sequences regardless of wire form.
func (s *StopUnion) Sequences() []string {
	if s == nil {
		return nil
	}
	switch v := s.Value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	}
	return nil
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

// ChatCompletionChoice is one generated completion.
type ChatCompletionChoice struct {
	Index        int64                 `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionResponseChunk is one SSE event of a streaming response.
type ChatCompletionResponseChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	// Usage is only present on the final chunk, and only when the client
	// requested it via stream_options.include_usage.
	Usage *Usage `json:"usage,omitempty"`
}

// ChatCompletionChunkChoice is a delta within a streaming chunk.
// FinishReason is a pointer so the JSON null on intermediate chunks
// round-trips the way OpenAI emits it.
type ChatCompletionChunkChoice struct {
	Index        int64               `json:"index"`
	Delta        ChatCompletionDelta `json:"delta"`
	FinishReason *string             `json:"finish_reason"`
}

// ChatCompletionDelta is the incremental message fragment in a chunk.
type ChatCompletionDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is an incremental tool call fragment.
type ToolCallDelta struct {
	Index    int64            `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// Usage is the token accounting block shared by responses and final chunks.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// EmbeddingsRequest is the request body of POST /v1/embeddings. Only the
// fields needed for cost estimation are declared.
type EmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          EmbeddingsInput `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     *int64          `json:"dimensions,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingsInput is the input field of an embeddings request: a string, an
// array of strings, an array of token ids, or an array of token id arrays.
type EmbeddingsInput struct {
	// Value is string, []string, []int64, or [][]int64 after unmarshaling.
	Value interface{}
}

func (e *EmbeddingsInput) UnmarshalJSON(data []byte) error {
	v, err := unmarshalJSONNestedUnion("input", data)
	if err != nil {
		return err
	}
	e.Value = v
	return nil
}

func (e EmbeddingsInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Value)
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the response body of GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorDetail is the inner object of the OpenAI error envelope:
// https://platform.openai.com/docs/guides/error-codes
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// Error is the standard `{"error": {...}}` envelope.
type Error struct {
	Error ErrorDetail `json:"error"`
}
