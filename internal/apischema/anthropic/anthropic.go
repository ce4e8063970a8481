// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic contains the request-side schema of the Anthropic
// Messages API, used by the Anthropic dialect to build upstream requests
// from OpenAI-shaped ones. Responses are parsed with the official SDK
// types, so only what the gateway serializes lives here.
//
// https://docs.claude.com/en/api/messages
package anthropic

// Version is the value of the required anthropic-version header.
// https://docs.claude.com/en/api/versioning
const Version = "2023-06-01"

// MessagesRequest is the request body of POST /v1/messages.
type MessagesRequest struct {
	// Model is the model to use for the request.
	Model string `json:"model"`

	// Messages is the alternating user/assistant conversation.
	// https://docs.claude.com/en/api/messages#body-messages
	Messages []Message `json:"messages"`

	// MaxTokens is required by the Messages API, unlike its OpenAI
	// counterpart where it is optional.
	// https://docs.claude.com/en/api/messages#body-max-tokens
	MaxTokens int64 `json:"max_tokens"`

	// System is the system prompt. The API also accepts an array of blocks
	// here; the gateway always emits the string form.
	// https://docs.claude.com/en/api/messages#body-system
	System string `json:"system,omitempty"`

	// StopSequences is the list of custom stop sequences.
	// https://docs.claude.com/en/api/messages#body-stop-sequences
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Stream indicates whether to stream the response via SSE.
	Stream bool `json:"stream,omitempty"`

	// Temperature controls the randomness of the output. Anthropic bounds
	// this to [0, 1] where OpenAI allows [0, 2]; callers clamp.
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP is the cumulative probability for nucleus sampling.
	TopP *float64 `json:"top_p,omitempty"`

	// TopK is the number of highest probability tokens kept for sampling.
	TopK *int64 `json:"top_k,omitempty"`

	// Tools is the list of tools available to the model.
	// https://docs.claude.com/en/api/messages#body-tools
	Tools []Tool `json:"tools,omitempty"`

	// ToolChoice indicates how the model should use the provided tools.
	// https://docs.claude.com/en/api/messages#body-tool-choice
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// Metadata is the metadata for the request.
	// https://docs.claude.com/en/api/messages#body-metadata
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Message is a single conversation turn.
// https://docs.claude.com/en/api/messages#body-messages
type Message struct {
	// Role is the role of the message.
	Role MessageRole `json:"role"`

	// Content is always emitted in block form, which the API accepts for
	// plain text as well.
	Content []ContentBlock `json:"content"`
}

// MessageRole is the role of a message.
// https://docs.claude.com/en/api/messages#body-messages-role
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ContentBlock is one typed block of message content. A single struct backs
// all request block types; Type decides which fields are populated.
// https://docs.claude.com/en/api/messages#body-messages-content
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for "text" blocks.
	Text string `json:"text,omitempty"`

	// Source is set for "image" blocks.
	Source *ImageSource `json:"source,omitempty"`

	// ID, Name and Input are set for "tool_use" blocks replayed from a
	// previous assistant turn. Input is the raw JSON arguments object.
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// ToolUseID and Content are set for "tool_result" blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Block type discriminators.
const (
	ContentBlockTypeText       = "text"
	ContentBlockTypeImage      = "image"
	ContentBlockTypeToolUse    = "tool_use"
	ContentBlockTypeToolResult = "tool_result"
)

// ImageSource locates image content, inline or by URL.
// https://docs.claude.com/en/docs/build-with-claude/vision
type ImageSource struct {
	// Type is "base64" or "url".
	Type string `json:"type"`
	// MediaType is the MIME type of base64 data, e.g. "image/png".
	MediaType string `json:"media_type,omitempty"`
	// Data is the base64 payload, without the data-URI prefix.
	Data string `json:"data,omitempty"`
	// URL is an https image URL.
	URL string `json:"url,omitempty"`
}

// Tool declares a tool the model may call. InputSchema is a JSON Schema
// object forwarded opaquely.
// https://docs.claude.com/en/api/messages#body-tools
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// ToolChoice indicates the tool choice mode for the model.
// https://docs.claude.com/en/api/messages#body-tool-choice
type ToolChoice struct {
	// Type is "auto", "any", "tool" or "none".
	Type string `json:"type"`
	// Name is the forced tool for type "tool".
	Name string `json:"name,omitempty"`
}

// Metadata is the metadata object of a request.
// https://docs.claude.com/en/api/messages#body-metadata
type Metadata struct {
	// UserID is an opaque external user identifier.
	UserID string `json:"user_id,omitempty"`
}

// CountTokensRequest is the request body of POST /v1/messages/count_tokens.
// https://docs.claude.com/en/api/messages-count-tokens
type CountTokensRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`
}

// CountTokensResponse is the response body of POST /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int64 `json:"input_tokens"`
}

// ModelInfo is one entry of GET /v1/models.
// https://docs.claude.com/en/api/models-list
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
	Type        string `json:"type"`
}

// ModelsResponse is the response body of GET /v1/models.
type ModelsResponse struct {
	Data    []ModelInfo `json:"data"`
	HasMore bool        `json:"has_more"`
	FirstID string      `json:"first_id,omitempty"`
	LastID  string      `json:"last_id,omitempty"`
}
