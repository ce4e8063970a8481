// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	anthropicapi "github.com/nexus-llm/nexus/internal/apischema/anthropic"
	"github.com/nexus-llm/nexus/internal/apischema/openai"
)

// anthropicDefaultMaxTokens applies when the caller set no output cap:
// max_tokens is required by the Messages API but optional in OpenAI's.
const anthropicDefaultMaxTokens = 4096

// translateChatRequest rebuilds an OpenAI chat completion request as an
// Anthropic Messages request. System and developer messages collapse into
// the system prompt; the remaining turns must alternate, so consecutive
// same-role messages merge into one multi-block message.
func translateChatRequest(req *openai.ChatCompletionRequest) (*anthropicapi.MessagesRequest, error) {
	out := &anthropicapi.MessagesRequest{
		Model:         req.Model,
		MaxTokens:     anthropicDefaultMaxTokens,
		StopSequences: req.Stop.Sequences(),
		TopP:          req.TopP,
	}
	if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	} else if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		// OpenAI allows [0, 2] but Anthropic caps at 1.
		t := min(*req.Temperature, 1.0)
		out.Temperature = &t
	}
	if req.User != "" {
		out.Metadata = &anthropicapi.Metadata{UserID: req.User}
	}

	var system []string
	appendMessage := func(role anthropicapi.MessageRole, blocks []anthropicapi.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			return
		}
		out.Messages = append(out.Messages, anthropicapi.Message{Role: role, Content: blocks})
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case "system", "developer":
			if text := contentText(&msg.Content); text != "" {
				system = append(system, text)
			}
		case "user":
			blocks, err := userContentBlocks(&msg.Content)
			if err != nil {
				return nil, err
			}
			appendMessage(anthropicapi.MessageRoleUser, blocks)
		case "assistant":
			var blocks []anthropicapi.ContentBlock
			if text := contentText(&msg.Content); text != "" {
				blocks = append(blocks, anthropicapi.ContentBlock{Type: anthropicapi.ContentBlockTypeText, Text: text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicapi.ContentBlock{
					Type:  anthropicapi.ContentBlockTypeToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(cmp.Or(tc.Function.Arguments, "{}")),
				})
			}
			appendMessage(anthropicapi.MessageRoleAssistant, blocks)
		case "tool":
			appendMessage(anthropicapi.MessageRoleUser, []anthropicapi.ContentBlock{{
				Type:      anthropicapi.ContentBlockTypeToolResult,
				ToolUseID: msg.ToolCallID,
				Content:   contentText(&msg.Content),
			}})
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if len(system) > 0 {
		out.System = strings.Join(system, "\n\n")
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" || tool.Function == nil {
			continue
		}
		schema := any(map[string]any{"type": "object"})
		if len(tool.Function.Parameters) > 0 {
			schema = json.RawMessage(tool.Function.Parameters)
		}
		out.Tools = append(out.Tools, anthropicapi.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	if tc := translateToolChoice(req.ToolChoice); tc != nil && len(out.Tools) > 0 {
		out.ToolChoice = tc
	}
	return out, nil
}

// contentText flattens message content to plain text, joining text parts and
// ignoring non-text parts.
func contentText(mc *openai.MessageContent) string {
	if mc.Parts == nil {
		return mc.Text
	}
	var b strings.Builder
	for _, p := range mc.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func userContentBlocks(mc *openai.MessageContent) ([]anthropicapi.ContentBlock, error) {
	if mc.Parts == nil {
		if mc.Text == "" {
			return nil, nil
		}
		return []anthropicapi.ContentBlock{{Type: anthropicapi.ContentBlockTypeText, Text: mc.Text}}, nil
	}
	var blocks []anthropicapi.ContentBlock
	for _, p := range mc.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, anthropicapi.ContentBlock{Type: anthropicapi.ContentBlockTypeText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return nil, fmt.Errorf("image_url part without image_url object")
			}
			src, err := translateImageURL(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, anthropicapi.ContentBlock{Type: anthropicapi.ContentBlockTypeImage, Source: src})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return blocks, nil
}

// translateImageURL converts OpenAI's image reference (a data URI or a plain
// URL) into an Anthropic image source.
func translateImageURL(u string) (*anthropicapi.ImageSource, error) {
	if data, ok := strings.CutPrefix(u, "data:"); ok {
		mediaType, payload, ok := strings.Cut(data, ";base64,")
		if !ok {
			return nil, fmt.Errorf("image data URI must be base64 encoded")
		}
		return &anthropicapi.ImageSource{Type: "base64", MediaType: mediaType, Data: payload}, nil
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return &anthropicapi.ImageSource{Type: "url", URL: u}, nil
	}
	return nil, fmt.Errorf("unsupported image URL scheme")
}

func translateToolChoice(raw json.RawMessage) *anthropicapi.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &anthropicapi.ToolChoice{Type: "auto"}
		case "required":
			return &anthropicapi.ToolChoice{Type: "any"}
		case "none":
			return &anthropicapi.ToolChoice{Type: "none"}
		}
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &anthropicapi.ToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// translateChatResponse synthesizes the OpenAI response for a completed
// Message. Text blocks concatenate into the message content; tool_use
// blocks become tool calls.
func translateChatResponse(msg *anthropic.Message, created int64) *openai.ChatCompletionResponse {
	var content strings.Builder
	var toolCalls []openai.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := "{}"
			if block.Input != nil {
				if raw, err := json.Marshal(block.Input); err == nil {
					args = string(raw)
				}
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: openai.ToolCallFunction{Name: block.Name, Arguments: args},
			})
		}
	}

	usage := translateUsage(msg.Usage)
	return &openai.ChatCompletionResponse{
		ID:      msg.ID,
		Object:  openai.ObjectChatCompletion,
		Created: created,
		Model:   string(msg.Model),
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   openai.MessageContent{Text: content.String()},
				ToolCalls: toolCalls,
			},
			FinishReason: finishReasonFromStopReason(string(msg.StopReason)),
		}},
		Usage: &usage,
	}
}

func translateUsage(u anthropic.Usage) openai.Usage {
	prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	return openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      prompt + u.OutputTokens,
	}
}

func finishReasonFromStopReason(sr string) string {
	switch anthropic.StopReason(sr) {
	case anthropic.StopReasonMaxTokens:
		return openai.FinishReasonLength
	case anthropic.StopReasonToolUse:
		return openai.FinishReasonToolCalls
	default:
		// end_turn, stop_sequence, refusal, pause_turn
		return openai.FinishReasonStop
	}
}

var (
	ssePrefixData  = []byte("data: ")
	sseDoneMessage = []byte("data: [DONE]\n\n")
)

// anthropicStreamReader consumes an Anthropic SSE event stream and yields
// OpenAI chat completion chunks. The final chunk always carries usage so
// downstream accounting works whether or not the caller asked for it.
type anthropicStreamReader struct {
	src   *bufio.Reader
	close io.Closer

	model   string
	id      string
	created int64

	// blockTools maps Anthropic content block indexes to OpenAI tool call
	// indexes; text blocks occupy no tool slot.
	blockTools   map[int64]int64
	inputTokens  int64
	outputTokens int64
	finish       string

	out  bytes.Buffer
	done bool
	err  error
}

func newAnthropicStreamReader(body io.ReadCloser, requestModel string) *anthropicStreamReader {
	return &anthropicStreamReader{
		src:        bufio.NewReader(body),
		close:      body,
		model:      requestModel,
		created:    time.Now().Unix(),
		blockTools: map[int64]int64{},
	}
}

func (r *anthropicStreamReader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.pump()
	}
	return r.out.Read(p)
}

func (r *anthropicStreamReader) Close() error { return r.close.Close() }

// pump consumes one upstream line and appends any resulting chunks to the
// output buffer.
func (r *anthropicStreamReader) pump() {
	line, err := r.src.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && !r.done {
			// Upstream closed without message_stop. Pass the truncation on.
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return
	}
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, ssePrefixData) {
		// event: lines, comments and blank separators carry no payload.
		return
	}

	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(bytes.TrimPrefix(line, ssePrefixData), &event); err != nil {
		r.err = newInvalidResponseError("chat_completion_stream", err)
		return
	}

	switch event.Type {
	case "message_start":
		r.id = event.Message.ID
		r.model = cmp.Or(string(event.Message.Model), r.model)
		u := translateUsage(event.Message.Usage)
		r.inputTokens = u.PromptTokens
		r.emitDelta(openai.ChatCompletionDelta{Role: "assistant"}, nil)

	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			toolIdx := int64(len(r.blockTools))
			r.blockTools[event.Index] = toolIdx
			r.emitDelta(openai.ChatCompletionDelta{ToolCalls: []openai.ToolCallDelta{{
				Index:    toolIdx,
				ID:       event.ContentBlock.ID,
				Type:     "function",
				Function: openai.ToolCallFunction{Name: event.ContentBlock.Name},
			}}}, nil)
		}

	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				r.emitDelta(openai.ChatCompletionDelta{Content: event.Delta.Text}, nil)
			}
		case "input_json_delta":
			if toolIdx, ok := r.blockTools[event.Index]; ok {
				r.emitDelta(openai.ChatCompletionDelta{ToolCalls: []openai.ToolCallDelta{{
					Index:    toolIdx,
					Function: openai.ToolCallFunction{Arguments: event.Delta.PartialJSON},
				}}}, nil)
			}
		}

	case "message_delta":
		r.outputTokens = event.Usage.OutputTokens
		r.finish = finishReasonFromStopReason(string(event.Delta.StopReason))
		r.emitDelta(openai.ChatCompletionDelta{}, &r.finish)

	case "message_stop":
		r.emitUsage()
		r.out.Write(sseDoneMessage)
		r.done = true

	case "error":
		r.err = newUpstreamError("chat_completion_stream", 0, line)

	default:
		// ping and future event types are ignorable per the SSE contract.
	}
}

func (r *anthropicStreamReader) emitDelta(delta openai.ChatCompletionDelta, finish *string) {
	r.writeChunk(openai.ChatCompletionResponseChunk{
		ID:      r.id,
		Object:  openai.ObjectChatCompletionChunk,
		Created: r.created,
		Model:   r.model,
		Choices: []openai.ChatCompletionChunkChoice{{Delta: delta, FinishReason: finish}},
	})
}

// emitUsage appends the trailing usage-only chunk, mirroring OpenAI's
// stream_options.include_usage behavior.
func (r *anthropicStreamReader) emitUsage() {
	r.writeChunk(openai.ChatCompletionResponseChunk{
		ID:      r.id,
		Object:  openai.ObjectChatCompletionChunk,
		Created: r.created,
		Model:   r.model,
		Choices: []openai.ChatCompletionChunkChoice{},
		Usage: &openai.Usage{
			PromptTokens:     r.inputTokens,
			CompletionTokens: r.outputTokens,
			TotalTokens:      r.inputTokens + r.outputTokens,
		},
	})
}

func (r *anthropicStreamReader) writeChunk(chunk openai.ChatCompletionResponseChunk) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		r.err = newInvalidResponseError("chat_completion_stream", err)
		return
	}
	r.out.Write(ssePrefixData)
	r.out.Write(raw)
	r.out.WriteString("\n\n")
}
