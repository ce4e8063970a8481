// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/queue"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/router"
)

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	rm := metrics.NewChatCompletion(s.meter)
	rm.StartRequest()
	ctx := r.Context()

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	reqs, err := chatRequirements(body)
	if err != nil {
		writeBadRequest(w, err.Error(), "")
		return
	}
	rm.SetModel(reqs.Model)

	res, queued, ok := s.routeOrQueue(ctx, w, reqs, tierMode(r.Header), queue.ParsePriority(r.Header.Get(headerPriority)))
	if !ok {
		rm.RecordRequestCompletion(ctx, false)
		return
	}
	backend, ok := s.registry.Get(res.Backend.ID)
	if !ok {
		// Removed between the routing decision and the forward.
		writeError(w, http.StatusServiceUnavailable, backendRemovedDetail(res.Backend.ID))
		rm.RecordRequestCompletion(ctx, false)
		return
	}
	rm.SetModel(res.ResolvedModel)
	rm.SetBackend(res.Backend.Kind, res.Backend.Name)
	if s.fleet != nil {
		s.fleet.ObserveRequest(res.ResolvedModel)
	}
	if res.ResolvedModel != reqs.Model {
		if body, err = sjson.SetBytes(body, "model", res.ResolvedModel); err != nil {
			writeError(w, http.StatusInternalServerError, internalDetail(err))
			rm.RecordRequestCompletion(ctx, false)
			return
		}
	}
	s.setRouteHeaders(w.Header(), res, queued)
	s.logRequestBody("chat completion request", body)

	backend.IncrementPending()
	backend.RecordRequest()
	defer func() {
		backend.DecrementPending()
		if s.drainer != nil {
			s.drainer.Wake()
		}
	}()

	if reqs.PrefersStreaming {
		s.streamChatCompletion(ctx, w, rm, backend, res, body, forwardedHeaders(r.Header))
		return
	}
	s.forwardChatCompletion(ctx, w, rm, backend, res, body, forwardedHeaders(r.Header))
}

// forwardChatCompletion performs the buffered round trip and returns the
// backend body verbatim.
func (s *Server) forwardChatCompletion(ctx context.Context, w http.ResponseWriter, rm metrics.RequestMetrics, backend *registry.Backend, res *router.Result, body []byte, header http.Header) {
	start := s.now()
	result, err := backend.Agent().ChatCompletion(ctx, body, header)
	elapsed := time.Since(start)
	if err != nil {
		s.recordOutcome(res.Backend.ID, false, 0)
		rm.RecordRequestCompletion(ctx, false)
		s.writeAgentError(w, err)
		s.logCompletion(res, elapsed, 0, false, err)
		return
	}
	backend.RecordLatency(elapsed)
	// Without streaming the first output byte is the whole response.
	s.recordOutcome(res.Backend.ID, true, elapsed)
	rm.RecordTokenUsage(ctx, result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens)
	rm.RecordRequestCompletion(ctx, true)

	s.logRequestBody("chat completion response", result.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
	s.logCompletion(res, elapsed, result.Usage.TotalTokens, false, nil)
}

// streamChatCompletion forwards SSE lines as they arrive, flushing after each
// one, and taps the final usage chunk for metrics.
func (s *Server) streamChatCompletion(ctx context.Context, w http.ResponseWriter, rm metrics.RequestMetrics, backend *registry.Backend, res *router.Result, body []byte, header http.Header) {
	start := s.now()
	stream, err := backend.Agent().ChatCompletionStream(ctx, body, header)
	if err != nil {
		s.recordOutcome(res.Backend.ID, false, 0)
		rm.RecordRequestCompletion(ctx, false)
		s.writeAgentError(w, err)
		s.logCompletion(res, time.Since(start), 0, true, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var (
		ttft     time.Duration
		usage    agent.TokenUsage
		gotFirst bool
	)
	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if payload, isData := ssePayload(line); isData {
				if !gotFirst {
					gotFirst = true
					ttft = time.Since(start)
					// First call on the instrument records time to first
					// token; local runtimes emit one token per chunk.
					rm.RecordTokenLatency(ctx, 0)
				} else {
					rm.RecordTokenLatency(ctx, 1)
				}
				if u, ok := chunkUsage(payload); ok {
					usage = u
				}
			}
			if _, werr := w.Write(line); werr != nil {
				// The client went away; the backend already did the work.
				s.logger.Debug("client disconnected mid-stream", slog.String("backend", res.Backend.ID))
				if gotFirst {
					s.recordOutcome(res.Backend.ID, true, ttft)
					backend.RecordLatency(ttft)
				}
				rm.RecordRequestCompletion(ctx, false)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.recordOutcome(res.Backend.ID, false, 0)
			rm.RecordRequestCompletion(ctx, false)
			s.logCompletion(res, time.Since(start), usage.TotalTokens, true, err)
			return
		}
	}
	s.recordOutcome(res.Backend.ID, true, ttft)
	if gotFirst {
		// Latency for a stream is time to first token, not total duration.
		backend.RecordLatency(ttft)
	}
	rm.RecordTokenUsage(ctx, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	rm.RecordRequestCompletion(ctx, true)
	s.logCompletion(res, time.Since(start), usage.TotalTokens, true, nil)
}

// routeOrQueue routes the request, parking capacity rejections on the queue
// when one is configured. ok=false means the response was already written.
func (s *Server) routeOrQueue(ctx context.Context, w http.ResponseWriter, reqs router.Requirements, mode router.TierMode, prio queue.Priority) (res *router.Result, queued, ok bool) {
	res, err := s.router.Route(ctx, reqs, mode)
	if err == nil {
		return res, false, true
	}
	var rej *router.RejectError
	if !errors.As(err, &rej) {
		writeError(w, http.StatusInternalServerError, internalDetail(err))
		return nil, false, false
	}
	if !rej.Capacity || s.queue == nil || s.drainer == nil {
		s.writeReject(w, rej)
		return nil, false, false
	}

	req := queue.NewRequest(ctx, reqs, mode, prio)
	if err := s.queue.Enqueue(req); err != nil {
		s.writeQueueError(w, err)
		return nil, false, false
	}
	s.logger.Debug("request queued on saturation",
		slog.String("request", req.ID),
		slog.String("model", reqs.Model),
		slog.String("priority", string(prio)))
	s.drainer.Wake()

	// The drainer owns the wait budget; the timer is a net under a wedged
	// drain loop.
	timer := time.NewTimer(s.queue.MaxWait() + 2*time.Second)
	defer timer.Stop()
	select {
	case g := <-req.Reply:
		if g.Err != nil {
			if errors.As(g.Err, &rej) {
				s.writeReject(w, rej)
			} else {
				s.writeQueueError(w, g.Err)
			}
			return nil, false, false
		}
		return g.Result, true, true
	case <-ctx.Done():
		s.writeQueueError(w, ctx.Err())
		return nil, false, false
	case <-timer.C:
		s.writeQueueError(w, queue.ErrTimeout)
		return nil, false, false
	}
}

// readBody drains the request body under the size cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, internalDetail(err))
			return nil, false
		}
		writeBadRequest(w, "cannot read request body: "+err.Error(), "")
		return nil, false
	}
	return body, true
}

// chatRequirements extracts the routing requirements from a chat completion
// request without binding the full schema; unknown fields pass through to the
// backend untouched.
func chatRequirements(body []byte) (router.Requirements, error) {
	if !gjson.ValidBytes(body) {
		return router.Requirements{}, errors.New("request body is not valid JSON")
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return router.Requirements{}, errors.New("missing required field: model")
	}
	reqs := router.Requirements{
		Model:            model,
		PrefersStreaming: gjson.GetBytes(body, "stream").Bool(),
		NeedsTools:       gjson.GetBytes(body, "tools.#").Int() > 0,
		NeedsJSONMode:    gjson.GetBytes(body, "response_format.type").String() == "json_object",
	}

	var text bytes.Buffer
	var chars int64
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			chars += int64(len(content.Str))
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(content.Str)
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "image_url":
					reqs.NeedsVision = true
				case "text":
					t := part.Get("text").String()
					chars += int64(len(t))
					if text.Len() > 0 {
						text.WriteByte('\n')
					}
					text.WriteString(t)
				}
				return true
			})
		}
		return true
	})
	reqs.InputText = text.String()
	reqs.EstimatedTokens = chars / 4
	return reqs, nil
}

// tierMode reads the strictness headers; strict wins when both are present
// and is the default when neither is.
func tierMode(h http.Header) router.TierMode {
	if h.Get(headerStrict) != "" {
		return router.TierStrict
	}
	if h.Get(headerFlexible) != "" {
		return router.TierFlexible
	}
	return router.TierStrict
}

// forwardedHeaders picks the caller headers that travel to the backend. Only
// Authorization passes; everything else is gateway-internal or rebuilt by the
// agent.
func forwardedHeaders(h http.Header) http.Header {
	fwd := http.Header{}
	if auth := h.Get("Authorization"); auth != "" {
		fwd.Set("Authorization", auth)
	}
	return fwd
}

func (s *Server) setRouteHeaders(h http.Header, res *router.Result, queued bool) {
	h.Set(headerBackend, res.Backend.ID)
	kind := "cloud"
	if res.Backend.Kind.Local() {
		kind = "local"
	}
	h.Set(headerBackendType, kind)
	h.Set(headerRouteReason, routeReasonClass(res, queued))
	h.Set(headerPrivacyZone, string(res.Backend.Zone))
	if est := res.CostEstimate; est != nil && est.Priced && !res.Backend.Kind.Local() {
		h.Set(headerCostEstimated, fmt.Sprintf("%.6f", est.USD))
	}
	if res.FallbackUsed {
		h.Set(headerFallbackModel, res.ResolvedModel)
	}
}

// routeReasonClass folds the router's detailed reason into the coarse classes
// surfaced on the response header.
func routeReasonClass(res *router.Result, queued bool) string {
	switch {
	case res.FallbackUsed:
		return "failover"
	case res.PrivacyZoneRequired == agent.ZoneRestricted:
		return "privacy-requirement"
	case queued:
		return "capacity-overflow"
	default:
		return "capability-match"
	}
}

// ssePayload strips the SSE data prefix; ok=false for comments, blank
// keep-alive lines and the terminal [DONE] marker.
func ssePayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	payload, found := bytes.CutPrefix(trimmed, []byte("data: "))
	if !found || bytes.Equal(payload, []byte("[DONE]")) {
		return nil, false
	}
	return payload, true
}

// chunkUsage reads the usage block runtimes attach to the final chunk.
func chunkUsage(payload []byte) (agent.TokenUsage, bool) {
	u := gjson.GetBytes(payload, "usage")
	if !u.Exists() || u.Type == gjson.Null {
		return agent.TokenUsage{}, false
	}
	return agent.TokenUsage{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
	}, true
}

func (s *Server) recordOutcome(backendID string, success bool, ttft time.Duration) {
	if s.quality != nil {
		s.quality.RecordOutcome(backendID, success, ttft)
	}
}

// logRequestBody logs payloads only when content logging is switched on.
func (s *Server) logRequestBody(msg string, body []byte) {
	if s.contentLog {
		s.logger.Debug(msg, slog.String("body", string(body)))
	}
}

func (s *Server) logCompletion(res *router.Result, elapsed time.Duration, tokens int64, stream bool, err error) {
	attrs := []any{
		slog.String("model", res.ResolvedModel),
		slog.String("backend", res.Backend.ID),
		slog.Duration("duration", elapsed),
		slog.Int64("total_tokens", tokens),
		slog.Bool("stream", stream),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.Warn("chat completion failed", attrs...)
		return
	}
	s.logger.Info("chat completion served", attrs...)
}
