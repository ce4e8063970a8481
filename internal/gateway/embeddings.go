// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/queue"
	"github.com/nexus-llm/nexus/internal/router"
)

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	rm := metrics.NewEmbeddings(s.meter)
	rm.StartRequest()
	ctx := r.Context()

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	reqs, err := embeddingRequirements(body)
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
	s.logRequestBody("embeddings request", body)

	backend.IncrementPending()
	backend.RecordRequest()
	defer func() {
		backend.DecrementPending()
		if s.drainer != nil {
			s.drainer.Wake()
		}
	}()

	start := s.now()
	result, err := backend.Agent().Embeddings(ctx, body, forwardedHeaders(r.Header))
	elapsed := time.Since(start)
	if err != nil {
		s.recordOutcome(res.Backend.ID, false, 0)
		rm.RecordRequestCompletion(ctx, false)
		s.writeAgentError(w, err)
		return
	}
	backend.RecordLatency(elapsed)
	s.recordOutcome(res.Backend.ID, true, elapsed)
	// Embeddings consume prompt tokens only.
	rm.RecordTokenUsage(ctx, result.Usage.PromptTokens, 0, result.Usage.TotalTokens)
	rm.RecordRequestCompletion(ctx, true)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// embeddingRequirements extracts routing requirements from an embeddings
// request. Input may be a string, an array of strings, or pre-tokenized
// arrays of token ids.
func embeddingRequirements(body []byte) (router.Requirements, error) {
	if !gjson.ValidBytes(body) {
		return router.Requirements{}, errors.New("request body is not valid JSON")
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return router.Requirements{}, errors.New("missing required field: model")
	}
	reqs := router.Requirements{Model: model}

	input := gjson.GetBytes(body, "input")
	switch {
	case input.Type == gjson.String:
		reqs.InputText = input.Str
		reqs.EstimatedTokens = int64(len(input.Str)) / 4
	case input.IsArray():
		var chars, tokens int64
		input.ForEach(func(_, el gjson.Result) bool {
			switch {
			case el.Type == gjson.String:
				chars += int64(len(el.Str))
			case el.IsArray():
				tokens += int64(len(el.Array()))
			case el.Type == gjson.Number:
				tokens++
			}
			return true
		})
		reqs.EstimatedTokens = chars/4 + tokens
	}
	return reqs, nil
}
