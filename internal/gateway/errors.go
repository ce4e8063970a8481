// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/apischema/openai"
	"github.com/nexus-llm/nexus/internal/lifecycle"
	"github.com/nexus-llm/nexus/internal/queue"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/router"
)

// Error types used in the OpenAI envelope.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeServer         = "server_error"
	errTypeBadGateway     = "bad_gateway"
	errTypeTimeout        = "gateway_timeout"
	errTypeUnavailable    = "service_unavailable"
	errTypeConflict       = "conflict"
	errTypeInsufficient   = "insufficient_storage"
)

// ActionableErrorContext gives a rejected caller something concrete to do
// next: which tier was demanded, which backends were still alive when the
// pipeline aborted, how long a queued retry would wait, and which privacy
// zone the request was pinned to.
type ActionableErrorContext struct {
	RequiredTier        int      `json:"required_tier,omitempty"`
	AvailableBackends   []string `json:"available_backends"`
	ETASeconds          int      `json:"eta_seconds,omitempty"`
	PrivacyZoneRequired string   `json:"privacy_zone_required,omitempty"`
}

// errorResponse is the OpenAI error envelope, extended on 503 rejections with
// the routing context and the per-backend rejection reasons.
type errorResponse struct {
	Error            openai.ErrorDetail       `json:"error"`
	Context          *ActionableErrorContext  `json:"context,omitempty"`
	RejectionReasons []router.RejectionReason `json:"rejection_reasons,omitempty"`
}

func strPtr(s string) *string { return &s }

func internalDetail(err error) openai.ErrorDetail {
	return openai.ErrorDetail{Message: err.Error(), Type: errTypeServer}
}

func backendRemovedDetail(id string) openai.ErrorDetail {
	return openai.ErrorDetail{
		Message: fmt.Sprintf("backend %q was removed before the request could be forwarded", id),
		Type:    errTypeUnavailable,
		Code:    strPtr("backend_removed"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail openai.ErrorDetail) {
	writeJSON(w, status, errorResponse{Error: detail})
}

func writeBadRequest(w http.ResponseWriter, message, param string) {
	detail := openai.ErrorDetail{Message: message, Type: errTypeInvalidRequest}
	if param != "" {
		detail.Param = strPtr(param)
	}
	writeError(w, http.StatusBadRequest, detail)
}

// writeReject renders a routing rejection that is not being queued. A model
// no registered backend advertises at all is a 404 listing what exists; any
// other rejection is a 503 with the actionable context.
func (s *Server) writeReject(w http.ResponseWriter, rej *router.RejectError) {
	views := s.registry.Snapshot()
	advertised := map[string]struct{}{}
	known := false
	for i := range views {
		for _, m := range views[i].Models {
			advertised[m.ID] = struct{}{}
			if m.ID == rej.ResolvedModel {
				known = true
			}
		}
	}
	if !known {
		models := make([]string, 0, len(advertised))
		for id := range advertised {
			models = append(models, id)
		}
		sort.Strings(models)
		message := fmt.Sprintf("model %q not found", rej.Model)
		if len(models) > 0 {
			message += "; available models: " + strings.Join(models, ", ")
		}
		writeError(w, http.StatusNotFound, openai.ErrorDetail{
			Message: message,
			Type:    errTypeInvalidRequest,
			Param:   strPtr("model"),
			Code:    strPtr("model_not_found"),
		})
		return
	}

	ctx := &ActionableErrorContext{
		RequiredTier:        rej.RequiredTier,
		AvailableBackends:   rej.Available,
		PrivacyZoneRequired: string(rej.PrivacyZoneRequired),
	}
	if ctx.AvailableBackends == nil {
		ctx.AvailableBackends = []string{}
	}
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{
		Error: openai.ErrorDetail{
			Message: rej.Error(),
			Type:    errTypeUnavailable,
			Code:    strPtr("no_backend_available"),
		},
		Context:          ctx,
		RejectionReasons: rej.Reasons,
	})
}

// writeQueueError renders enqueue and queue-wait failures. Every variant is a
// 503 with Retry-After set to the configured wait budget.
func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	w.Header().Set("Retry-After", strconv.Itoa(s.maxWaitSeconds))
	ctx := &ActionableErrorContext{AvailableBackends: []string{}, ETASeconds: s.maxWaitSeconds}

	detail := openai.ErrorDetail{Type: errTypeUnavailable}
	var full *queue.FullError
	switch {
	case errors.As(err, &full):
		detail.Message = fmt.Sprintf("all backends are saturated and the queue holds %d requests; retry later", full.Max)
		detail.Code = strPtr("queue_full")
	case errors.Is(err, queue.ErrTimeout):
		detail.Message = "no backend capacity freed up within the wait budget"
		detail.Code = strPtr("queue_timeout")
	case errors.Is(err, queue.ErrShutdown):
		detail.Message = queue.ErrShutdown.Error()
		detail.Code = strPtr("shutting_down")
	default:
		detail.Message = err.Error()
		detail.Code = strPtr("request_cancelled")
	}
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: detail, Context: ctx})
}

// writeAgentError maps an agent failure onto the HTTP surface: timeouts are
// 504, transport and malformed-response failures 502, missing capabilities
// 503, and upstream statuses are translated by writeUpstreamError.
func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	ae, ok := agent.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, openai.ErrorDetail{
			Message: err.Error(), Type: errTypeServer,
		})
		return
	}
	switch ae.Kind {
	case agent.ErrorKindTimeout:
		writeError(w, http.StatusGatewayTimeout, openai.ErrorDetail{
			Message: "backend did not answer in time: " + ae.Error(),
			Type:    errTypeTimeout,
			Code:    strPtr("upstream_timeout"),
		})
	case agent.ErrorKindNetwork:
		writeError(w, http.StatusBadGateway, openai.ErrorDetail{
			Message: "cannot reach backend: " + ae.Error(),
			Type:    errTypeBadGateway,
			Code:    strPtr("network_error"),
		})
	case agent.ErrorKindUnsupported:
		writeError(w, http.StatusServiceUnavailable, openai.ErrorDetail{
			Message: ae.Error(),
			Type:    errTypeUnavailable,
			Code:    strPtr("not_supported"),
		})
	case agent.ErrorKindInvalidResponse:
		writeError(w, http.StatusBadGateway, openai.ErrorDetail{
			Message: "backend returned an unreadable response: " + ae.Error(),
			Type:    errTypeBadGateway,
			Code:    strPtr("invalid_response"),
		})
	case agent.ErrorKindConfiguration:
		writeError(w, http.StatusBadGateway, openai.ErrorDetail{
			Message: "backend misconfigured: " + ae.Error(),
			Type:    errTypeBadGateway,
			Code:    strPtr("configuration_error"),
		})
	case agent.ErrorKindUpstream:
		s.writeUpstreamError(w, ae)
	default:
		writeError(w, http.StatusInternalServerError, openai.ErrorDetail{
			Message: ae.Error(), Type: errTypeServer,
		})
	}
}

// writeUpstreamError translates a non-2xx backend answer. 5xx becomes 502;
// a backend 404 means routing sent the request to a backend that no longer
// has the model, which is the gateway's inconsistency, so it surfaces as 500
// keeping the backend's message; every other 4xx is the caller's problem and
// comes back as 400.
func (s *Server) writeUpstreamError(w http.ResponseWriter, ae *agent.Error) {
	switch {
	case ae.StatusCode >= 500:
		writeUpstreamBody(w, http.StatusBadGateway, ae, errTypeBadGateway)
	case ae.StatusCode == http.StatusNotFound:
		writeError(w, http.StatusInternalServerError, openai.ErrorDetail{
			Message: "backend no longer serves the routed model: " + upstreamMessage(ae),
			Type:    errTypeServer,
			Code:    strPtr("backend_model_missing"),
		})
	default:
		writeUpstreamBody(w, http.StatusBadRequest, ae, errTypeInvalidRequest)
	}
}

// writeUpstreamBody preserves the upstream error payload: a body that already
// is an OpenAI-style error envelope passes through byte-identically under the
// mapped status, anything else is wrapped.
func writeUpstreamBody(w http.ResponseWriter, status int, ae *agent.Error, errType string) {
	if gjson.GetBytes(ae.Body, "error.message").Exists() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(ae.Body)
		return
	}
	writeError(w, status, openai.ErrorDetail{
		Message: upstreamMessage(ae),
		Type:    errType,
		Code:    strPtr("upstream_error"),
	})
}

// upstreamMessage extracts the most useful description from an upstream
// error: the envelope message when it parses, else a trimmed body snippet.
func upstreamMessage(ae *agent.Error) string {
	if msg := gjson.GetBytes(ae.Body, "error.message").String(); msg != "" {
		return msg
	}
	body := strings.TrimSpace(string(ae.Body))
	const maxSnippet = 256
	if len(body) > maxSnippet {
		body = body[:maxSnippet]
	}
	if body == "" {
		return fmt.Sprintf("backend returned status %d", ae.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", ae.StatusCode, body)
}

// writeLifecycleError maps load/unload/migrate failures. Conflicts carry the
// blocking operation id so the operator can watch or wait for it.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	var conflict *registry.OperationConflictError
	if errors.As(err, &conflict) {
		w.Header().Set(headerLifecycleOperation, conflict.Existing.ID)
		writeError(w, http.StatusConflict, openai.ErrorDetail{
			Message: err.Error(),
			Type:    errTypeConflict,
			Code:    strPtr("operation_in_progress"),
		})
		return
	}
	var vram *lifecycle.VRAMError
	if errors.As(err, &vram) {
		writeError(w, http.StatusInsufficientStorage, openai.ErrorDetail{
			Message: err.Error(),
			Type:    errTypeInsufficient,
			Code:    strPtr("vram_insufficient"),
		})
		return
	}
	var notLoaded *lifecycle.ModelNotLoadedError
	if errors.As(err, &notLoaded) {
		writeError(w, http.StatusNotFound, openai.ErrorDetail{
			Message: err.Error(),
			Type:    errTypeInvalidRequest,
			Code:    strPtr("model_not_loaded"),
		})
		return
	}
	var busy *lifecycle.BusyError
	if errors.As(err, &busy) {
		writeError(w, http.StatusConflict, openai.ErrorDetail{
			Message: err.Error(),
			Type:    errTypeConflict,
			Code:    strPtr("backend_busy"),
		})
		return
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, openai.ErrorDetail{
			Message: err.Error(),
			Type:    errTypeInvalidRequest,
			Code:    strPtr("backend_not_found"),
		})
	case errors.Is(err, lifecycle.ErrSameBackend):
		writeBadRequest(w, err.Error(), "")
	default:
		s.writeAgentError(w, err)
	}
}
