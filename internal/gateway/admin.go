// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/apischema/openai"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/registry"
)

type loadRequest struct {
	Model     string `json:"model"`
	BackendID string `json:"backend_id"`
}

type migrateRequest struct {
	Model           string `json:"model"`
	SourceBackendID string `json:"source_backend_id"`
	TargetBackendID string `json:"target_backend_id"`
}

type unloadResponse struct {
	Operation     *registry.LifecycleOperation `json:"operation"`
	VRAMFreeBytes uint64                       `json:"vram_freed_bytes"`
}

type migrateResponse struct {
	SourceOperation *registry.LifecycleOperation `json:"source_operation"`
	TargetOperation *registry.LifecycleOperation `json:"target_operation"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeBadRequest(w, "cannot decode request body: "+err.Error(), "")
		return false
	}
	return true
}

// setOperationHeaders stamps the operation id and status so pollers can track
// it without parsing the body.
func setOperationHeaders(w http.ResponseWriter, op *registry.LifecycleOperation) {
	w.Header().Set(headerLifecycleOperation, op.ID)
	w.Header().Set(headerLifecycleStatus, string(op.Status))
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeBadRequest(w, "missing required field: model", "model")
		return
	}
	if req.BackendID == "" {
		writeBadRequest(w, "missing required field: backend_id", "backend_id")
		return
	}
	op, err := s.lifecycle.Load(r.Context(), req.Model, req.BackendID)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	setOperationHeaders(w, op)
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleUnloadModel(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	backendID := r.URL.Query().Get("backend_id")
	if backendID == "" {
		writeBadRequest(w, "missing required query parameter: backend_id", "backend_id")
		return
	}
	op, freed, err := s.lifecycle.Unload(r.Context(), model, backendID)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	setOperationHeaders(w, op)
	writeJSON(w, http.StatusAccepted, unloadResponse{Operation: op, VRAMFreeBytes: freed})
}

func (s *Server) handleMigrateModel(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeBadRequest(w, "missing required field: model", "model")
		return
	}
	if req.SourceBackendID == "" || req.TargetBackendID == "" {
		writeBadRequest(w, "migration needs source_backend_id and target_backend_id", "")
		return
	}
	srcOp, dstOp, err := s.lifecycle.Migrate(r.Context(), req.Model, req.SourceBackendID, req.TargetBackendID)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	setOperationHeaders(w, srcOp)
	writeJSON(w, http.StatusAccepted, migrateResponse{SourceOperation: srcOp, TargetOperation: dstOp})
}

// handleAddBackend registers a backend at runtime. The body reuses the
// backend block of the config file.
func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var req config.BackendConfig
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "missing required field: name", "name")
		return
	}
	if req.URL == "" {
		writeBadRequest(w, "missing required field: url", "url")
		return
	}
	kind, err := agent.ParseBackendKind(req.Type)
	if err != nil {
		writeBadRequest(w, err.Error(), "type")
		return
	}
	zone, err := agent.ParsePrivacyZone(req.Zone)
	if err != nil {
		writeBadRequest(w, err.Error(), "zone")
		return
	}
	var apiKey string
	if req.APIKeyEnv != "" {
		apiKey = os.Getenv(req.APIKeyEnv)
	}
	ag, err := agent.New(kind, req.URL, agent.Options{APIKey: apiKey, Zone: zone, Tier: req.Tier})
	if err != nil {
		writeBadRequest(w, err.Error(), "")
		return
	}
	b, err := s.registry.Add(registry.Spec{
		ID:       req.Name,
		Name:     req.Name,
		URL:      req.URL,
		Priority: req.Priority,
		Source:   registry.SourceManual,
	}, ag)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			writeError(w, http.StatusConflict, openai.ErrorDetail{
				Message: err.Error(),
				Type:    errTypeConflict,
				Code:    strPtr("duplicate_backend"),
			})
			return
		}
		writeBadRequest(w, err.Error(), "")
		return
	}
	s.logger.Info("backend added via api",
		slog.String("backend", b.ID()),
		slog.String("url", req.URL),
		slog.String("kind", string(kind)))
	view := b.View()
	writeJSON(w, http.StatusCreated, s.backendStats(&view))
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, openai.ErrorDetail{
			Message: err.Error(),
			Type:    errTypeInvalidRequest,
			Code:    strPtr("backend_not_found"),
		})
		return
	}
	if s.quality != nil {
		s.quality.Forget(id)
	}
	s.logger.Info("backend removed via api", slog.String("backend", id))
	w.WriteHeader(http.StatusNoContent)
}
