// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"net/http"
	"time"

	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/fleet"
	"github.com/nexus-llm/nexus/internal/quality"
	"github.com/nexus-llm/nexus/internal/registry"
)

// backendStats is the per-backend block of the stats endpoint.
type backendStats struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	URL           string                       `json:"url"`
	Kind          string                       `json:"kind"`
	Zone          string                       `json:"zone"`
	Tier          int                          `json:"tier"`
	Status        string                       `json:"status"`
	StatusDetail  string                       `json:"status_detail,omitempty"`
	Priority      int                          `json:"priority"`
	Source        string                       `json:"source"`
	Models        []string                     `json:"models"`
	Pending       int32                        `json:"pending_requests"`
	TotalRequests uint64                       `json:"total_requests"`
	AvgLatencyMS  uint32                       `json:"avg_latency_ms"`
	Operation     *registry.LifecycleOperation `json:"operation,omitempty"`
	Quality       *quality.Aggregate           `json:"quality,omitempty"`
}

type queueStats struct {
	Depth int64 `json:"depth"`
}

type statsResponse struct {
	Backends []backendStats `json:"backends"`
	Queue    *queueStats    `json:"queue,omitempty"`
	Budget   *budget.Status `json:"budget,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	views := s.registry.Snapshot()
	resp := statsResponse{Backends: make([]backendStats, 0, len(views))}
	for i := range views {
		resp.Backends = append(resp.Backends, s.backendStats(&views[i]))
	}
	if s.queue != nil {
		resp.Queue = &queueStats{Depth: s.queue.Depth()}
	}
	if s.budget != nil {
		st := s.budget.Status()
		resp.Budget = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) backendStats(v *registry.View) backendStats {
	models := make([]string, 0, len(v.Models))
	for _, m := range v.Models {
		models = append(models, m.ID)
	}
	bs := backendStats{
		ID:            v.ID,
		Name:          v.Name,
		URL:           v.URL,
		Kind:          string(v.Kind),
		Zone:          string(v.Zone),
		Tier:          v.Tier,
		Status:        string(v.Status),
		StatusDetail:  v.StatusDetail,
		Priority:      v.Priority,
		Source:        string(v.Source),
		Models:        models,
		Pending:       v.Pending,
		TotalRequests: v.TotalRequests,
		AvgLatencyMS:  v.AvgLatencyMS,
		Operation:     v.Operation,
	}
	if s.quality != nil {
		agg := s.quality.Aggregate(v.ID)
		bs.Quality = &agg
	}
	return bs
}

type recommendationsResponse struct {
	Recommendations []fleet.Recommendation `json:"recommendations"`
	AnalyzedAt      time.Time              `json:"analyzed_at,omitzero"`
}

func (s *Server) handleRecommendations(w http.ResponseWriter, _ *http.Request) {
	resp := recommendationsResponse{Recommendations: []fleet.Recommendation{}}
	if s.fleet != nil {
		recs, at := s.fleet.Recommendations()
		if recs != nil {
			resp.Recommendations = recs
		}
		resp.AnalyzedAt = at
	}
	writeJSON(w, http.StatusOK, resp)
}
