// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"net/http"
	"sort"

	"github.com/nexus-llm/nexus/internal/apischema/openai"
)

// handleListModels serves the union of models advertised by every registered
// backend, healthy or not; a model behind a briefly unhealthy backend should
// not blink out of the catalog.
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	views := s.registry.Snapshot()
	seen := map[string]struct{}{}
	for i := range views {
		for _, m := range views[i].Models {
			seen[m.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := openai.ModelList{Object: openai.ObjectList, Data: make([]openai.Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, openai.Model{
			ID:      id,
			Object:  openai.ObjectModel,
			Created: s.started.Unix(),
			OwnedBy: "nexus",
		})
	}
	writeJSON(w, http.StatusOK, list)
}
