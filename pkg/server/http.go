// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/a2abridge/pkg/activity"
	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/delegation"
)

const (
	// WellKnownCardPath is where legacy A2A clients look for the card.
	WellKnownCardPath    = "/.well-known/agent.json"
	a2aWellKnownCardPath = a2asrv.WellKnownAgentCardPath

	defaultActivityLimit = 50
	maxDelegateBody      = 1 << 20
)

// buildAgentCard describes the bridge itself. Skills come from config; a
// single generic skill is advertised when none are configured.
func buildAgentCard(cfg *config.Config, version string, authEnabled bool) *a2a.AgentCard {
	skills := make([]a2a.AgentSkill, 0, len(cfg.Skills))
	for _, sk := range cfg.Skills {
		skills = append(skills, a2a.AgentSkill{
			ID:          sk.ID,
			Name:        sk.Name,
			Description: sk.Description,
			Tags:        sk.Tags,
			Examples:    sk.Examples,
		})
	}
	if len(skills) == 0 {
		skills = []a2a.AgentSkill{{
			ID:          "chat",
			Name:        cfg.Name,
			Description: cfg.Description,
			Tags:        []string{"bridge", "conversation"},
		}}
	}
	if version == "" {
		version = "dev"
	}

	card := &a2a.AgentCard{
		Name:               cfg.Name,
		Description:        cfg.Description,
		URL:                cfg.Server.PublicURL,
		Version:            version,
		ProtocolVersion:    "0.2.0",
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             skills,
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
	}
	if authEnabled {
		card.SecuritySchemes = a2a.NamedSecuritySchemes{
			"BearerAuth": a2a.HTTPAuthSecurityScheme{
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "JWT Bearer token authentication",
			},
		}
		card.Security = []a2a.SecurityRequirements{
			{"BearerAuth": a2a.SecuritySchemeScopes{}},
		}
	}
	return card
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.card)
}

type agentView struct {
	Alias       string        `json:"alias"`
	URL         string        `json:"url"`
	Description string        `json:"description,omitempty"`
	AuthType    string        `json:"authType,omitempty"`
	Timeout     time.Duration `json:"timeoutNs,omitempty"`
	RateLimit   float64       `json:"rateLimit,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.opts.Delegator.Registry().Agents()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{
			Alias:       a.Alias,
			URL:         a.URL,
			Description: a.Description,
			AuthType:    a.Auth.Type,
			Timeout:     a.Timeout,
			RateLimit:   a.RateLimit,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type delegateRequest struct {
	Message   string `json:"message"`
	ContextID string `json:"contextId,omitempty"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDelegateBody)).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	res, err := s.opts.Delegator.Delegate(r.Context(), delegation.Request{
		Alias:     chi.URLParam(r, "alias"),
		Text:      req.Message,
		ContextID: req.ContextID,
	})
	if err != nil {
		if !apierr.Is(err, apierr.KindValidation) && !apierr.Is(err, apierr.KindNotFound) {
			slog.Warn("Delegation failed", "alias", chi.URLParam(r, "alias"), "error", err)
		}
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			apierr.WriteJSON(w, apierr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries := s.opts.Recorder.Recent(limit)
	if entries == nil {
		entries = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
