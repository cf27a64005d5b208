package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/planmesh/core/internal/auth"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/planner"
	"github.com/planmesh/core/internal/registry"
)

// agentView is the registry snapshot row served by the agents endpoints.
type agentView struct {
	Name          string   `json:"name"`
	UUID          string   `json:"uuid"`
	Role          string   `json:"role"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Status        string   `json:"status"`
	PreferredTier string   `json:"preferred_tier"`
	HeartbeatAgeS float64  `json:"heartbeat_age_s"`
	Inflight      int      `json:"inflight"`
}

func toAgentView(rec *registry.AgentRecord, now time.Time) agentView {
	return agentView{
		Name:          rec.Name,
		UUID:          rec.UUID,
		Role:          auth.RoleName(rec.RoleID),
		Capabilities:  rec.Capabilities,
		Status:        rec.Status.String(),
		PreferredTier: rec.PreferredTier.String(),
		HeartbeatAgeS: rec.HeartbeatAge(now).Seconds(),
		Inflight:      rec.Inflight,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Healthz())
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	recs := s.core.Agents().List()
	views := make([]agentView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toAgentView(rec, now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": views})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, ok := s.core.Agents().Get(name)
	if !ok {
		writeError(w, fault.New(fault.CodeNotFound, "agent %q not registered", name))
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(rec, time.Now()))
}

func (s *Server) handleAgentDeregister(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.core.Agents().Deregister(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deregistered": true})
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": s.core.Plans().ListPlans()})
}

func (s *Server) handlePlanSubmit(w http.ResponseWriter, r *http.Request) {
	var spec planner.PlanSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, fault.Wrap(fault.CodePlanInvalid, err))
		return
	}
	id, err := s.core.Plans().Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": id})
}

func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.Plans().Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Plans().Cancel(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleSessionIssue is the trusted bootstrap path: the parent runtime
// mints tokens here and hands them to agent processes it spawns.
func (s *Server) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentName string `json:"agent_name"`
		Role      string `json:"role"`
		TTLS      int    `json:"ttl_s,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Wrap(fault.CodeInvalidMessage, err))
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}

	token, principal, err := s.core.Gate().IssueTTL(r.Context(), req.AgentName, req.Role, time.Duration(req.TTLS)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":       token,
		"token_id":    principal.TokenID,
		"agent_name":  principal.AgentName,
		"role":        principal.Role,
		"permissions": auth.Describe(principal.Bitmask),
		"expires_at":  principal.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["token_id"]
	if err := s.core.Gate().Revoke(r.Context(), tokenID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, fault.New(fault.CodeInvalidMessage, "invalid limit %q", raw))
			return
		}
		limit = min(n, maxEventLimit)
	}

	evs, err := s.core.Store().ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, fault.Wrap(fault.CodeStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// handleShutdown acknowledges first, then hands off to the serve loop;
// stopping the core inline would tear down this very response.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Drain bool `json:"drain"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"stopping": true,
		"drain":    req.Drain,
	})

	if s.onShutdown != nil {
		go s.onShutdown(req.Drain)
	}
}
