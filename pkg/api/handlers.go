package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/dispatcher"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/readiness"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func (s *server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithField("path", r.URL.Path).
		Error("Request failed")

	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

func pairParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "tenant"), chi.URLParam(r, "model")
}

func (s *server) fileRegistryStale() bool {
	return s.deps.Reconciler != nil && s.deps.Reconciler.Stale()
}

// handleHealth reports liveness and the file registry flag.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"file_registry_stale": s.fileRegistryStale(),
	})
}

func (s *server) handleChampion(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	champion, err := s.deps.Registry.GetChampion(r.Context(), tenantID, modelName)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	if champion == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"no champion"})

		return
	}

	writeJSON(w, http.StatusOK, champion)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	events, err := s.deps.Registry.GetHistory(r.Context(), tenantID, modelName)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, nonNil(events))
}

func (s *server) handleVersions(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	versions, err := s.deps.Registry.ListVersions(r.Context(), tenantID, modelName)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, nonNil(versions))
}

// handleExperiments returns every arena decision of a pair with the
// evidence behind it, newest first.
func (s *server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	experiments, err := s.deps.Registry.ListExperiments(r.Context(), tenantID, modelName)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, nonNil(experiments))
}

func (s *server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	state, err := s.deps.Readiness.Get(r.Context(), tenantID, modelName)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	if state == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"pair not evaluated yet"})

		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{"dispatcher not running"})

		return
	}

	tenantID, modelName := pairParams(r)

	eval, err := s.deps.Dispatcher.EvaluateTriggers(r.Context(), tenantID, modelName)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, eval)
}

type retrainRequest struct {
	RequestedBy string `json:"requested_by"`
}

// handleRetrain queues a manual trigger for the next cycle.
func (s *server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	var body retrainRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil &&
		!errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if body.RequestedBy == "" {
		body.RequestedBy = "api"
	}

	req, err := s.deps.Registry.RequestRetrain(r.Context(), tenantID, modelName, body.RequestedBy)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	s.log.WithField("tenant_id", tenantID).
		WithField("model_name", modelName).
		WithField("requested_by", body.RequestedBy).
		Info("Manual retrain requested")

	writeJSON(w, http.StatusAccepted, req)
}

type attemptSummary struct {
	AttemptID        string     `json:"attempt_id"`
	Trigger          string     `json:"trigger"`
	Status           string     `json:"status"`
	CandidateVersion string     `json:"candidate_version,omitempty"`
	Decision         string     `json:"decision,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// eligibility flags whether a pair can currently move towards a new
// champion, and if not, why.
type eligibility struct {
	Retrainable       bool   `json:"retrainable"`
	HasChampion       bool   `json:"has_champion"`
	AttemptInProgress bool   `json:"attempt_in_progress"`
	BlockedBy         string `json:"blocked_by,omitempty"`
}

type pairStatus struct {
	TenantID        string          `json:"tenant_id"`
	ModelName       string          `json:"model_name"`
	ReadinessTier   string          `json:"readiness_tier,omitempty"`
	HealthyCycles   int             `json:"healthy_cycles"`
	Observation     string          `json:"observation,omitempty"`
	ChampionVersion string          `json:"champion_version,omitempty"`
	LastAttempt     *attemptSummary `json:"last_attempt,omitempty"`
	Eligibility     eligibility     `json:"eligibility"`
}

type statusResponse struct {
	FileRegistryStale bool                       `json:"file_registry_stale"`
	LastCycle         *dispatcher.CycleSummary   `json:"last_cycle,omitempty"`
	OpenAttempts      []registry.RetrainingEvent `json:"open_attempts"`
	Pairs             []pairStatus               `json:"pairs"`
}

// handleStatus aggregates readiness, the last retrain outcome and
// promotion eligibility per tenant-model pair.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pairs, err := s.knownPairs(ctx)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	open, err := s.deps.Registry.ListOpenAttempts(ctx)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	resp := statusResponse{
		FileRegistryStale: s.fileRegistryStale(),
		OpenAttempts:      open,
		Pairs:             make([]pairStatus, 0, len(pairs)),
	}

	if s.deps.Dispatcher != nil {
		resp.LastCycle = s.deps.Dispatcher.LastCycle()
	}

	for _, p := range pairs {
		st, err := s.pairStatus(ctx, p)
		if err != nil {
			s.internalError(w, r, err)

			return
		}

		resp.Pairs = append(resp.Pairs, *st)
	}

	writeJSON(w, http.StatusOK, resp)
}

// knownPairs merges pairs with registered versions and the pairs the
// dispatcher would visit.
func (s *server) knownPairs(ctx context.Context) ([]registry.Pair, error) {
	pairs, err := s.deps.Registry.ListPairs(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[registry.Pair]struct{}, len(pairs))
	for _, p := range pairs {
		seen[p] = struct{}{}
	}

	if s.deps.Tenants != nil {
		tenants, err := s.deps.Tenants.ListEligibleTenants(ctx)
		if err != nil {
			return nil, err
		}

		for _, t := range tenants {
			for _, m := range s.deps.ModelNames {
				p := registry.Pair{TenantID: t.ID, ModelName: m}
				if _, ok := seen[p]; !ok {
					seen[p] = struct{}{}
					pairs = append(pairs, p)
				}
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].String() < pairs[j].String()
	})

	return pairs, nil
}

func (s *server) pairStatus(ctx context.Context, p registry.Pair) (*pairStatus, error) {
	st := &pairStatus{TenantID: p.TenantID, ModelName: p.ModelName}

	state, err := s.deps.Readiness.Get(ctx, p.TenantID, p.ModelName)
	if err != nil {
		return nil, err
	}

	if state != nil {
		st.ReadinessTier = string(state.Tier)
		st.HealthyCycles = state.HealthyCycles
		st.Observation = string(state.Observation)
		st.Eligibility.Retrainable = state.Tier.Retrainable()
	}

	champion, err := s.deps.Registry.GetChampion(ctx, p.TenantID, p.ModelName)
	if err != nil {
		return nil, err
	}

	if champion != nil {
		st.ChampionVersion = champion.Version
		st.Eligibility.HasChampion = true
	}

	last, err := s.deps.Registry.LastAttempt(ctx, p.TenantID, p.ModelName)
	if err != nil {
		return nil, err
	}

	if last != nil {
		st.LastAttempt = &attemptSummary{
			AttemptID:        last.AttemptID,
			Trigger:          string(last.Trigger),
			Status:           string(last.Status),
			CandidateVersion: last.CandidateVersion,
			Decision:         last.Decision,
			Reason:           last.Reason,
			FailureReason:    last.FailureReason,
			CreatedAt:        last.CreatedAt,
			CompletedAt:      last.CompletedAt,
		}
		st.Eligibility.AttemptInProgress = !last.Status.Terminal()
	}

	st.Eligibility.BlockedBy = blockedBy(state, last)

	return st, nil
}

// blockedBy cites the condition that kept the pair from a promotion.
func blockedBy(state *readiness.State, last *registry.RetrainingEvent) string {
	if state == nil {
		return "readiness_not_evaluated"
	}

	if !state.Tier.Retrainable() {
		return "readiness_" + string(state.Tier)
	}

	if last == nil {
		return ""
	}

	switch last.Status {
	case registry.EventGatedHold, registry.EventGatedReject:
		return last.Reason
	case registry.EventFailed:
		return "training_failed"
	default:
		return ""
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}

	return in
}
