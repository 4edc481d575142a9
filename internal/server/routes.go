package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/models"
	"github.com/bobmcallan/loraforge/internal/services/coordinator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// registerRoutes sets up all HTTP and WebSocket routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)

	mux.HandleFunc("/jobs/", s.routeJobByID)
	mux.HandleFunc("/jobs", s.handleJobs)

	mux.HandleFunc("/recommendations", s.handleRecommendations)

	mux.HandleFunc("/ws/progress", s.handleWSProgress)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	_, storeErr := s.app.Storage.JobStore().List(r.Context(), models.JobFilter{}, 1, "")
	brokerHealthy := true // no broker wired: in-process dispatch is always "healthy"

	status := "ok"
	code := http.StatusOK
	if storeErr != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]any{
		"status":         status,
		"job_store":      storeErr == nil,
		"broker_healthy": brokerHealthy,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleJobs handles POST /jobs and GET /jobs?status=&limit=&cursor=.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

type adapterSelectionDTO struct {
	AdapterID      string   `json:"adapter_id"`
	WeightOverride *float64 `json:"weight_override,omitempty"`
}

type generateRequestDTO struct {
	Prefix         string                  `json:"prefix"`
	Suffix         string                  `json:"suffix"`
	NegativePrompt string                  `json:"negative_prompt"`
	Params         models.GenerationParams `json:"params"`
	Mode           models.GenerationMode   `json:"mode"`
	LoraSelection  *[]adapterSelectionDTO  `json:"lora_selection,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var dto generateRequestDTO
	if !DecodeJSON(w, r, &dto) {
		return
	}

	req := coordinator.GenerateRequest{
		Prefix:         dto.Prefix,
		Suffix:         dto.Suffix,
		NegativePrompt: dto.NegativePrompt,
		Params:         dto.Params,
		Mode:           dto.Mode,
	}
	if dto.LoraSelection != nil {
		sel := make([]coordinator.AdapterSelection, 0, len(*dto.LoraSelection))
		for _, a := range *dto.LoraSelection {
			sel = append(sel, coordinator.AdapterSelection{AdapterID: a.AdapterID, WeightOverride: a.WeightOverride})
		}
		req.LoraSelection = sel
	}

	job, err := s.app.Coordinator.Generate(r.Context(), req)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.JobFilter{Status: models.CanonicalStatus(q.Get("status"))}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	page, err := s.app.Storage.JobStore().List(r.Context(), filter, limit, q.Get("cursor"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

// routeJobByID dispatches /jobs/{id} and /jobs/{id}/cancel.
func (s *Server) routeJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if rest == "" {
		WriteError(w, http.StatusNotFound, "job id required")
		return
	}

	if strings.HasSuffix(rest, "/cancel") {
		id := strings.TrimSuffix(rest, "/cancel")
		s.handleCancelJob(w, r, id)
		return
	}

	if strings.Contains(rest, "/") {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	s.handleGetJob(w, r, rest)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.app.Storage.JobStore().Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := s.app.Storage.JobStore().Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if job.Status.IsTerminal() {
		WriteErrorWithCode(w, http.StatusConflict, "job already in a terminal state", string(apperr.KindCanceled))
		return
	}

	if job.Status == models.StatusQueued {
		canceled := models.StatusCanceled
		finished := time.Now()
		result := &models.JobResult{ErrorKind: string(apperr.KindCanceled)}
		updated, err := s.app.Storage.JobStore().Update(r.Context(), id, models.JobPatch{Status: &canceled, FinishedAt: &finished, Result: result, BumpSequence: true})
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		s.app.Hub.Publish(models.StatusEvent{Type: "status", JobID: id, Sequence: updated.LastSequence, Status: canceled, Message: "canceled while queued", Timestamp: time.Now()})
		WriteJSON(w, http.StatusAccepted, updated)
		return
	}

	s.app.Worker.RequestCancel(id)
	WriteJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	kind := models.RecommendationKind(q.Get("kind"))
	if kind != models.RecommendationSimilar && kind != models.RecommendationForPrompt {
		WriteErrorWithCode(w, http.StatusBadRequest, "kind must be 'similar' or 'for_prompt'", string(apperr.KindInvalidParameters))
		return
	}

	k := 10
	if raw := q.Get("k"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			k = v
		}
	}

	req := models.RecommendationRequest{
		Kind:       kind,
		TargetID:   q.Get("target_id"),
		PromptHash: strings.ToLower(q.Get("prompt_hash")),
		K:          k,
	}

	wantRationale := q.Get("rationale") == "true"

	var result models.RecommendationResult
	var err error
	if wantRationale && s.app.Rationale != nil {
		result, err = s.app.Cache.GetOrBuildWithRationale(r.Context(), req, s.app.Similarity.Compute, s.app.Rationale, req.PromptHash, s.app.AdapterName)
	} else {
		result, err = s.app.Cache.GetOrBuild(r.Context(), req, s.app.Similarity.Compute)
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleWSProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	s.app.Hub.ServeWS(w, r, jobID)
}

// writeAppError maps an apperr.AppError to its HTTP status and writes
// the JSON error body; anything else is treated as an opaque 500.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	kind, ok := apperr.Of(err)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	WriteErrorWithCode(w, apperr.StatusCode(kind), err.Error(), string(kind))
}
