package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/infra/logging"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type submissionResponse struct {
	SubmissionID string                 `json:"submissionId"`
	Status       model.SubmissionStatus `json:"status"`
	Stage        model.Stage            `json:"stage,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Result       *model.GradingResult   `json:"result,omitempty"`
}

func toResponse(rec *model.SubmissionRecord) submissionResponse {
	return submissionResponse{
		SubmissionID: rec.Submission.ID,
		Status:       rec.Status,
		Stage:        rec.Stage,
		Reason:       rec.FailureReason,
		Result:       rec.Result,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "submission already exists"})
	case domain.IsKind(err, domain.KindValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: domain.Reason(err), Detail: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "submission not found"})
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, errorBody{Error: "submission already finished"})
	case domain.IsKind(err, domain.KindResourceExhausted):
		w.Header().Set("Retry-After", retryAfterSeconds(domain.RetryAfter(err, 30*time.Second)))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: domain.Reason(err)})
	case domain.IsKind(err, domain.KindTransient):
		w.Header().Set("Retry-After", retryAfterSeconds(domain.RetryAfter(err, 5*time.Second)))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: domain.Reason(err)})
	default:
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// POST /api/v1/submissions[?wait=30s]
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid submission", Detail: err.Error()})
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid wait", Detail: raw})
			return
		}
		wait = min(d, s.opts.MaxSyncWait)
	}

	var (
		rec *model.SubmissionRecord
		err error
	)
	if wait > 0 {
		rec, err = s.uc.SubmitAndWait(r.Context(), sub, wait)
	} else {
		rec, err = s.uc.Submit(r.Context(), sub)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/submissions/"+rec.Submission.ID)
	if rec.Status.Terminal() {
		writeJSON(w, http.StatusOK, toResponse(rec))
		return
	}
	writeJSON(w, http.StatusAccepted, submissionResponse{SubmissionID: rec.Submission.ID, Status: model.StatusQueued})
}

// GET /api/v1/submissions/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.uc.GetResult(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrStillProcessing):
		writeJSON(w, http.StatusAccepted, submissionResponse{SubmissionID: rec.Submission.ID, Status: rec.Status, Stage: rec.Stage})
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, toResponse(rec))
	}
}

// DELETE /api/v1/submissions/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.uc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(rec))
}

// POST /api/v1/admin/session with X-Admin-Key
func (s *Server) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "admin api disabled"})
		return
	}
	if !s.auth.CheckKey(r.Header.Get("X-Admin-Key")) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	token, exp, err := s.auth.Mint(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": exp.UTC()})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.uc.CacheStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DELETE /api/v1/admin/cache[?pattern=...]
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	n, err := s.uc.ClearCache(r.Context(), pattern)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logging.With(r.Context(), s.log).Info().Str("pattern", pattern).Int("removed", n).Msg("admin cache clear")
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.uc.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
