package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/factstore/internal/engine"
	"github.com/hyperengineering/factstore/internal/redirect"
	"github.com/hyperengineering/factstore/internal/snapshot"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/hyperengineering/factstore/internal/validation"
)

const (
	// DefaultJobsLimit is the page size of GET /jobs without a limit.
	DefaultJobsLimit = 100

	// MaxListLimit caps the limit query parameter.
	MaxListLimit = 1000
)

// Handler implements the API handlers
type Handler struct {
	engine        *engine.Engine
	apiKey        string
	version       string
	deleteLimiter *DeleteRateLimiter
	snapshots     SnapshotSource
	uploader      snapshot.Uploader
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithDeleteLimit replaces the default limiter of destructive endpoints.
func WithDeleteLimit(burst int, refill time.Duration) HandlerOption {
	return func(h *Handler) { h.deleteLimiter = NewDeleteRateLimiter(burst, refill) }
}

// NewHandler creates a Handler serving e.
func NewHandler(e *engine.Engine, apiKey, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine:  e,
		apiKey:  apiKey,
		version: version,
		// 100 destructive requests at once, then 10 per second
		deleteLimiter: NewDeleteRateLimiter(100, 100*time.Millisecond),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter. Missing values
// yield def.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	n, err := queryInt(r, "limit", int64(def))
	if err != nil {
		return 0, err
	}
	if n == 0 || n > MaxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", MaxListLimit)
	}
	return int(n), nil
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	entities, pending, err := h.engine.Counts(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	version, err := h.engine.SchemaVersion(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		EntityCount:   entities,
		PendingJobs:   pending,
		SchemaVersion: version,
	})
}

// UpdateSubject handles PUT /api/v1/subjects
func (h *Handler) UpdateSubject(w http.ResponseWriter, r *http.Request) {
	var facts types.FactSet
	if !decodeJSON(w, r, &facts) {
		return
	}
	res, err := h.engine.UpdateData(r.Context(), &facts)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DiffSubject handles POST /api/v1/subjects/diff
func (h *Handler) DiffSubject(w http.ResponseWriter, r *http.Request) {
	var facts types.FactSet
	if !decodeJSON(w, r, &facts) {
		return
	}
	d, err := h.engine.Preview(r.Context(), &facts)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetSubject handles GET /api/v1/subjects?title=...&namespace=...
func (h *Handler) GetSubject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns, err := queryInt(r, "namespace", 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject := types.Subject{
		Title:     types.NormalizeTitle(q.Get("title")),
		Namespace: int(ns),
		Interwiki: q.Get("interwiki"),
	}
	if errs := validation.ValidateSubject("subject", subject); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Subject contains invalid fields", errs)
		return
	}

	facts, err := h.engine.Facts(r.Context(), subject)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

// DeleteSubject handles POST /api/v1/subjects/delete
func (h *Handler) DeleteSubject(w http.ResponseWriter, r *http.Request) {
	var req types.DeleteSubjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validation.ValidateSubject("subject", req.Subject); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Subject contains invalid fields", errs)
		return
	}
	if err := h.engine.DeleteSubject(r.Context(), req.Subject); err != nil {
		MapEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEntity handles GET /api/v1/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := MustEntityIDFromContext(r.Context())
	e, err := h.engine.Entity(r.Context(), id)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EntityResponse{
		ID:       e.ID,
		Subject:  e.Page(),
		SortKey:  e.SortKey,
		Marker:   e.Marker(),
		Revision: e.Revision,
		Touched:  e.Touched,
	})
}

// GetReferences handles GET /api/v1/entities/{id}/references
func (h *Handler) GetReferences(w http.ResponseWriter, r *http.Request) {
	id := MustEntityIDFromContext(r.Context())
	ref, found, err := h.engine.ReferenceOf(r.Context(), id)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ReferenceResponse{
		ID:         id,
		Referenced: found,
		Table:      ref.Table,
		Column:     ref.Column,
	})
}

// DisposeEntity handles POST /api/v1/entities/{id}/dispose. An identifier
// that is still referenced is left alone and the first reference is
// reported.
func (h *Handler) DisposeEntity(w http.ResponseWriter, r *http.Request) {
	id := MustEntityIDFromContext(r.Context())
	if _, err := h.engine.Entity(r.Context(), id); err != nil {
		MapEngineError(w, r, err)
		return
	}
	disposed, err := h.engine.Dispose(r.Context(), id)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	resp := types.DisposeResponse{ID: id, Disposed: disposed}
	if !disposed {
		ref, found, err := h.engine.ReferenceOf(r.Context(), id)
		if err != nil {
			MapEngineError(w, r, err)
			return
		}
		if found {
			resp.Table = ref.Table
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PurgeEntity handles POST /api/v1/entities/{id}/purge
func (h *Handler) PurgeEntity(w http.ResponseWriter, r *http.Request) {
	id := MustEntityIDFromContext(r.Context())
	if err := h.engine.ForceCleanup(r.Context(), id); err != nil {
		MapEngineError(w, r, err)
		return
	}
	slog.Info("entity purged",
		"component", "api",
		"action", "purge",
		"id", id,
		"request_id", GetRequestID(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateRedirect handles PUT /api/v1/redirects
func (h *Handler) UpdateRedirect(w http.ResponseWriter, r *http.Request) {
	var req types.RedirectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	errs := validation.ValidateSubject("source", req.Source)
	if req.Target != nil {
		errs = append(errs, validation.ValidateSubject("target", *req.Target)...)
	}
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Redirect contains invalid fields", errs)
		return
	}

	id, err := h.engine.UpdateRedirect(r.Context(), req.Source, req.Target)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RedirectResponse{ID: id})
}

// MoveSubject handles POST /api/v1/moves
func (h *Handler) MoveSubject(w http.ResponseWriter, r *http.Request) {
	var req types.MoveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	errs := append(validation.ValidateSubject("source", req.Source), validation.ValidateSubject("target", req.Target)...)
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Move contains invalid fields", errs)
		return
	}

	opts := redirect.MoveOptions{LeaveRedirect: req.LeaveRedirect, ForceUpdateJobs: req.ForceUpdateJobs}
	if err := h.engine.MoveIdentity(r.Context(), req.Source, req.Target, opts); err != nil {
		MapEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/v1/stats. With verify=true every counter is
// checked against a table scan.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	verify, _ := strconv.ParseBool(r.URL.Query().Get("verify"))
	usage, err := h.engine.PropertyStatistics(r.Context(), verify)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	if usage == nil {
		usage = []types.PropertyUsage{}
	}
	writeJSON(w, http.StatusOK, usage)
}

// ListJobs handles GET /api/v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, DefaultJobsLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := h.engine.Jobs(r.Context(), limit)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []types.UpdateJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// TakeJobs handles POST /api/v1/jobs/take
func (h *Handler) TakeJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, DefaultJobsLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := h.engine.TakeJobs(r.Context(), limit)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []types.UpdateJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// ClearJobs handles DELETE /api/v1/jobs
func (h *Handler) ClearJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ClearJobs(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ClearJobsResponse{Cleared: n})
}

// DisposeMarked handles POST /api/v1/disposals?after_id=...&limit=...
func (h *Handler) DisposeMarked(w http.ResponseWriter, r *http.Request) {
	afterID, err := queryInt(r, "after_id", 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryLimit(r, DefaultJobsLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pass, err := h.engine.DisposeMarked(r.Context(), afterID, limit)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DisposalPassResponse{
		LastID:   pass.LastID,
		Scanned:  pass.Scanned,
		Disposed: pass.Disposed,
	})
}
