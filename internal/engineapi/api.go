// Package engineapi exposes the triage engine over HTTP.
package engineapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sift/internal/engine"
	"github.com/linnemanlabs/sift/internal/item"
)

// TriageService defines the business operations engineapi needs.
type TriageService interface {
	TriggerRun(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error)
	Status(ctx context.Context) (*engine.StatusReport, error)
	GetRun(ctx context.Context, id string) (*engine.RunLog, bool, error)
	ListRuns(ctx context.Context, limit int) ([]engine.RunLog, error)
	Ingest(ctx context.Context, it *item.Item) error
	UpdateConfig(ctx context.Context, patch *engine.ConfigPatch) (*engine.RunConfig, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	admin  func(http.Handler) http.Handler
}

// New creates a new API handler. admin guards mutating administrative
// routes; nil means unguarded (dev only).
func New(logger log.Logger, svc TriageService, admin func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}
	return &API{
		logger: logger,
		svc:    svc,
		admin:  admin,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/items", a.handleIngestItem)
		r.Get("/status", a.handleStatus)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Group(func(r chi.Router) {
			r.Use(a.admin)
			r.Post("/runs", a.handleTriggerRun)
			r.Patch("/config", a.handleUpdateConfig)
		})
	})
}

type ingestRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Department  string `json:"department"`
	Submitter   string `json:"submitter"`
}

func (a *API) handleIngestItem(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Description == "" && req.Title == "" {
		http.Error(w, `{"error":"title or description required"}`, http.StatusBadRequest)
		return
	}

	it := &item.Item{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Department:  req.Department,
		Submitter:   req.Submitter,
	}
	if err := a.svc.Ingest(r.Context(), it); err != nil {
		a.logger.Error(r.Context(), err, "failed to ingest item")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.item.id", it.ID))

	writeJSON(w, http.StatusAccepted, map[string]any{"id": it.ID})
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var opts engine.RunOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
			return
		}
	}

	result, err := a.svc.TriggerRun(r.Context(), opts)
	if err != nil {
		var sf *engine.SoftFailure
		if errors.As(err, &sf) {
			a.writeSoftFailure(w, sf)
			return
		}
		a.logger.Error(r.Context(), err, "run trigger failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.run.id", result.RunID))

	writeJSON(w, http.StatusOK, result)
}

// writeSoftFailure maps precondition refusals to stable HTTP responses. An
// empty selection is success-with-empty-result, not an error.
func (a *API) writeSoftFailure(w http.ResponseWriter, sf *engine.SoftFailure) {
	switch sf.Code {
	case engine.FailNoItems:
		writeJSON(w, http.StatusOK, &engine.RunResult{Success: true})
	case engine.FailAlreadyRunning:
		writeJSON(w, http.StatusConflict, map[string]any{"code": sf.Code, "error": sf.Detail})
	case engine.FailDisabled:
		writeJSON(w, http.StatusForbidden, map[string]any{"code": sf.Code, "error": sf.Detail})
	case engine.FailConfigNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"code": sf.Code, "error": sf.Detail})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": sf.Code, "error": sf.Detail})
	}
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.run.id", id))

	run, ok, err := a.svc.GetRun(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get run", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

const defaultRunListLimit = 20

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.svc.ListRuns(r.Context(), defaultRunListLimit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list runs")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.Status(r.Context())
	if err != nil {
		var sf *engine.SoftFailure
		if errors.As(err, &sf) {
			a.writeSoftFailure(w, sf)
			return
		}
		a.logger.Error(r.Context(), err, "failed to build status")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch engine.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	cfg, err := a.svc.UpdateConfig(r.Context(), &patch)
	if err != nil {
		var sf *engine.SoftFailure
		if errors.As(err, &sf) {
			a.writeSoftFailure(w, sf)
			return
		}
		a.logger.Error(r.Context(), err, "config update rejected")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with encode errors here
	_ = json.NewEncoder(w).Encode(v)
}
