package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/edrs/internal/bus"
	"github.com/opensource-finance/edrs/internal/cache"
	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/export"
	"github.com/opensource-finance/edrs/internal/ingest"
	"github.com/opensource-finance/edrs/internal/metrics"
	"github.com/opensource-finance/edrs/internal/pipeline"
	"github.com/opensource-finance/edrs/internal/priority"
	"github.com/opensource-finance/edrs/internal/repository"
	"github.com/opensource-finance/edrs/internal/rules"
)

const (
	latestRun       = "latest"
	defaultRunLimit = 50
	maxScorecardLen = 1 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var errRepoUnavailable = errors.New("repository not available")

// Deps are the components the handlers work with. Only Service is
// required; without a Repository runs are scored but not kept.
type Deps struct {
	Service    *pipeline.Service
	Repository domain.Repository
	Cache      domain.Cache
	Runs       *cache.Runs
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	Version     string
	Async       bool
	DefaultTopN int
	MaxUploadMB int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	service *pipeline.Service
	repo    domain.Repository
	cache   domain.Cache
	runs    *cache.Runs
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger

	version     string
	async       bool
	defaultTopN int
	maxUpload   int64
	pages       *pages
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := int64(deps.MaxUploadMB) << 20
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &Handler{
		service:     deps.Service,
		repo:        deps.Repository,
		cache:       deps.Cache,
		runs:        deps.Runs,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		logger:      logger,
		version:     deps.Version,
		async:       deps.Async && deps.Repository != nil && deps.Bus != nil,
		defaultTopN: deps.DefaultTopN,
		maxUpload:   maxUpload,
		pages:       newPages(),
	}
}

// RunResponse describes a scoring run. Table and Failures are only filled
// where the endpoint returns them.
type RunResponse struct {
	ID               string                 `json:"id"`
	DatasetID        string                 `json:"datasetId,omitempty"`
	ScorecardVersion string                 `json:"scorecardVersion"`
	Status           string                 `json:"status"`
	Error            string                 `json:"error,omitempty"`
	HasLabel         bool                   `json:"hasLabel"`
	Scored           int                    `json:"scored"`
	Failed           int                    `json:"failed"`
	Summary          []domain.BucketSummary `json:"summary,omitempty"`
	Table            []domain.ScoredRecord  `json:"table,omitempty"`
	Failures         []domain.RecordFailure `json:"failures,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	DurationMs       int64                  `json:"durationMs"`
}

func newRunResponse(run *domain.ScoringRun) RunResponse {
	return RunResponse{
		ID:               run.ID,
		DatasetID:        run.DatasetID,
		ScorecardVersion: run.ScorecardVersion,
		Status:           run.Status,
		Error:            run.Error,
		HasLabel:         run.HasLabel,
		Scored:           run.Scored,
		Failed:           run.Failed,
		Summary:          run.Summary,
		CreatedAt:        run.CreatedAt,
		DurationMs:       run.DurationMs,
	}
}

// UploadResponse is the response for POST /datasets.
type UploadResponse struct {
	DatasetID string       `json:"datasetId"`
	RunID     string       `json:"runId"`
	Status    string       `json:"status"`
	Run       *RunResponse `json:"run,omitempty"`
}

// UploadDataset handles POST /datasets. The file is sent either as the
// multipart field "file" or as the raw body with ?name= and ?format=.
func (h *Handler) UploadDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	ds, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, status, err := h.acceptDataset(ctx, tenantID, ds)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

// acceptDataset stores an upload, which becomes the tenant's latest
// dataset, and scores it inline or hands it to the worker.
func (h *Handler) acceptDataset(ctx context.Context, tenantID string, ds *domain.Dataset) (*UploadResponse, int, error) {
	ds.TenantID = tenantID
	if h.repo != nil {
		if err := h.repo.SaveDataset(ctx, tenantID, ds); err != nil {
			return nil, 0, fmt.Errorf("failed to save dataset: %w", err)
		}
	}

	if h.async {
		event := domain.DatasetUploaded{DatasetID: ds.ID, RunID: uuid.New().String()}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicDatasetUploaded, event); err != nil {
			return nil, 0, err
		}
		h.logger.Info("dataset queued",
			"tenant_id", tenantID,
			"dataset_id", ds.ID,
			"run_id", event.RunID,
		)
		return &UploadResponse{DatasetID: ds.ID, RunID: event.RunID, Status: domain.RunPending}, http.StatusAccepted, nil
	}

	run, err := h.service.ScoreDataset(ctx, ds)
	if err != nil {
		return nil, 0, err
	}
	if err := h.keep(ctx, run); err != nil {
		return nil, 0, err
	}
	resp := newRunResponse(run)
	resp.Failures = run.Failures
	return &UploadResponse{DatasetID: ds.ID, RunID: run.ID, Status: run.Status, Run: &resp}, http.StatusCreated, nil
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*domain.Dataset, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	name := r.URL.Query().Get("name")
	var data []byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: multipart field \"file\": %v", repository.ErrInvalidInput, err)
		}
		defer file.Close()
		if name == "" {
			name = header.Filename
		}
		if data, err = io.ReadAll(file); err != nil {
			return nil, err
		}
	} else {
		var err error
		if data, err = io.ReadAll(r.Body); err != nil {
			return nil, err
		}
	}

	var (
		format ingest.Format
		err    error
	)
	if f := r.URL.Query().Get("format"); f != "" {
		format, err = ingest.ParseFormat(f)
	} else {
		format, err = ingest.DetectFormat(name)
	}
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "upload." + string(format)
	}
	return &domain.Dataset{
		ID:      uuid.New().String(),
		Name:    name,
		Format:  string(format),
		Content: data,
	}, nil
}

// ScoreRequest is the request body for POST /score.
type ScoreRequest struct {
	Accounts []domain.Account `json:"accounts"`
}

// Score handles POST /score with accounts given as JSON.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	hasLabel := false
	for _, acc := range req.Accounts {
		if acc.Defaulted != nil {
			hasLabel = true
			break
		}
	}

	run, err := h.service.Score(ctx, pipeline.Batch{
		TenantID: tenantID,
		Accounts: req.Accounts,
		HasLabel: hasLabel,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.keep(ctx, run); err != nil {
		h.writeError(w, err)
		return
	}

	resp := newRunResponse(run)
	resp.Table = run.Table
	resp.Failures = run.Failures
	writeJSON(w, http.StatusOK, resp)
}

// keep stores, caches and announces a completed run.
func (h *Handler) keep(ctx context.Context, run *domain.ScoringRun) error {
	if h.repo != nil {
		if err := h.repo.SaveRun(ctx, run.TenantID, run); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
	}
	if h.runs != nil {
		if err := h.runs.Put(ctx, run); err != nil {
			h.logger.Warn("failed to cache run", "run_id", run.ID, "error", err)
		}
	}
	if h.bus != nil {
		event := domain.RunEvent{
			RunID:     run.ID,
			DatasetID: run.DatasetID,
			Scored:    len(run.Table),
			Failed:    len(run.Failures),
		}
		if err := bus.PublishJSON(ctx, h.bus, run.TenantID, domain.TopicRunCompleted, event); err != nil {
			h.logger.Error("failed to publish run completion", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// loadRun fetches a run by id, or the tenant's latest completed run.
func (h *Handler) loadRun(ctx context.Context, tenantID, runID string) (*domain.ScoringRun, error) {
	if h.repo == nil {
		return nil, errRepoUnavailable
	}
	if runID == latestRun {
		return h.repo.LatestRun(ctx, tenantID)
	}

	if h.runs != nil {
		run, err := h.runs.Get(ctx, tenantID, runID)
		if err != nil {
			h.logger.Warn("run cache read failed", "run_id", runID, "error", err)
		}
		if run != nil {
			return run, nil
		}
	}

	run, err := h.repo.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if h.runs != nil && run.Status == domain.RunCompleted {
		if err := h.runs.Put(ctx, run); err != nil {
			h.logger.Warn("failed to cache run", "run_id", run.ID, "error", err)
		}
	}
	return run, nil
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.repo == nil {
		h.writeError(w, errRepoUnavailable)
		return
	}

	limit := priority.ParseTopN(r.URL.Query().Get("limit"), defaultRunLimit)
	runs, err := h.repo.ListRuns(ctx, GetTenantID(ctx), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]RunResponse, len(runs))
	for i, run := range runs {
		out[i] = newRunResponse(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  out,
		"count": len(out),
	})
}

// GetRun handles GET /runs/{id}. ?bucket= (comma separated) and ?top=
// filter the priority table.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.loadRun(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	q := r.URL.Query()
	resp := newRunResponse(run)
	resp.Table = priority.Filter(run.Table,
		priority.ParseBuckets(q.Get("bucket")),
		priority.ParseTopN(q.Get("top"), h.defaultTopN),
	)
	writeJSON(w, http.StatusOK, resp)
}

// AccountResponse is one scored account with its insight paragraph.
type AccountResponse struct {
	RunID   string              `json:"runId"`
	Record  domain.ScoredRecord `json:"record"`
	Insight string              `json:"insight"`
}

// GetAccount handles GET /runs/{id}/accounts/{accountID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.loadRun(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	accountID := chi.URLParam(r, "accountID")
	rec, ok := priority.Find(run.Table, accountID)
	if !ok {
		for _, f := range run.Failures {
			if f.AccountID == accountID {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error":   "account was not scored",
					"failure": f,
				})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "account not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, AccountResponse{
		RunID:   run.ID,
		Record:  rec,
		Insight: h.service.Insight(run, rec),
	})
}

// GetFailures handles GET /runs/{id}/failures.
func (h *Handler) GetFailures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.loadRun(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	failures := run.Failures
	if failures == nil {
		failures = []domain.RecordFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    run.ID,
		"failures": failures,
		"count":    len(failures),
	})
}

// Export handles GET /runs/{id}/export and streams the xlsx workbook.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.loadRun(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if run.Status != domain.RunCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("run %s is %s", run.ID, run.Status),
		})
		return
	}

	// Rendered fully first so a failure still gets a JSON error.
	var buf bytes.Buffer
	if err := export.Write(&buf, h.service.Report(run)); err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.RecordExport()

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="edrs_priority_%s.xlsx"`, run.ID))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("export write interrupted", "run_id", run.ID, "error", err)
	}
}

// ScorecardResponse is the response for GET /scorecard.
type ScorecardResponse struct {
	Scorecard domain.Scorecard    `json:"scorecard"`
	Flagged   []domain.RiskBucket `json:"flagged"`
}

// GetScorecard returns the active scorecard.
func (h *Handler) GetScorecard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ScorecardResponse{
		Scorecard: h.service.Model().Scorecard(),
		Flagged:   h.service.Flagged(),
	})
}

// PutScorecard replaces the active scorecard with a YAML or JSON document.
// The previous scorecard stays active when the new one is rejected.
func (h *Handler) PutScorecard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScorecardLen))
	if err != nil {
		h.writeError(w, err)
		return
	}
	sc, err := rules.ParseScorecard(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	model, err := h.service.PrepareScorecard(sc)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	if h.repo != nil {
		stored := model.Scorecard()
		stored.CreatedAt = time.Now().UTC()
		if err := h.repo.SaveScorecard(ctx, tenantID, &stored); err != nil {
			h.writeError(w, fmt.Errorf("failed to save scorecard: %w", err))
			return
		}
	}
	h.service.Activate(model)

	writeJSON(w, http.StatusOK, ScorecardResponse{
		Scorecard: model.Scorecard(),
		Flagged:   h.service.Flagged(),
	})
}

// GetNarratives returns the approved narrative catalog.
func (h *Handler) GetNarratives(w http.ResponseWriter, r *http.Request) {
	c := h.service.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  c.Version(),
		"buckets":  c.Buckets(),
		"articles": c.Articles(),
		"passages": c.Passages(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"version":   h.version,
		"scorecard": h.service.Model().Version(),
	})
}

// Ready reports whether the server can serve traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		verr     *domain.ValidationError
		lookup   *domain.LookupError
		ruleErr  *domain.RuleError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrSchema),
		errors.Is(err, ingest.ErrUnsupportedFormat),
		errors.Is(err, repository.ErrInvalidInput),
		errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &lookup), errors.As(err, &ruleErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errRepoUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
