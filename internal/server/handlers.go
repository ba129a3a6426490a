package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/stepglass-ai/stepglass/internal/model"
	"github.com/stepglass-ai/stepglass/internal/service/query"
	"github.com/stepglass-ai/stepglass/internal/store"
)

var ingestMeter = otel.GetMeterProvider().Meter("stepglass/ingest")

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               store.Store
	querySvc            *query.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               store.Store
	QuerySvc            *query.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		querySvc:            d.QuerySvc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleIngest handles POST /v1/ingest.
// The batch must be a JSON object with an events array; that is the only
// shape requirement. Individual malformed events are applied best effort and
// never fail the batch.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req model.IngestRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"request body must be a JSON object with an events array")
		return
	}
	if req.Events == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events array is required")
		return
	}

	processed, err := h.store.Ingest(r.Context(), req.Events)
	if err != nil {
		h.writeInternalError(w, r, "ingest failed", err)
		return
	}

	if counter, merr := ingestMeter.Int64Counter("ingest.events_processed"); merr == nil {
		counter.Add(r.Context(), int64(processed),
			otelmetric.WithAttributes(attribute.String("store", h.store.Name())))
	}

	writeJSON(w, r, http.StatusOK, model.IngestResponse{Accepted: true, Processed: processed})
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	resp, err := h.querySvc.ListRuns(r.Context(), query.ListRunsParams{
		Pipeline:  r.URL.Query().Get("pipeline"),
		Status:    r.URL.Query().Get("status"),
		StartTime: queryTime(r, "start_time"),
		EndTime:   queryTime(r, "end_time"),
		MinSteps:  queryIntPtr(r, "min_steps"),
		MaxSteps:  queryIntPtr(r, "max_steps"),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		h.writeInternalError(w, r, "list runs failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id is required")
		return
	}

	run, err := h.querySvc.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found: "+runID)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "get run failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListSteps handles GET /v1/steps.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	resp, err := h.querySvc.ListSteps(r.Context(), query.ListStepsParams{
		RunID:    r.URL.Query().Get("run_id"),
		Name:     r.URL.Query().Get("name"),
		Type:     r.URL.Query().Get("type"),
		Pipeline: r.URL.Query().Get("pipeline"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		h.writeInternalError(w, r, "list steps failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleFilterEliminations handles GET /v1/queries/filter-eliminations.
func (h *Handlers) HandleFilterEliminations(w http.ResponseWriter, r *http.Request) {
	resp, err := h.querySvc.FilterEliminations(r.Context(),
		queryFloat(r, "threshold", 0),
		r.URL.Query().Get("pipeline"),
	)
	if err != nil {
		h.writeInternalError(w, r, "filter eliminations failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListPipelines handles GET /v1/pipelines.
func (h *Handlers) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.querySvc.ListPipelines(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list pipelines failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.PipelinesResponse{Pipelines: pipelines})
}

// HandlePipelineStats handles GET /v1/pipelines/{pipeline}/stats.
func (h *Handlers) HandlePipelineStats(w http.ResponseWriter, r *http.Request) {
	pipeline := r.PathValue("pipeline")
	if pipeline == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "pipeline is required")
		return
	}

	resp, err := h.querySvc.PipelineStats(r.Context(), pipeline)
	if err != nil {
		h.writeInternalError(w, r, "pipeline stats failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.store.Name(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
