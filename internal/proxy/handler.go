package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/internal/admission"
	"github.com/vnmchuo/llm-costgate/internal/estimator"
	"github.com/vnmchuo/llm-costgate/internal/gateway"
	"github.com/vnmchuo/llm-costgate/internal/routing"
	"github.com/vnmchuo/llm-costgate/internal/tenancy"
	"github.com/vnmchuo/llm-costgate/pkg/ratelimit"
)

type Gateway interface {
	CanAdmit(ctx context.Context, scope, text, backendID string) (admission.Decision, error)
	RouteAndExecute(ctx context.Context, scope string, task routing.Task) (*routing.Result, error)
	GetUsageSummary(ctx context.Context, scope string) (*gateway.Summary, error)
	GetHistory(ctx context.Context, scope string, from, to time.Time) (*gateway.HistoryPage, error)
}

type ScopeLookup interface {
	Scope(ctx context.Context, id string) (*tenancy.Scope, error)
}

type Handler struct {
	gw      Gateway
	scopes  ScopeLookup
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewHandler wires the HTTP surface. limiter may be nil to disable the burst
// throttle.
func NewHandler(gw Gateway, scopes ScopeLookup, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gw:      gw,
		scopes:  scopes,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
	}
}

type admissionRequest struct {
	Scope     string `json:"scope,omitempty"`
	Text      string `json:"text"`
	BackendID string `json:"backend_id"`
}

func (h *Handler) HandleAdmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope != "" && req.Scope != scope {
		writeError(w, http.StatusBadRequest, "scope in body does not match "+tenancy.ScopeHeader)
		return
	}
	if req.BackendID == "" {
		writeError(w, http.StatusBadRequest, "backend_id is required")
		return
	}

	d, err := h.gw.CanAdmit(ctx, scope, req.Text, req.BackendID)
	if err != nil {
		h.logger.Error("admission check failed", zap.String("scope", scope), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "admission unavailable")
		return
	}

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, d)
}

func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var task routing.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if task.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	task.RequestID = tenancy.GetRequestID(ctx)

	ctx, span := h.tracer.Start(ctx, "proxy.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", scope),
		attribute.String("request_id", task.RequestID),
		attribute.String("category", task.Category),
	)

	if !h.throttle(ctx, w, scope, task) {
		return
	}

	res, err := h.gw.RouteAndExecute(ctx, scope, task)
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrAllFallbacksExhausted), errors.Is(err, routing.ErrBackendFailure):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, context.Canceled):
			writeError(w, http.StatusServiceUnavailable, "request canceled")
		default:
			h.logger.Error("route failed", zap.String("scope", scope), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "routing unavailable")
		}
		return
	}

	status := http.StatusOK
	if !res.Admitted {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

// throttle applies the per-scope tokens-per-minute limit. The token charge
// is a cheap word count plus the requested output budget.
func (h *Handler) throttle(ctx context.Context, w http.ResponseWriter, scope string, task routing.Task) bool {
	if h.limiter == nil {
		return true
	}
	var scopeTPM int64
	if s, err := h.scopes.Scope(ctx, scope); err == nil {
		scopeTPM = s.RateLimit
	}

	tokens := int(estimator.WhitespaceCount(task.Text+" "+task.System)) + task.MaxOutputTokens
	if tokens <= 0 {
		tokens = 1
	}

	allowed, err := h.limiter.Allow(ctx, scope, scopeTPM, tokens)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return false
	}
	return true
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	sum, err := h.gw.GetUsageSummary(ctx, scope)
	if err != nil {
		h.logger.Error("usage summary failed", zap.String("scope", scope), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	// Parse query parameters
	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	page, err := h.gw.GetHistory(ctx, scope, from, to)
	if err != nil {
		if errors.Is(err, gateway.ErrHistoryUnavailable) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func requireScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope := tenancy.GetScopeID(r.Context())
	if scope == "" {
		writeError(w, http.StatusBadRequest, "missing scope")
		return "", false
	}
	return scope, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
