package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/itskum47/hostforge/hostd/components"
	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/coordination"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRequestBody = 1 << 20

// Pinger is the store liveness check behind /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LeaseReporter exposes a lease snapshot for /health.
type LeaseReporter interface {
	State() coordination.LeaseState
}

// APIDeps are the collaborators the HTTP API serves from.
type APIDeps struct {
	Store  Pinger
	Queue  *scheduler.Queue
	Sink   *messages.Sink
	Caller scheduler.Caller
	Hub    *MessageHub
	Leases []LeaseReporter
}

type API struct {
	APIDeps
	logger *zap.Logger

	// Storm protection for mutating endpoints.
	taskLimiter   *rate.Limiter
	policyLimiter *rate.Limiter
}

func NewAPI(deps APIDeps, cfg config.APIConfig, logger *zap.Logger) *API {
	return &API{
		APIDeps:       deps,
		logger:        logger.Named("api"),
		taskLimiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		policyLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
}

// Routes returns the API handler.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /tasks", a.handleSubmitTask)
	mux.HandleFunc("GET /messages/{id}", a.handleGetMessage)
	mux.HandleFunc("GET /services", a.handleListServices)
	mux.HandleFunc("PUT /services/{id}/policy", a.handleUpdatePolicy)
	mux.HandleFunc("GET /ws/messages", a.handleMessageStream)
	return withRequestLogging(a.logger, mux)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.RateLimitRejections.WithLabelValues(endpoint).Inc()
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

type healthReport struct {
	Status string                    `json:"status"`
	Store  string                    `json:"store"`
	Leases []coordination.LeaseState `json:"leases"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Store: "available", Leases: []coordination.LeaseState{}}
	for _, l := range a.Leases {
		report.Leases = append(report.Leases, l.State())
	}

	// A guard that already tripped stays unavailable until the daemon restarts.
	if g, ok := a.Store.(interface{ IsAvailable() bool }); ok && !g.IsAvailable() {
		report.Status, report.Store = "unavailable", "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		report.Status, report.Store = "unavailable", "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// submitRequest is a task plus optional scheduling. A task with neither at nor
// every is queued immediately.
type submitRequest struct {
	scheduler.Task
	At    *time.Time `json:"at,omitempty"`
	Every string     `json:"every,omitempty"`
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if !a.taskLimiter.Allow() {
		writeRateLimitError(w, "tasks")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var every time.Duration
	if req.Every != "" {
		d, err := time.ParseDuration(req.Every)
		if err != nil || d < time.Second {
			http.Error(w, "every must be a duration of at least 1s", http.StatusBadRequest)
			return
		}
		every = d
	}
	if err := a.Queue.Validate(&req.Task); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		id  string
		err error
	)
	if req.At == nil && every == 0 {
		id, err = a.Queue.Submit(r.Context(), req.Task)
	} else {
		at := time.Now()
		if req.At != nil {
			at = *req.At
		}
		id, err = a.Queue.Schedule(r.Context(), req.Task, at, every)
	}
	if err != nil {
		a.logger.Error("failed to queue task", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok, err := a.Sink.Get(r.Context(), id)
	if err != nil {
		a.logger.Error("failed to read message", zap.String("message_id", id), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	out, err := a.Caller.Call(r.Context(), components.NameSecurity, "list", nil)
	if err != nil {
		a.logger.Error("failed to list services", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if !a.policyLimiter.Allow() {
		writeRateLimitError(w, "policy")
		return
	}

	var req struct {
		Policy json.RawMessage `json:"policy"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	// Accepts 0/1/2 or "blocked"/"local"/"all".
	policy, err := inventory.ParsePolicy(strings.Trim(string(req.Policy), `"`))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	out, err := a.Caller.Call(r.Context(), components.NameSecurity, "update_policy", map[string]interface{}{
		"id":     id,
		"policy": policy.String(),
	})
	switch {
	case errors.Is(err, services.ErrUnknownService):
		http.Error(w, "Service not found", http.StatusNotFound)
	case err != nil:
		a.logger.Error("failed to update policy", zap.String("service_id", id), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}
