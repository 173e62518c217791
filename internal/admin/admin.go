// internal/admin/admin.go
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/autoscale"
	"github.com/FairForge/hostplane/internal/hosting"
)

// Orchestrator is the read-only surface the admin endpoint exposes.
type Orchestrator interface {
	Topology(ctx context.Context) hosting.Topology
	Status(ctx context.Context, domainID string) (hosting.StatusReport, error)
	ScalingConfig(ctx context.Context, domainID string) (autoscale.ScalingConfig, error)
}

// Pinger checks a dependency for /healthz, such as the record database.
type Pinger func(ctx context.Context) error

// Handler serves health, topology, per-domain status and Prometheus metrics.
type Handler struct {
	orch    Orchestrator
	pingers map[string]Pinger
	logger  *zap.Logger
}

func NewHandler(orch Orchestrator, pingers map[string]Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, pingers: pingers, logger: logger}
}

// RegisterRoutes mounts the admin routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/topology", h.Topology)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/domains/{domainID}", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/scaling", h.Scaling)
	})
}

// Router returns a standalone router with the admin routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health pings every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	for name, ping := range h.pingers {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.pingers))
		}
		if err := ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	h.writeJSON(w, code, resp)
}

type topologyResponse struct {
	hosting.Topology
	SupportsAutoscaling bool `json:"supports_autoscaling"`
}

func (h *Handler) Topology(w http.ResponseWriter, r *http.Request) {
	t := h.orch.Topology(r.Context())
	h.writeJSON(w, http.StatusOK, topologyResponse{
		Topology:            t,
		SupportsAutoscaling: t.Mode == hosting.ModeKubernetes && autoscale.Supported(t.Cloud),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.Status(r.Context(), chi.URLParam(r, "domainID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Scaling(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.orch.ScalingConfig(r.Context(), chi.URLParam(r, "domainID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, hosting.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, hosting.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, hosting.ErrUnsupported):
		code = http.StatusNotImplemented
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}
