package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BuildMetadata holds build-time information.
type BuildMetadata struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Probe checks one dependency.
type Probe func(ctx context.Context) error

type probe struct {
	name     string
	critical bool
	check    Probe
}

// StatusHandlers serves liveness and readiness endpoints from a probe registry.
type StatusHandlers struct {
	mu           sync.RWMutex
	probes       []probe
	build        BuildMetadata
	logger       *zap.Logger
	probeTimeout time.Duration
	readyTimeout time.Duration
}

// NewStatusHandlers creates status handlers with no probes registered.
func NewStatusHandlers(build BuildMetadata, logger *zap.Logger) *StatusHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandlers{
		build:        build,
		logger:       logger,
		probeTimeout: 2 * time.Second,
		readyTimeout: 5 * time.Second,
	}
}

// Register adds a readiness probe. A failing non-critical probe reports
// "degraded" without failing readiness.
func (h *StatusHandlers) Register(name string, critical bool, check Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, critical: critical, check: check})
}

// HealthResponse represents the health endpoint response.
type HealthResponse struct {
	Status    string         `json:"status"`
	Build     *BuildMetadata `json:"build,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ReadinessResponse represents the readiness endpoint response.
type ReadinessResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Build      *BuildMetadata    `json:"build,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

// Healthz handles GET /v1/status/healthz.
func (h *StatusHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Build:     h.buildMetadata(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, h.logger)
}

// Readyz handles GET /v1/status/readyz.
func (h *StatusHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	h.mu.RLock()
	probes := append([]probe(nil), h.probes...)
	h.mu.RUnlock()
	sort.Slice(probes, func(i, j int) bool { return probes[i].name < probes[j].name })

	components := make(map[string]string, len(probes))
	ready := true
	for _, p := range probes {
		probeCtx, probeCancel := context.WithTimeout(ctx, h.probeTimeout)
		err := p.check(probeCtx)
		probeCancel()
		switch {
		case err == nil:
			components[p.name] = "healthy"
		case p.critical:
			components[p.name] = "unhealthy"
			ready = false
			h.logger.Warn("readiness probe failed", zap.String("component", p.name), zap.Error(err))
		default:
			components[p.name] = "degraded"
			h.logger.Debug("optional readiness probe failed", zap.String("component", p.name), zap.Error(err))
		}
	}

	resp := ReadinessResponse{
		Status:     "ready",
		Components: components,
		Build:      h.buildMetadata(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, h.logger)
}

func (h *StatusHandlers) buildMetadata() *BuildMetadata {
	if h.build.Version == "" {
		return nil
	}
	b := h.build
	return &b
}
