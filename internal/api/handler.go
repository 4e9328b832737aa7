package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/authority"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
)

// WorkspaceResolver lists the channels a role may open. *channel.Resolver satisfies it.
type WorkspaceResolver interface {
	ResolveWorkspace(ctx context.Context, appID, poolID, roleID int64, useCache bool) ([]channel.Channel, error)
}

// Handler serves the authority endpoints and guards upstream traffic.
type Handler struct {
	engine    *authority.Engine
	workspace WorkspaceResolver
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a handler. workspace may be nil to disable the workspace endpoint.
func NewHandler(engine *authority.Engine, workspace WorkspaceResolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    engine,
		workspace: workspace,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes registers the authority API. Routes expect SessionMiddleware upstream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/authority", func(r chi.Router) {
		r.Get("/decide", h.Decide)
		r.Get("/workspace", h.Workspace)
	})
}

// Protect runs the engine for every request and forwards only allowed ones to next.
func (h *Handler) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, sess, ok := SessionFrom(r.Context())
		if !ok {
			sess = session.NewValues()
		}
		v := h.engine.Handle(r.Context(), NewRequest(r, id), sess)
		if v.Allowed() {
			next.ServeHTTP(w, r)
			return
		}
		WriteVerdict(w, r, v, h.logger)
	})
}

// Decide handles GET /v1/authority/decide, the forward-auth hook. The
// request being authorized is described by the X-Forwarded-* headers.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := SessionFrom(r.Context())
	if !ok {
		sess = session.NewValues()
	}
	v := h.engine.Handle(r.Context(), NewForwardedRequest(r, id), sess)
	if v.Allowed() {
		setIdentityHeaders(w, sess, h.now())
	}
	WriteVerdict(w, r, v, h.logger)
}

// Workspace handles GET /v1/authority/workspace for the session's union role.
func (h *Handler) Workspace(w http.ResponseWriter, r *http.Request) {
	if h.workspace == nil {
		WriteError(w, r, http.StatusNotFound, "workspace lookup is not enabled", ErrCodeInvalidChannel, h.logger)
		return
	}
	_, sess, ok := SessionFrom(r.Context())
	cfg := h.engine.Config()
	if !ok || !session.IsUnion(sess, cfg.PoolID, h.now()) {
		WriteError(w, r, http.StatusUnauthorized, "union authorization required", ErrCodeUnionRequired, h.logger)
		return
	}

	useCache := !cfg.Debug
	if q := r.URL.Query(); q.Has("cache") {
		useCache = q.Get("cache") != "0"
	}
	roleID := session.Int64(sess, "union.roleid", 0)
	channels, err := h.workspace.ResolveWorkspace(r.Context(), cfg.AppID, cfg.PoolID, roleID, useCache)
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrNotFound):
		channels = []channel.Channel{}
	default:
		h.logger.Error("workspace lookup failed", zap.Int64("role_id", roleID), zap.Error(err))
		WriteError(w, r, http.StatusInternalServerError, err.Error(), ErrCodeInternalError, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":   http.StatusOK,
		"status": "OK",
		"data":   channels,
	}, h.logger)
}

func setIdentityHeaders(w http.ResponseWriter, sess session.Session, now time.Time) {
	if !session.IsLogin(sess, now) {
		return
	}
	if uid := session.Int64(sess, session.FieldUID, 0); uid != 0 {
		w.Header().Set("X-Auth-Uid", strconv.FormatInt(uid, 10))
	}
	if uuid := session.String(sess, session.FieldUUID, ""); uuid != "" {
		w.Header().Set("X-Auth-Uuid", uuid)
	}
	if role := session.Int64(sess, "union.roleid", 0); role != 0 {
		w.Header().Set("X-Auth-Role", strconv.FormatInt(role, 10))
	}
}
