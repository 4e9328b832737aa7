package authority

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/logging"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/sso"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/telemetry"
)

// Decision steps, reported on verdicts and in metrics.
const (
	StepInitialize = "initialize"
	StepExclude    = "exclude"
	StepIdentifier = "identifier"
	StepChannel    = "channel"
	StepPublic     = "public"
	StepLogin      = "login"
	StepDefault    = "default"
	StepUnion      = "union"
	StepAccess     = "access"
)

// Config is the fixed per-application configuration of an engine.
type Config struct {
	AppID  int64
	PoolID int64
	Lang   string
	Debug  bool
	// Expire is how far a successful login pushes the session expiry.
	Expire time.Duration
}

// Engine runs the decision sequence. It keeps no per-request state and is
// safe for concurrent use.
type Engine struct {
	cfg      Config
	app      Application
	resolver Resolver
	auth     Authenticator
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine. auth may be nil, in which case unauthenticated
// GET requests are rejected instead of redirected.
func NewEngine(cfg Config, app Application, resolver Resolver, auth Authenticator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Expire < 0 {
		cfg.Expire = -cfg.Expire
	}
	return &Engine{
		cfg:      cfg,
		app:      app,
		resolver: resolver,
		auth:     auth,
		logger:   logger.With(zap.String("component", "authority")),
		now:      time.Now,
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Handle evaluates the request against sess and returns the verdict. It
// never returns an error: data-access faults become 500 verdicts.
func (e *Engine) Handle(ctx context.Context, req RequestContext, sess session.Session) Verdict {
	start := e.now()
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "authority.decide")
	defer span.End()

	v := e.decide(ctx, req, sess)
	if v.ContentType == "" {
		v.ContentType = ContentHTML
	}

	span.SetAttributes(
		attribute.Int("authority.code", v.Code),
		attribute.String("authority.step", v.Step),
		attribute.String("authority.reason", string(v.Reason)),
	)
	if v.Code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, v.Status)
	}
	telemetry.RecordDecision(v.Code, v.Step, e.now().Sub(start))

	if f, ok := e.app.(Finalizer); ok {
		f.Finalize(ctx, req, v)
	}
	return v
}

func (e *Engine) decide(ctx context.Context, req RequestContext, sess session.Session) Verdict {
	if e.cfg.AppID == 0 {
		return e.fail(ctx, StepInitialize, newVerdict(ReasonInvalidApp, e.cfg.Lang))
	}
	if e.cfg.PoolID == 0 {
		return e.fail(ctx, StepInitialize, newVerdict(ReasonInvalidPool, e.cfg.Lang))
	}
	if init, ok := e.app.(Initializer); ok {
		if err := init.Initialize(ctx, req); err != nil {
			e.logger.Error("application initialization failed", zap.Error(err))
			return e.fail(ctx, StepInitialize, newVerdict(ReasonFault, e.cfg.Lang, err.Error()))
		}
	}

	custom := e.app.Ignore()
	requestURI := req.Server("request_uri")
	if excludedURI(requestURI, custom) {
		e.note(ctx, "request uri excluded", zap.String("request_uri", requestURI))
		return e.ok(StepExclude)
	}

	identifier := channel.NormalizeIdentifier(e.app.Identifier(req))
	if identifier == "" {
		return e.fail(ctx, StepIdentifier, newVerdict(ReasonInvalidIdentifier, e.cfg.Lang))
	}
	if e.excluded(identifier, mergeIgnore(custom)) {
		e.note(ctx, "identifier excluded", zap.String("identifier", identifier))
		return e.ok(StepExclude)
	}

	useCache := !e.cfg.Debug
	if req.HasQuery("cache") {
		useCache = req.Query("cache") != "0"
	}
	ctx = channel.WithRequestInfo(ctx, channel.RequestInfo{
		ClientIP:  req.Server("remote_addr"),
		UserAgent: req.Server("http_user_agent"),
		URL:       req.URL(true),
		Nickname:  session.String(sess, session.FieldNickname, ""),
	})

	ch, v, ok := e.resolveChannel(ctx, req, identifier, useCache)
	if !ok {
		return v
	}
	if !ch.Enabled() {
		return e.fail(ctx, StepChannel, newVerdict(ReasonChannelDisabled, e.cfg.Lang),
			zap.Int64("channel_id", ch.ChannelID))
	}

	now := e.now()
	privileged := session.IsAdmin(sess, now) || session.IsTesting(sess, now)
	if privileged {
		e.note(ctx, "privileged session, method checks bypassed",
			zap.String("identifier", identifier),
			zap.Bool("admin", session.IsAdmin(sess, now)),
		)
	}

	if ch.Modifier == channel.ModifierPublic {
		e.note(ctx, "public channel", zap.String("identifier", identifier))
		return e.ok(StepPublic)
	}

	if !session.IsLogin(sess, now) {
		if v, ok := e.delegate(ctx, req, sess, sso.ScopeBase, ReasonUnauthorized, StepLogin, func() bool {
			return session.IsLogin(sess, e.now())
		}); !ok {
			return v
		}
	}
	sess.Set(session.FieldExpireTime, e.now().Add(e.cfg.Expire).Unix())

	if ch.Modifier == channel.ModifierDefault {
		e.note(ctx, "default channel, login is sufficient", zap.String("identifier", identifier))
		return e.ok(StepDefault)
	}

	if !session.IsUnion(sess, e.cfg.PoolID, e.now()) {
		if v, ok := e.delegate(ctx, req, sess, sso.ScopeUnion, ReasonUnionRequired, StepUnion, func() bool {
			return session.IsUnion(sess, e.cfg.PoolID, e.now())
		}); !ok {
			return v
		}
	}

	return e.checkAccess(ctx, req, sess, ch, useCache)
}

func (e *Engine) excluded(identifier string, patterns []string) bool {
	if ex, ok := e.app.(Excluder); ok {
		return ex.HasExclude(identifier, patterns)
	}
	return HasExclude(identifier, patterns)
}

// resolveChannel looks the channel up by identifier, then by document URI.
// A channel found by neither, or a lookup fault, is reported once.
func (e *Engine) resolveChannel(ctx context.Context, req RequestContext, identifier string, useCache bool) (*channel.Channel, Verdict, bool) {
	ch, err := e.resolver.ResolveChannelByIdentifier(ctx, e.cfg.AppID, e.cfg.PoolID, identifier, useCache)
	if err == nil {
		return ch, Verdict{}, true
	}
	if v, faulted := e.fault(ctx, StepChannel, err); faulted {
		e.resolver.ReportUnresolved(ctx, identifier, "", err)
		return nil, v, false
	}

	uri := strings.TrimRight(req.Server("document_uri"), "/")
	if uri == "" {
		uri = strings.TrimRight(req.URL(false), "/")
	}
	if uri != "" {
		ch, err = e.resolver.ResolveChannelByURL(ctx, e.cfg.AppID, uri, useCache)
		if err == nil {
			return ch, Verdict{}, true
		}
		if v, faulted := e.fault(ctx, StepChannel, err); faulted {
			e.resolver.ReportUnresolved(ctx, identifier, uri, err)
			return nil, v, false
		}
	}
	e.resolver.ReportUnresolved(ctx, identifier, uri, err)
	return nil, e.fail(ctx, StepChannel, newVerdict(ReasonInvalidChannel, e.cfg.Lang),
		zap.String("identifier", identifier),
		zap.String("document_uri", uri),
	), false
}

// delegate obtains an identity through SSO for scope. It returns ok once
// established() holds after OnAuthorized; otherwise the verdict to return.
func (e *Engine) delegate(ctx context.Context, req RequestContext, sess session.Session, scope string, reason Reason, step string, established func() bool) (Verdict, bool) {
	if req.IsAjax() || req.IsPjax() {
		v := newVerdict(reason, e.cfg.Lang)
		v.ContentType = ContentJSON
		return e.fail(ctx, step, v, zap.String("request", "ajax")), false
	}
	if !req.IsGet() || e.auth == nil {
		return e.fail(ctx, step, newVerdict(reason, e.cfg.Lang), zap.String("method", req.Method())), false
	}

	result := e.auth.Authorize(ctx, req.Server("http_user_agent"), sso.AuthorizeRequest{
		RedirectURI: req.URL(true),
		Scope:       scope,
		Lang:        e.cfg.Lang,
		Partition:   req.SessionID(),
		Params:      req,
	})

	switch result.Outcome {
	case sso.OutcomeRedirect:
		code := result.RedirectCode
		if code == 0 {
			code = http.StatusFound
		}
		e.note(ctx, "redirecting to identity provider", zap.String("scope", scope))
		return Verdict{
			Code:        code,
			Reason:      ReasonRedirect,
			Status:      http.StatusText(code),
			ContentType: ContentHTML,
			Location:    result.RedirectURL,
			Step:        step,
		}, false
	case sso.OutcomeIdentity:
		openid := result.UserInfo.OpenID()
		if hook, ok := e.app.(OpenIDHook); ok && !hook.OnOpenID(ctx, openid) {
			return e.fail(ctx, step, newVerdict(reason, e.cfg.Lang), zap.String("openid_rejected", openid)), false
		}
		if err := e.app.OnAuthorized(ctx, req, sess, scope, result.UserInfo); err != nil {
			e.logger.Error("persisting identity failed", zap.String("scope", scope), zap.Error(err))
			return e.fail(ctx, step, newVerdict(reason, e.cfg.Lang)), false
		}
		if !established() {
			return e.fail(ctx, step, newVerdict(reason, e.cfg.Lang), zap.String("openid", openid)), false
		}
		e.note(ctx, "identity established", zap.String("scope", scope), zap.String("openid", openid))
		return Verdict{}, true
	default:
		fields := []zap.Field{zap.String("scope", scope)}
		if result.Err != nil {
			fields = append(fields, zap.Error(result.Err))
		}
		return e.fail(ctx, step, newVerdict(reason, e.cfg.Lang), fields...), false
	}
}

func (e *Engine) checkAccess(ctx context.Context, req RequestContext, sess session.Session, ch *channel.Channel, useCache bool) Verdict {
	now := e.now()
	if session.IsAdmin(sess, now) || session.IsTesting(sess, now) {
		return e.ok(StepAccess)
	}

	roleID := session.Int64(sess, "union.roleid", 0)
	grant, err := e.resolver.ResolveAccess(ctx, e.cfg.AppID, e.cfg.PoolID, ch.ChannelID, roleID, useCache)
	if err != nil {
		if v, faulted := e.fault(ctx, StepAccess, err); faulted {
			return v
		}
		return e.fail(ctx, StepAccess, newVerdict(ReasonInvalidGrant, e.cfg.Lang),
			zap.Int64("channel_id", ch.ChannelID), zap.Int64("role_id", roleID))
	}

	method := strings.ToUpper(req.Method())
	switch {
	case grant == nil:
		return e.fail(ctx, StepAccess, newVerdict(ReasonInvalidGrant, e.cfg.Lang))
	case !grant.Enabled():
		return e.fail(ctx, StepAccess, newVerdict(ReasonGrantDisabled, e.cfg.Lang))
	case !grant.Allowed():
		return e.fail(ctx, StepAccess, newVerdict(ReasonInsufficient, e.cfg.Lang))
	case req.IsAjax() && !grant.AllowsMethod("ajax"):
		v := newVerdict(ReasonAjaxNotAllowed, e.cfg.Lang)
		v.ContentType = ContentJSON
		return e.fail(ctx, StepAccess, v)
	case !grant.AllowsMethod(method):
		return e.fail(ctx, StepAccess, newVerdict(ReasonMethodNotAllowed, e.cfg.Lang, method),
			zap.String("granted", grant.Method))
	default:
		return e.ok(StepAccess)
	}
}

// fault converts a data-access fault into a 500 verdict. Not-found errors
// are left to the caller.
func (e *Engine) fault(ctx context.Context, step string, err error) (Verdict, bool) {
	if errors.Is(err, channel.ErrNotFound) {
		return Verdict{}, false
	}
	f := channel.AsFault(err, channel.CategoryDB)
	detail := string(f.Category)
	if f.Err != nil {
		detail = fmt.Sprintf("%s:%s", f.Category, f.Err.Error())
	}
	v := newVerdict(ReasonFault, e.cfg.Lang, detail)
	v.Data = map[string]any{"category": string(f.Category)}
	return e.fail(ctx, step, v, zap.Error(err)), true
}

func (e *Engine) ok(step string) Verdict {
	v := newVerdict(ReasonOK, e.cfg.Lang)
	v.Step = step
	return v
}

func (e *Engine) fail(ctx context.Context, step string, v Verdict, fields ...zap.Field) Verdict {
	v.Step = step
	fields = append(fields,
		zap.String("step", step),
		zap.Int("code", v.Code),
		zap.String("status", v.Status),
	)
	logger := logging.FromContext(ctx, e.logger)
	if v.Code >= http.StatusInternalServerError {
		logger.Error("authorization denied", fields...)
	} else {
		logger.Warn("authorization denied", fields...)
	}
	return v
}

// note logs a decision step at Info in debug mode and Debug otherwise.
func (e *Engine) note(ctx context.Context, msg string, fields ...zap.Field) {
	logger := logging.FromContext(ctx, e.logger)
	if e.cfg.Debug {
		logger.Info(msg, fields...)
		return
	}
	logger.Debug(msg, fields...)
}
