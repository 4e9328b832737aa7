package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cache"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/telemetry"
)

// Lookup kinds, used in cache keys and metrics.
const (
	KindIdentifier = "identifier"
	KindURL        = "url"
	KindAccess     = "access"
	KindWorkspace  = "workspace"
)

// Resolver runs cache-first lookups against a Source. It holds no
// per-request state and is safe for concurrent use.
type Resolver struct {
	source   Source
	cache    cache.Cache
	ttl      time.Duration
	reporter Reporter
	logger   *zap.Logger
}

// NewResolver creates a resolver. c may be nil to disable caching and
// reporter may be nil to disable anomaly reports. ttl is the session expiry
// window.
func NewResolver(source Source, c cache.Cache, ttl time.Duration, reporter Reporter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		source:   source,
		cache:    c,
		ttl:      ttl,
		reporter: reporter,
		logger:   logger,
	}
}

// Source returns the underlying source.
func (r *Resolver) Source() Source { return r.source }

func IdentifierKey(appID, poolID int64, identifier string) string {
	return fmt.Sprintf("authority:channel:appid:%d:poolid:%d:identifier:%s", appID, poolID, identifier)
}

func URLKey(appID int64, url string) string {
	return fmt.Sprintf("authority:channel:appid:%d:url:%s", appID, url)
}

func AccessKey(appID, poolID, channelID, roleID int64) string {
	return fmt.Sprintf("authority:access:appid:%d:poolid:%d:channelid:%d:roleid:%d", appID, poolID, channelID, roleID)
}

func WorkspaceKey(appID, poolID, roleID int64) string {
	return fmt.Sprintf("authority:workspace:appid:%d:poolid:%d:roleid:%d", appID, poolID, roleID)
}

// ResolveChannelByIdentifier resolves a resource:action identifier. It
// returns ErrNotFound on a miss and a *Fault on data-access failure.
func (r *Resolver) ResolveChannelByIdentifier(ctx context.Context, appID, poolID int64, identifier string, useCache bool) (*Channel, error) {
	identifier = NormalizeIdentifier(identifier)
	ch, err := lookup(ctx, r, KindIdentifier, IdentifierKey(appID, poolID, identifier), useCache,
		func(ctx context.Context) (*Channel, error) {
			return r.source.ChannelByIdentifier(ctx, appID, poolID, identifier)
		})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ResolveChannelByURL resolves a channel by document URL.
func (r *Resolver) ResolveChannelByURL(ctx context.Context, appID int64, url string, useCache bool) (*Channel, error) {
	ch, err := lookup(ctx, r, KindURL, URLKey(appID, url), useCache,
		func(ctx context.Context) (*Channel, error) {
			return r.source.ChannelByURL(ctx, appID, url)
		})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ResolveAccess resolves the access grant of a (channel, role) pair.
func (r *Resolver) ResolveAccess(ctx context.Context, appID, poolID, channelID, roleID int64, useCache bool) (*AccessGrant, error) {
	return lookup(ctx, r, KindAccess, AccessKey(appID, poolID, channelID, roleID), useCache,
		func(ctx context.Context) (*AccessGrant, error) {
			return r.source.Access(ctx, appID, poolID, channelID, roleID)
		})
}

// ResolveWorkspace lists the channels visible to a role.
func (r *Resolver) ResolveWorkspace(ctx context.Context, appID, poolID, roleID int64, useCache bool) ([]Channel, error) {
	return lookup(ctx, r, KindWorkspace, WorkspaceKey(appID, poolID, roleID), useCache,
		func(ctx context.Context) ([]Channel, error) {
			channels, err := r.source.Workspace(ctx, appID, poolID, roleID)
			if err == nil && len(channels) == 0 {
				return nil, ErrNotFound
			}
			return channels, err
		})
}

// ReportUnresolved raises one anomaly report for a request whose channel
// could not be resolved by identifier or by URL. url may be empty when the
// URL lookup was not attempted.
func (r *Resolver) ReportUnresolved(ctx context.Context, identifier, url string, err error) {
	if r.reporter == nil {
		return
	}
	what := "identifier " + NormalizeIdentifier(identifier)
	if url != "" {
		what += " url " + url
	}
	r.reporter.Report(ctx, fmt.Sprintf("unresolved channel %s: %v", what, err))
}

// lookup is the shared cache-first path. A failed fetch deletes the cache
// entry so a stale record is never served; a successful fetch with useCache
// unset also clears it.
func lookup[T any](ctx context.Context, r *Resolver, kind, key string, useCache bool, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	source := r.source.Name()

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "channel.resolve."+kind)
	span.SetAttributes(
		attribute.String("channel.source", source),
		attribute.Bool("channel.use_cache", useCache),
	)
	defer span.End()

	if useCache && r.cache != nil {
		var cached T
		found, err := r.cache.Get(ctx, key, &cached)
		if err != nil {
			r.logger.Warn("resolver cache read failed", zap.String("key", key), zap.Error(err))
		} else if found {
			telemetry.RecordLookup(kind, "cache", "hit")
			span.SetAttributes(attribute.Bool("channel.cache_hit", true))
			return cached, nil
		}
	}

	value, err := fetch(ctx)
	if err != nil {
		r.forget(ctx, key)
		if errors.Is(err, ErrNotFound) {
			telemetry.RecordLookup(kind, source, "miss")
			r.logger.Debug("channel lookup miss", zap.String("kind", kind), zap.String("key", key))
			return zero, ErrNotFound
		}
		fault := AsFault(err, CategoryDB)
		telemetry.RecordLookup(kind, source, "error")
		span.RecordError(fault)
		span.SetStatus(codes.Error, string(fault.Category))
		r.logger.Error("channel lookup failed",
			zap.String("kind", kind),
			zap.String("category", string(fault.Category)),
			zap.Error(err),
		)
		return zero, fault
	}

	telemetry.RecordLookup(kind, source, "hit")
	if r.cache == nil {
		return value, nil
	}
	if useCache {
		if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
			r.logger.Warn("resolver cache write failed", zap.String("key", key), zap.Error(err))
		}
	} else {
		r.forget(ctx, key)
	}
	return value, nil
}

func (r *Resolver) forget(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("resolver cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
