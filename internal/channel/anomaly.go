package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/telemetry"
)

const (
	// AnomalyCategory tags notices raised for unresolvable channels.
	AnomalyCategory = "channel-test"
	anomalyTitle    = "Invalid channel"
	anonymous       = "anonymous"
)

// RequestInfo describes the requester behind a lookup, for anomaly reports.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
	URL       string
	Nickname  string
}

type requestInfoKey struct{}

// WithRequestInfo attaches requester details to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the requester details attached to ctx.
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// Notice is one anomaly notification.
type Notice struct {
	Recipient string    `json:"recipient"`
	Nickname  string    `json:"nickname"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Link      string    `json:"link"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Remark    string    `json:"remark"`
}

// Notifier delivers anomaly notices.
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// Reporter is the anomaly hook the Resolver calls when a channel cannot be resolved.
type Reporter interface {
	Report(ctx context.Context, reason string)
}

// ReporterConfig configures an AnomalyReporter.
type ReporterConfig struct {
	Recipient string
	// Async sends notices on a detached goroutine.
	Async   bool
	Timeout time.Duration
}

// AnomalyReporter geolocates the requester and sends a Notice. Every failure
// is logged and swallowed.
type AnomalyReporter struct {
	geo      Geolocator
	notifier Notifier
	cfg      ReporterConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewAnomalyReporter creates a reporter. geo may be nil to skip geolocation.
func NewAnomalyReporter(geo Geolocator, notifier Notifier, cfg ReporterConfig, logger *zap.Logger) *AnomalyReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &AnomalyReporter{
		geo:      geo,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Report sends a notice for the requester in ctx. A cancelled request does
// not abort the notice: it runs on a detached context bounded by the timeout.
func (r *AnomalyReporter) Report(ctx context.Context, reason string) {
	if r == nil || r.notifier == nil {
		return
	}
	info, _ := RequestInfoFrom(ctx)
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	if r.cfg.Async {
		go func() {
			defer cancel()
			r.send(detached, info, reason)
		}()
		return
	}
	defer cancel()
	r.send(detached, info, reason)
}

func (r *AnomalyReporter) send(ctx context.Context, info RequestInfo, reason string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("anomaly report panicked", zap.Any("panic", p))
			telemetry.RecordAnomalyReport("notify_failed")
		}
	}()

	notice := r.buildNotice(ctx, info)
	r.logger.Error("invalid channel",
		zap.String("reason", reason),
		zap.String("url", info.URL),
		zap.String("client_ip", info.ClientIP),
		zap.String("remark", notice.Remark),
	)
	if err := r.notifier.Notify(ctx, notice); err != nil {
		r.logger.Warn("anomaly notification failed", zap.Error(err))
		telemetry.RecordAnomalyReport("notify_failed")
		return
	}
	telemetry.RecordAnomalyReport("sent")
}

func (r *AnomalyReporter) buildNotice(ctx context.Context, info RequestInfo) Notice {
	nickname := info.Nickname
	if nickname == "" {
		nickname = anonymous
	}
	title := anomalyTitle
	remark := strings.TrimSpace(info.UserAgent + " " + info.ClientIP)

	if r.geo != nil && info.ClientIP != "" {
		loc, err := r.geo.Locate(ctx, info.ClientIP)
		if err != nil {
			r.logger.Warn("ip geolocation failed", zap.String("client_ip", info.ClientIP), zap.Error(err))
			telemetry.RecordAnomalyReport("geo_failed")
		} else {
			title = fmt.Sprintf("%s (%s)", anomalyTitle, loc.Source)
			remark = strings.TrimSpace(remark + " " + loc.String() + " " + info.ClientIP)
		}
	}

	return Notice{
		Recipient: r.cfg.Recipient,
		Nickname:  nickname,
		Title:     title,
		URL:       info.URL,
		Link:      info.URL,
		Timestamp: r.now().UTC(),
		Category:  AnomalyCategory,
		Remark:    remark,
	}
}
