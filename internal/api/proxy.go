package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/logging"
)

// NewUpstreamProxy returns a reverse proxy to target for authorized traffic.
func NewUpstreamProxy(target string, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", target)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				zap.String("url", logging.RedactURL(r.URL.String())),
				zap.Error(err),
			)
			WriteError(w, r, http.StatusBadGateway, "upstream unavailable", ErrCodeUpstreamUnavailable, logger)
		},
	}
	return proxy, nil
}
