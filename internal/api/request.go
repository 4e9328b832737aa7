package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/authority"
)

// Request adapts an *http.Request to authority.RequestContext.
type Request struct {
	r         *http.Request
	method    string
	uri       *url.URL
	host      string
	scheme    string
	sessionID string
}

var _ authority.RequestContext = (*Request)(nil)

// NewRequest wraps r as seen by the gateway itself.
func NewRequest(r *http.Request, sessionID string) *Request {
	return &Request{
		r:         r,
		method:    r.Method,
		uri:       r.URL,
		host:      r.Host,
		scheme:    scheme(r),
		sessionID: sessionID,
	}
}

// NewForwardedRequest wraps a forward-auth subrequest. The original method,
// URI and host come from the X-Forwarded-* headers set by the proxy.
func NewForwardedRequest(r *http.Request, sessionID string) *Request {
	req := NewRequest(r, sessionID)
	if m := r.Header.Get("X-Forwarded-Method"); m != "" {
		req.method = strings.ToUpper(m)
	}
	if raw := r.Header.Get("X-Forwarded-Uri"); raw != "" {
		if u, err := url.ParseRequestURI(raw); err == nil {
			req.uri = u
		}
	}
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		req.host = h
	}
	return req
}

func scheme(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return strings.ToLower(p)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (q *Request) Method() string { return q.method }

func (q *Request) IsAjax() bool {
	return strings.EqualFold(q.r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

func (q *Request) IsPjax() bool { return q.r.Header.Get("X-PJAX") != "" }

func (q *Request) IsGet() bool { return q.method == http.MethodGet }

func (q *Request) URL(absolute bool) string {
	if !absolute {
		return q.uri.RequestURI()
	}
	return q.scheme + "://" + q.host + q.uri.RequestURI()
}

func (q *Request) Server(key string) string {
	switch strings.ToLower(key) {
	case "request_uri":
		return q.uri.RequestURI()
	case "document_uri":
		return q.uri.Path
	case "query_string":
		return q.uri.RawQuery
	case "request_method":
		return q.method
	case "http_host":
		return q.host
	case "http_user_agent":
		return q.r.UserAgent()
	case "remote_addr":
		if host, _, err := net.SplitHostPort(q.r.RemoteAddr); err == nil {
			return host
		}
		return q.r.RemoteAddr
	}
	return ""
}

func (q *Request) HasQuery(name string) bool { return q.uri.Query().Has(name) }

func (q *Request) Query(name string) string { return q.uri.Query().Get(name) }

func (q *Request) SessionID() string { return q.sessionID }
