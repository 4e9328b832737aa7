package sso

import (
	"context"
	"strings"
)

// Provider names an identity provider driver.
type Provider string

const (
	Generic  Provider = "generic"
	WeChat   Provider = "wechat"
	AliPay   Provider = "alipay"
	DingTalk Provider = "dingtalk"
)

// Detect maps a client user agent to the provider whose in-app browser sent it.
func Detect(userAgent string) Provider {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "micromessenger"):
		return WeChat
	case strings.Contains(ua, "alipayclient"):
		return AliPay
	case strings.Contains(ua, "dingtalk"):
		return DingTalk
	default:
		return Generic
	}
}

// Registry dispatches to the client for the detected provider. Providers that
// were not registered (disabled) fall back to the generic host client.
// Registration happens at startup only; lookups are safe for concurrent use.
type Registry struct {
	generic *Client
	clients map[Provider]*Client
}

// NewRegistry creates a registry around the generic host client.
func NewRegistry(generic *Client) *Registry {
	return &Registry{
		generic: generic,
		clients: map[Provider]*Client{Generic: generic},
	}
}

// Register enables a provider client.
func (r *Registry) Register(c *Client) {
	r.clients[c.Provider()] = c
}

// Client returns the client for p, or the generic client.
func (r *Registry) Client(p Provider) *Client {
	if c, ok := r.clients[p]; ok {
		return c
	}
	return r.generic
}

// ForUserAgent returns the client for the provider detected from userAgent.
func (r *Registry) ForUserAgent(userAgent string) *Client {
	return r.Client(Detect(userAgent))
}

// Enabled lists the registered providers.
func (r *Registry) Enabled() []Provider {
	out := make([]Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}

// Authorize runs the exchange with the client selected for userAgent.
func (r *Registry) Authorize(ctx context.Context, userAgent string, req AuthorizeRequest) Result {
	return r.ForUserAgent(userAgent).Authorize(ctx, req)
}
