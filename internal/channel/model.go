// Package channel resolves request identifiers to channels and role access grants.
//
// Purpose:
//   Front the channel and access-grant lookups used by the authorization
//   engine with a TTL cache. A miss falls through to the configured Source:
//   the local Postgres store in master mode or the remote authority API in
//   slave mode. Channels that cannot be resolved trigger a best-effort
//   anomaly report.
//
// Dependencies:
//   - internal/cache: lookup cache
//   - github.com/xeipuuv/gojsonschema: remote envelope validation
//   - go.opentelemetry.io/otel: lookup spans
//   - go.uber.org/zap: logging
//
// Key Responsibilities:
//   - Cache-first channel resolution by identifier or URL
//   - Cache-first access grant resolution per (channel, role)
//   - Delete stale cache entries when a lookup fails
//   - Classify data-access failures into fault categories
//   - Report unresolvable channels with requester geolocation
//
package channel

import (
	"encoding/json"
	"strings"
)

// Modifier is the visibility class of a channel. Only Public and Default
// change the engine's behavior; the rest go through the full check.
type Modifier string

const (
	ModifierPublic    Modifier = "public"
	ModifierDefault   Modifier = "default"
	ModifierProtected Modifier = "protected"
	ModifierPrivate   Modifier = "private"
	ModifierFinal     Modifier = "final"
	ModifierStatic    Modifier = "static"
	ModifierAbstract  Modifier = "abstract"
	ModifierSystem    Modifier = "system"
)

// Channel is a registered routable resource.
type Channel struct {
	ChannelID    int64    `json:"channelid"`
	AppID        int64    `json:"appid"`
	PoolID       int64    `json:"poolid"`
	Identifier   string   `json:"identifier"`
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	Status       int64    `json:"status"`
	Modifier     Modifier `json:"modifier"`
	DisplayOrder int64    `json:"displayorder"`
}

// Enabled reports whether the channel status is 1.
func (c *Channel) Enabled() bool {
	return c != nil && c.Status == 1
}

// wireChannel accepts numbers encoded as JSON numbers or strings.
type wireChannel struct {
	ChannelID    json.Number `json:"channelid"`
	AppID        json.Number `json:"appid"`
	PoolID       json.Number `json:"poolid"`
	Identifier   string      `json:"identifier"`
	URL          string      `json:"url"`
	DocumentURI  string      `json:"document_uri"`
	Title        string      `json:"title"`
	Status       json.Number `json:"status"`
	Modifier     string      `json:"modifier"`
	DisplayOrder json.Number `json:"displayorder"`
}

func (c *Channel) UnmarshalJSON(data []byte) error {
	var w wireChannel
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Channel{
		ChannelID:    number(w.ChannelID),
		AppID:        number(w.AppID),
		PoolID:       number(w.PoolID),
		Identifier:   NormalizeIdentifier(w.Identifier),
		URL:          w.URL,
		Title:        w.Title,
		Status:       number(w.Status),
		Modifier:     Modifier(strings.ToLower(strings.TrimSpace(w.Modifier))),
		DisplayOrder: number(w.DisplayOrder),
	}
	if c.URL == "" {
		c.URL = w.DocumentURI
	}
	return nil
}

// AccessGrant is the permission record of a (channel, role) pair.
type AccessGrant struct {
	ChannelID int64  `json:"channelid"`
	RoleID    int64  `json:"roleid"`
	Status    int64  `json:"status"`
	Allow     int64  `json:"allow"`
	Method    string `json:"method"`
}

type wireAccessGrant struct {
	ChannelID json.Number `json:"channelid"`
	RoleID    json.Number `json:"roleid"`
	Status    json.Number `json:"status"`
	Allow     json.Number `json:"allow"`
	Method    string      `json:"method"`
}

func (g *AccessGrant) UnmarshalJSON(data []byte) error {
	var w wireAccessGrant
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = AccessGrant{
		ChannelID: number(w.ChannelID),
		RoleID:    number(w.RoleID),
		Status:    number(w.Status),
		Allow:     number(w.Allow),
		Method:    w.Method,
	}
	return nil
}

// Enabled reports whether the grant status is 1.
func (g *AccessGrant) Enabled() bool { return g != nil && g.Status == 1 }

// Allowed reports whether the grant allow flag is 1.
func (g *AccessGrant) Allowed() bool { return g != nil && g.Allow == 1 }

// AllowsMethod reports whether method appears in the grant's method list.
// Matching is a case-insensitive substring test, so "get post ajax" allows
// GET, POST and Ajax requests.
func (g *AccessGrant) AllowsMethod(method string) bool {
	if g == nil || method == "" {
		return false
	}
	return strings.Contains(strings.ToLower(g.Method), strings.ToLower(method))
}

// NormalizeIdentifier lowercases and trims a resource:action identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func number(n json.Number) int64 {
	if n == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	if f, err := n.Float64(); err == nil {
		return int64(f)
	}
	return 0
}
