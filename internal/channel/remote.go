package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/logging"
)

// envelopeSchema is the {code, data, status, msg} shape every authority
// endpoint answers with.
const envelopeSchema = `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code":   {"type": ["integer", "string"]},
    "data":   {"type": ["object", "array", "null", "string"]},
    "status": {"type": "string"},
    "msg":    {"type": "string"}
  }
}`

var envelopeLoader = gojsonschema.NewStringLoader(envelopeSchema)

// envelope is the remote authority response.
type envelope struct {
	Code   json.Number     `json:"code"`
	Data   json.RawMessage `json:"data"`
	Status string          `json:"status"`
	Msg    string          `json:"msg"`
}

// found reports a code 200 envelope with non-empty data.
func (e *envelope) found() bool {
	if e.Code.String() != "200" {
		return false
	}
	switch strings.TrimSpace(string(e.Data)) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// RemoteClient resolves channels through the authority HTTP API (slave mode).
//
//	GET {base}/channel?appid&url&cache
//	GET {base}/identifier?appid&poolid&identifier&cache
//	GET {base}/access?appid&poolid&channelid&roleid&cache
//	GET {base}/workspace?appid&poolid&roleid&cache
type RemoteClient struct {
	base   string
	client *http.Client
	schema *gojsonschema.Schema
	logger *zap.Logger
}

// NewRemoteClient creates a client for the authority API rooted at base.
func NewRemoteClient(base string, timeout time.Duration, logger *zap.Logger) (*RemoteClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	schema, err := gojsonschema.NewSchema(envelopeLoader)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &RemoteClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		schema: schema,
		logger: logger,
	}, nil
}

func (c *RemoteClient) Name() string { return "remote" }

func (c *RemoteClient) ChannelByIdentifier(ctx context.Context, appID, poolID int64, identifier string) (*Channel, error) {
	params := url.Values{}
	params.Set("appid", strconv.FormatInt(appID, 10))
	params.Set("poolid", strconv.FormatInt(poolID, 10))
	params.Set("identifier", identifier)
	var ch Channel
	if err := c.get(ctx, "identifier", params, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *RemoteClient) ChannelByURL(ctx context.Context, appID int64, rawURL string) (*Channel, error) {
	params := url.Values{}
	params.Set("appid", strconv.FormatInt(appID, 10))
	params.Set("url", rawURL)
	var ch Channel
	if err := c.get(ctx, "channel", params, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *RemoteClient) Access(ctx context.Context, appID, poolID, channelID, roleID int64) (*AccessGrant, error) {
	params := url.Values{}
	params.Set("appid", strconv.FormatInt(appID, 10))
	params.Set("poolid", strconv.FormatInt(poolID, 10))
	params.Set("channelid", strconv.FormatInt(channelID, 10))
	params.Set("roleid", strconv.FormatInt(roleID, 10))
	var grant AccessGrant
	if err := c.get(ctx, "access", params, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *RemoteClient) Workspace(ctx context.Context, appID, poolID, roleID int64) ([]Channel, error) {
	params := url.Values{}
	params.Set("appid", strconv.FormatInt(appID, 10))
	params.Set("poolid", strconv.FormatInt(poolID, 10))
	params.Set("roleid", strconv.FormatInt(roleID, 10))
	var channels []Channel
	if err := c.get(ctx, "workspace", params, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// get calls one endpoint and decodes the envelope data into dest. Results are
// cached by the Resolver, so the authority is always asked with cache=0.
func (c *RemoteClient) get(ctx context.Context, endpoint string, params url.Values, dest any) error {
	params.Set("cache", "0")
	target := c.base + "/" + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return NewFault(CategoryTransport, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("authority request failed", zap.String("url", logging.RedactURL(target)), zap.Error(err))
		return AsFault(err, CategoryTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return AsFault(fmt.Errorf("read response: %w", err), CategoryTransport)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("authority returned error status",
			zap.String("url", logging.RedactURL(target)),
			zap.Int("status", resp.StatusCode),
		)
		return NewFault(CategoryTransport, fmt.Errorf("authority %s: unexpected status %d", endpoint, resp.StatusCode))
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return NewFault(CategoryTransport, fmt.Errorf("authority %s: malformed response: %w", endpoint, err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return NewFault(CategoryTransport, fmt.Errorf("authority %s: invalid envelope: %s", endpoint, strings.Join(msgs, "; ")))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return NewFault(CategoryTransport, fmt.Errorf("authority %s: decode envelope: %w", endpoint, err))
	}
	if !env.found() {
		c.logger.Debug("authority lookup miss",
			zap.String("endpoint", endpoint),
			zap.String("code", env.Code.String()),
			zap.String("msg", env.Msg),
		)
		return ErrNotFound
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return NewFault(CategoryModelNotFound, fmt.Errorf("authority %s: decode data: %w", endpoint, err))
	}
	return nil
}

// Ping checks that the authority answers.
func (c *RemoteClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/identifier", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.New("authority unavailable: " + resp.Status)
	}
	return nil
}
