package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Location is the geolocation of a client IP.
type Location struct {
	Source  string
	Country string
	Region  string
	City    string
	ISP     string
}

// String joins the non-empty location parts with underscores.
func (l Location) String() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{l.Country, l.Region, l.City, l.ISP} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// Geolocator resolves an IP to a location.
type Geolocator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

// GeoClient queries the Taobao IP service and falls back to Juhe.
type GeoClient struct {
	primaryURL   string
	secondaryURL string
	secondaryKey string
	client       *http.Client
	logger       *zap.Logger
}

// NewGeoClient creates a geolocation client. An empty URL disables that provider.
func NewGeoClient(primaryURL, secondaryURL, secondaryKey string, timeout time.Duration, logger *zap.Logger) *GeoClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GeoClient{
		primaryURL:   primaryURL,
		secondaryURL: secondaryURL,
		secondaryKey: secondaryKey,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (g *GeoClient) Locate(ctx context.Context, ip string) (Location, error) {
	var errs []error
	if g.primaryURL != "" {
		loc, err := g.taobao(ctx, ip)
		if err == nil {
			return loc, nil
		}
		g.logger.Warn("primary ip lookup failed, trying secondary", zap.Error(err))
		errs = append(errs, err)
	}
	if g.secondaryURL != "" {
		loc, err := g.juhe(ctx, ip)
		if err == nil {
			return loc, nil
		}
		errs = append(errs, err)
	}
	return Location{}, errors.Join(append([]error{ErrNoLocation}, errs...)...)
}

// taobao expects {"code":0,"data":{"country","region","city","isp"}}.
func (g *GeoClient) taobao(ctx context.Context, ip string) (Location, error) {
	params := url.Values{}
	params.Set("ip", ip)

	var resp struct {
		Code json.Number `json:"code"`
		Data struct {
			Country string `json:"country"`
			Region  string `json:"region"`
			City    string `json:"city"`
			ISP     string `json:"isp"`
		} `json:"data"`
	}
	if err := g.getJSON(ctx, g.primaryURL, params, &resp); err != nil {
		return Location{}, fmt.Errorf("taobao: %w", err)
	}
	if resp.Code.String() != "0" {
		return Location{}, fmt.Errorf("taobao: code %s", resp.Code)
	}
	return Location{
		Source:  "taobao",
		Country: resp.Data.Country,
		Region:  resp.Data.Region,
		City:    resp.Data.City,
		ISP:     resp.Data.ISP,
	}, nil
}

// juhe expects {"resultcode":"200","result":{"Country","Province","City","Isp"}}.
func (g *GeoClient) juhe(ctx context.Context, ip string) (Location, error) {
	params := url.Values{}
	params.Set("ip", ip)
	params.Set("key", g.secondaryKey)

	var resp struct {
		ResultCode json.Number `json:"resultcode"`
		Reason     string      `json:"reason"`
		Result     struct {
			Country  string `json:"Country"`
			Province string `json:"Province"`
			City     string `json:"City"`
			ISP      string `json:"Isp"`
		} `json:"result"`
	}
	if err := g.getJSON(ctx, g.secondaryURL, params, &resp); err != nil {
		return Location{}, fmt.Errorf("juhe: %w", err)
	}
	if resp.ResultCode.String() != "200" {
		return Location{}, fmt.Errorf("juhe: resultcode %s: %s", resp.ResultCode, resp.Reason)
	}
	return Location{
		Source:  "juhe",
		Country: resp.Result.Country,
		Region:  resp.Result.Province,
		City:    resp.Result.City,
		ISP:     resp.Result.ISP,
	}, nil
}

func (g *GeoClient) getJSON(ctx context.Context, base string, params url.Values, dest any) error {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+sep+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
