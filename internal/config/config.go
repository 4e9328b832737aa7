package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Mode selects where channel and access records are resolved from.
type Mode string

const (
	// ModeMaster resolves against the local data store.
	ModeMaster Mode = "master"
	// ModeSlave delegates resolution to a remote authority over HTTP.
	ModeSlave Mode = "slave"
)

// ProviderConfig holds credentials for one identity provider.
type ProviderConfig struct {
	Status    bool   `envconfig:"STATUS" default:"false"`
	AppID     string `envconfig:"APPID"`
	Secret    string `envconfig:"SECRET"`
	PublicKey string `envconfig:"PUBLIC_KEY"`
	Endpoint  string `envconfig:"ENDPOINT"`
}

// Config represents the runtime configuration for the auth gateway.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"auth-gateway"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Authority
	AppID         int64  `envconfig:"AUTH_APPID" default:"0"`
	PoolID        int64  `envconfig:"AUTH_POOLID" default:"0"`
	Secret        string `envconfig:"AUTH_SECRET"`
	Level         Mode   `envconfig:"AUTH_LEVEL" default:"slave"`
	Lang          string `envconfig:"AUTH_LANG" default:"zh-cn"`
	Debug         bool   `envconfig:"AUTH_DEBUG" default:"false"`
	Expire        int    `envconfig:"AUTH_EXPIRE" default:"1440"`
	Host          string `envconfig:"AUTH_HOST" default:"http://localhost:8090"`
	SSOPath       string `envconfig:"AUTH_SSO_PATH" default:"/auth/oauth2"`
	AuthorityURL  string `envconfig:"AUTH_AUTHORITY_URL"`
	AuthorityPath string `envconfig:"AUTH_AUTHORITY_PATH" default:"/api/channel"`
	Ignore        string `envconfig:"AUTH_IGNORE"`

	// Identity providers (auth.stores.*)
	WeChat   ProviderConfig `envconfig:"AUTH_STORES_WECHAT"`
	AliPay   ProviderConfig `envconfig:"AUTH_STORES_ALIPAY"`
	DingTalk ProviderConfig `envconfig:"AUTH_STORES_DINGTALK"`

	OutboundHTTPTimeout time.Duration `envconfig:"OUTBOUND_HTTP_TIMEOUT" default:"3s"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Cache / session backend: redis or memory
	CacheBackend  string `envconfig:"CACHE_BACKEND" default:"redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Database (master mode)
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Kafka anomaly notices
	KafkaBrokers      string `envconfig:"KAFKA_BROKERS"`
	KafkaAnomalyTopic string `envconfig:"KAFKA_ANOMALY_TOPIC" default:"auth.anomaly.v1"`

	// Config Service (dynamic exclusion patterns)
	ConfigServiceEndpoint string `envconfig:"CONFIG_SERVICE_ENDPOINT"`
	ConfigWatchEnabled    bool   `envconfig:"CONFIG_WATCH_ENABLED" default:"true"`
	ConfigCachePath       string `envconfig:"CONFIG_CACHE_PATH" default:"/tmp/auth-gateway-config.db"`

	// IP geolocation used by anomaly reports
	GeoPrimaryURL   string `envconfig:"GEO_PRIMARY_URL" default:"http://ip.taobao.com/service/getIpInfo.php"`
	GeoSecondaryURL string `envconfig:"GEO_SECONDARY_URL" default:"http://apis.juhe.cn/ip/ipNew"`
	GeoSecondaryKey string `envconfig:"GEO_SECONDARY_KEY"`

	// Anomaly reporting
	AnomalyEnabled   bool          `envconfig:"ANOMALY_ENABLED" default:"true"`
	AnomalyRecipient string        `envconfig:"ANOMALY_RECIPIENT"`
	AnomalyAsync     bool          `envconfig:"ANOMALY_ASYNC" default:"true"`
	AnomalyTimeout   time.Duration `envconfig:"ANOMALY_TIMEOUT" default:"5s"`

	// Session
	SessionCookie string `envconfig:"SESSION_COOKIE" default:"AUTHSESSID"`
	SessionSecure bool   `envconfig:"SESSION_SECURE" default:"false"`

	// Optional upstream for authorized traffic
	UpstreamURL string `envconfig:"UPSTREAM_URL"`

	// Telemetry
	TelemetryEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	TelemetryProtocol string `envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc"`
	TelemetryInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
}

// ExpireDuration is the session expiry window, also used as the cache TTL.
func (c *Config) ExpireDuration() time.Duration {
	if c.Expire < 0 {
		return time.Duration(-c.Expire) * time.Second
	}
	return time.Duration(c.Expire) * time.Second
}

// IgnorePatterns returns the static exclusion patterns from AUTH_IGNORE.
func (c *Config) IgnorePatterns() []string {
	return splitList(c.Ignore)
}

// KafkaBrokerList returns the configured Kafka brokers.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// AuthorityBaseURL returns the remote authority base used in slave mode.
func (c *Config) AuthorityBaseURL() string {
	base := c.AuthorityURL
	if base == "" {
		base = c.Host
	}
	return strings.TrimRight(base, "/") + "/" + strings.Trim(c.AuthorityPath, "/")
}

// Validate checks cross-field rules that envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Level {
	case ModeMaster:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when AUTH_LEVEL=master"))
		}
	case ModeSlave:
		if c.Host == "" && c.AuthorityURL == "" {
			errs = append(errs, errors.New("AUTH_HOST or AUTH_AUTHORITY_URL is required when AUTH_LEVEL=slave"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_LEVEL must be master or slave, got %q", c.Level))
	}

	switch c.CacheBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be redis or memory, got %q", c.CacheBackend))
	}

	for name, p := range map[string]ProviderConfig{
		"AUTH_STORES_WECHAT":   c.WeChat,
		"AUTH_STORES_ALIPAY":   c.AliPay,
		"AUTH_STORES_DINGTALK": c.DingTalk,
	} {
		if p.Status && (p.AppID == "" || p.Secret == "") {
			errs = append(errs, fmt.Errorf("%s_APPID and %s_SECRET are required when %s_STATUS=true", name, name, name))
		}
	}

	if c.OutboundHTTPTimeout <= 0 {
		errs = append(errs, errors.New("OUTBOUND_HTTP_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

// Load reads environment variables into Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	cfg.Level = Mode(strings.ToLower(string(cfg.Level)))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// MustLoad returns Config or exits the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
