// Package cli implements authctl, the operator CLI for the auth gateway.
//
// Purpose:
//
//	Inspect and administer what the gateway sees: resolve channels, access
//	grants and workspaces through the same sources the gateway uses, build
//	SSO authorization URLs, and run database migrations for master mode.
//
// Dependencies:
//   - github.com/spf13/cobra: command tree
//   - github.com/spf13/viper: configuration with precedence flags > env > file > defaults
//   - internal/channel, internal/storage/postgres: channel sources
//   - internal/sso: provider drivers
//
// Configuration Sources:
//   - Environment variables: AUTHCTL_* prefix (e.g., AUTHCTL_AUTHORITY_URL)
//   - Config file: ~/.authctl/config.yaml, ./config.yaml, or --config
//   - Command-line flags: take precedence over all other sources
//
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the resolved CLI configuration.
type Settings struct {
	AuthorityURL  string
	DatabaseURL   string
	AppID         int64
	PoolID        int64
	Secret        string
	SSOHost       string
	SSOPath       string
	Timeout       time.Duration
	OutputFormat  string
	MigrationsDir string
	Verbose       bool
	ConfigFile    string
}

// ApplyDefaults sets default configuration values in the provided Viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetDefault("gateway.url", "http://localhost:8080")
	v.SetDefault("authority.url", "")
	v.SetDefault("database.url", "")
	v.SetDefault("app.id", 0)
	v.SetDefault("app.pool-id", 0)
	v.SetDefault("app.secret", "")

	v.SetDefault("sso.host", "http://localhost:8090")
	v.SetDefault("sso.path", "/auth/oauth2")

	v.SetDefault("defaults.timeout", "5s")
	v.SetDefault("defaults.output-format", "table") // table, json
	v.SetDefault("defaults.verbose", false)

	v.SetDefault("migrations.dir", "migrations/sql")
}

// LoadSettings reads configuration from v. configFile overrides config
// file discovery when set.
func LoadSettings(v *viper.Viper, configFile string) (*Settings, error) {
	v.SetEnvPrefix("AUTHCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".authctl"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	timeout, err := time.ParseDuration(v.GetString("defaults.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid defaults.timeout: %w", err)
	}

	s := &Settings{
		AuthorityURL:  strings.TrimRight(v.GetString("authority.url"), "/"),
		DatabaseURL:   v.GetString("database.url"),
		AppID:         v.GetInt64("app.id"),
		PoolID:        v.GetInt64("app.pool-id"),
		Secret:        v.GetString("app.secret"),
		SSOHost:       v.GetString("sso.host"),
		SSOPath:       v.GetString("sso.path"),
		Timeout:       timeout,
		OutputFormat:  v.GetString("defaults.output-format"),
		MigrationsDir: v.GetString("migrations.dir"),
		Verbose:       v.GetBool("defaults.verbose"),
		ConfigFile:    v.ConfigFileUsed(),
	}
	if s.OutputFormat != "table" && s.OutputFormat != "json" {
		return nil, fmt.Errorf("unsupported output format %q (want table or json)", s.OutputFormat)
	}
	return s, nil
}

// requireApp fails when the application identity is incomplete.
func (s *Settings) requireApp() error {
	if s.AppID == 0 {
		return fmt.Errorf("app id is required (--appid or AUTHCTL_APP_ID)")
	}
	if s.PoolID == 0 {
		return fmt.Errorf("pool id is required (--poolid or AUTHCTL_APP_POOL_ID)")
	}
	return nil
}
