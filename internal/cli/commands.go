package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cache"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/logging"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/sso"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/storage/postgres"
)

// ErrNoSource is returned when neither an authority URL nor a database URL is configured.
var ErrNoSource = errors.New("either --authority-url or --database-url is required")

// env carries the viper instance shared by every subcommand.
type env struct {
	v          *viper.Viper
	configFile string
}

func (e *env) settings(cmd *cobra.Command) (*Settings, *zap.Logger, error) {
	s, err := LoadSettings(e.v, e.configFile)
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if s.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{
		ServiceName: "authctl",
		Environment: "cli",
		LogLevel:    level,
		OutputPath:  "stderr",
	})
	if err != nil {
		return nil, nil, err
	}
	return s, logger.Logger, nil
}

func (e *env) printer(cmd *cobra.Command, s *Settings) printer {
	return printer{w: cmd.OutOrStdout(), format: s.OutputFormat}
}

// NewRootCommand builds the authctl command tree.
func NewRootCommand(version string) *cobra.Command {
	e := &env{v: viper.New()}
	ApplyDefaults(e.v)

	root := &cobra.Command{
		Use:   "authctl",
		Short: "Operator CLI for the auth gateway",
		Long: `authctl resolves channels, access grants and workspaces through the same
sources the gateway uses, builds SSO authorization URLs and runs the
master-mode database migrations.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.configFile, "config", "", "Config file (default ~/.authctl/config.yaml)")
	flags.String("authority-url", "", "Authority API base URL (slave mode source)")
	flags.String("database-url", "", "Postgres connection string (master mode source)")
	flags.Int64("appid", 0, "Application id")
	flags.Int64("poolid", 0, "User pool id")
	flags.String("format", "", "Output format: table, json")
	flags.Bool("verbose", false, "Enable debug logging on stderr")

	bindings := map[string]string{
		"authority.url":          "authority-url",
		"database.url":           "database-url",
		"app.id":                 "appid",
		"app.pool-id":            "poolid",
		"defaults.output-format": "format",
		"defaults.verbose":       "verbose",
	}
	for key, flag := range bindings {
		_ = e.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(channelCommand(e))
	root.AddCommand(accessCommand(e))
	root.AddCommand(workspaceCommand(e))
	root.AddCommand(ssoCommand(e))
	root.AddCommand(migrateCommand(e))
	root.AddCommand(statusCommand(e))
	return root
}

// openSource selects Postgres when a database URL is configured and the
// remote authority otherwise.
func openSource(ctx context.Context, s *Settings, logger *zap.Logger) (channel.Source, func(), error) {
	if s.DatabaseURL != "" {
		store, err := postgres.NewStore(ctx, s.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	if s.AuthorityURL == "" {
		return nil, nil, ErrNoSource
	}
	remote, err := channel.NewRemoteClient(s.AuthorityURL, s.Timeout, logger)
	if err != nil {
		return nil, nil, err
	}
	return remote, func() {}, nil
}

func openStore(ctx context.Context, s *Settings) (*postgres.Store, error) {
	if s.DatabaseURL == "" {
		return nil, errors.New("--database-url is required to modify channels")
	}
	return postgres.NewStore(ctx, s.DatabaseURL)
}

func channelCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Inspect and register channels",
	}
	cmd.AddCommand(channelGetCommand(e))
	cmd.AddCommand(channelPutCommand(e))
	return cmd
}

func channelGetCommand(e *env) *cobra.Command {
	var identifier, rawURL string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Resolve a channel by identifier or URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (identifier == "") == (rawURL == "") {
				return errors.New("exactly one of --identifier or --url is required")
			}
			s, logger, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if err := s.requireApp(); err != nil {
				return err
			}
			source, closeSource, err := openSource(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer closeSource()

			var ch *channel.Channel
			if identifier != "" {
				ch, err = source.ChannelByIdentifier(cmd.Context(), s.AppID, s.PoolID, channel.NormalizeIdentifier(identifier))
			} else {
				ch, err = source.ChannelByURL(cmd.Context(), s.AppID, rawURL)
			}
			if err != nil {
				return fmt.Errorf("resolve channel: %w", err)
			}
			return e.printer(cmd, s).channels([]channel.Channel{*ch})
		},
	}

	cmd.Flags().StringVar(&identifier, "identifier", "", "Channel identifier (module:action)")
	cmd.Flags().StringVar(&rawURL, "url", "", "Channel URL")
	return cmd
}

func channelPutCommand(e *env) *cobra.Command {
	var (
		ch       channel.Channel
		modifier string
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or update a channel (master mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ch.Identifier == "" {
				return errors.New("--identifier is required")
			}
			s, _, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if err := s.requireApp(); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer store.Close()

			ch.AppID, ch.PoolID = s.AppID, s.PoolID
			ch.Modifier = channel.Modifier(modifier)
			saved, err := store.UpsertChannel(cmd.Context(), ch)
			if err != nil {
				return fmt.Errorf("save channel: %w", err)
			}
			return e.printer(cmd, s).channels([]channel.Channel{saved})
		},
	}

	cmd.Flags().Int64Var(&ch.ChannelID, "id", 0, "Channel id (0 allocates a new one)")
	cmd.Flags().StringVar(&ch.Identifier, "identifier", "", "Channel identifier (module:action)")
	cmd.Flags().StringVar(&ch.URL, "url", "", "Channel URL")
	cmd.Flags().StringVar(&ch.Title, "title", "", "Display title")
	cmd.Flags().Int64Var(&ch.Status, "status", 1, "1 enables the channel")
	cmd.Flags().StringVar(&modifier, "modifier", string(channel.ModifierPrivate), "public, default, private, ...")
	cmd.Flags().Int64Var(&ch.DisplayOrder, "order", 0, "Display order")
	return cmd
}

func accessCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Inspect and grant channel access",
	}
	cmd.AddCommand(accessGetCommand(e))
	cmd.AddCommand(accessPutCommand(e))
	return cmd
}

func accessGetCommand(e *env) *cobra.Command {
	var channelID, roleID int64

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Resolve the access grant of a channel and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if err := s.requireApp(); err != nil {
				return err
			}
			source, closeSource, err := openSource(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer closeSource()

			grant, err := source.Access(cmd.Context(), s.AppID, s.PoolID, channelID, roleID)
			if err != nil {
				return fmt.Errorf("resolve access: %w", err)
			}
			return e.printer(cmd, s).grant(grant)
		},
	}

	cmd.Flags().Int64Var(&channelID, "channel", 0, "Channel id")
	cmd.Flags().Int64Var(&roleID, "role", 0, "Role id")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func accessPutCommand(e *env) *cobra.Command {
	var grant channel.AccessGrant

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or update an access grant (master mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if err := s.requireApp(); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.UpsertAccess(cmd.Context(), s.AppID, s.PoolID, grant); err != nil {
				return fmt.Errorf("save access grant: %w", err)
			}
			return e.printer(cmd, s).grant(&grant)
		},
	}

	cmd.Flags().Int64Var(&grant.ChannelID, "channel", 0, "Channel id")
	cmd.Flags().Int64Var(&grant.RoleID, "role", 0, "Role id")
	cmd.Flags().Int64Var(&grant.Status, "status", 1, "1 enables the grant")
	cmd.Flags().Int64Var(&grant.Allow, "allow", 1, "1 allows access")
	cmd.Flags().StringVar(&grant.Method, "method", "get", "Comma separated methods, plus ajax")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func workspaceCommand(e *env) *cobra.Command {
	var roleID int64

	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "List the channels a role may open",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if err := s.requireApp(); err != nil {
				return err
			}
			source, closeSource, err := openSource(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer closeSource()

			channels, err := source.Workspace(cmd.Context(), s.AppID, s.PoolID, roleID)
			if err != nil && !errors.Is(err, channel.ErrNotFound) {
				return fmt.Errorf("resolve workspace: %w", err)
			}
			if channels == nil {
				channels = []channel.Channel{}
			}
			return e.printer(cmd, s).channels(channels)
		},
	}

	cmd.Flags().Int64Var(&roleID, "role", 0, "Role id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func ssoCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sso",
		Short: "Identity provider helpers",
	}
	cmd.AddCommand(ssoURLCommand(e))
	cmd.AddCommand(ssoDetectCommand())
	return cmd
}

func ssoURLCommand(e *env) *cobra.Command {
	var provider, clientID, redirect, scope, state string

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the authorization URL a login would redirect to",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := e.settings(cmd)
			if err != nil {
				return err
			}

			creds := sso.Credentials{AppID: clientID, Secret: s.Secret}
			var driver sso.Driver
			switch sso.Provider(provider) {
			case sso.Generic:
				if creds.AppID == "" {
					creds.AppID = strconv.FormatInt(s.AppID, 10)
				}
				driver = sso.NewHostDriver(s.SSOHost, s.SSOPath, s.Timeout, logger)
			case sso.WeChat:
				driver = sso.NewWeChatDriver("", "", s.Timeout, logger)
			case sso.AliPay:
				driver = sso.NewAliPayDriver("", "", s.Timeout, logger)
			case sso.DingTalk:
				driver = sso.NewDingTalkDriver("", "", s.Timeout, logger)
			default:
				return fmt.Errorf("unknown provider %q", provider)
			}
			if creds.AppID == "" {
				return fmt.Errorf("--client-id is required for %s", provider)
			}

			client := sso.NewClient(driver, creds, cache.NewMemoryCache(), logger)
			result := client.GetCode("", redirect, "", scope, state)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), result.RedirectURL)
			return err
		},
	}

	cmd.Flags().StringVar(&provider, "provider", string(sso.Generic), "generic, wechat, alipay, dingtalk")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Provider app id (defaults to --appid for generic)")
	cmd.Flags().StringVar(&redirect, "redirect", "", "Callback URL")
	cmd.Flags().StringVar(&scope, "scope", sso.ScopeBase, "auth_base, auth_userinfo, auth_union")
	cmd.Flags().StringVar(&state, "state", "", "CSRF state (random when empty)")
	_ = cmd.MarkFlagRequired("redirect")
	return cmd
}

func ssoDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <user-agent>",
		Short: "Print the provider a user agent would be sent to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), sso.Detect(args[0]))
			return err
		},
	}
}

func migrateCommand(e *env) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:       "migrate <up|down|status|version|redo|reset> [args]",
		Short:     "Run the master-mode database migrations",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version", "redo", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if s.DatabaseURL == "" {
				return errors.New("--database-url is required")
			}
			if dir == "" {
				dir = s.MigrationsDir
			}
			return postgres.Migrate(cmd.Context(), s.DatabaseURL, dir, args[0], args[1:]...)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Migrations directory (default migrations/sql)")
	return cmd
}
