package postgres

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auth_gateway"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Docker not available, skipping postgres test: %v", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	_, filename, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(filename), "..", "..", "..", "migrations", "sql")

	require.NoError(t, Migrate(ctx, connString, migrationsDir, "up"))

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)

	store := NewStoreFromPool(pool)

	cleanup := func() {
		pool.Close()
		require.NoError(t, container.Terminate(ctx))
	}

	return store, cleanup
}

func TestStoreChannelLookups(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	later, err := store.UpsertChannel(ctx, channel.Channel{
		AppID: 1, PoolID: 2, Identifier: "Blog:Index", URL: "/blog", Status: 1,
		Modifier: channel.ModifierPrivate, DisplayOrder: 5,
	})
	require.NoError(t, err)
	require.Equal(t, "blog:index", later.Identifier)

	first, err := store.UpsertChannel(ctx, channel.Channel{
		AppID: 1, PoolID: 2, Identifier: "blog:index", URL: "/blog", Status: 1,
		Modifier: channel.ModifierPublic, DisplayOrder: 1,
	})
	require.NoError(t, err)

	got, err := store.ChannelByIdentifier(ctx, 1, 2, "BLOG:INDEX")
	require.NoError(t, err)
	require.Equal(t, first.ChannelID, got.ChannelID, "lowest display order wins")
	require.Equal(t, channel.ModifierPublic, got.Modifier)

	byURL, err := store.ChannelByURL(ctx, 1, "/blog")
	require.NoError(t, err)
	require.Equal(t, first.ChannelID, byURL.ChannelID)

	_, err = store.ChannelByIdentifier(ctx, 1, 3, "blog:index")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, channel.ErrNotFound)

	later.Status = 0
	updated, err := store.UpsertChannel(ctx, later)
	require.NoError(t, err)
	require.Equal(t, later.ChannelID, updated.ChannelID)
	require.False(t, updated.Enabled())
}

func TestStoreAccessAndWorkspace(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()

	settings, err := store.UpsertChannel(ctx, channel.Channel{AppID: 1, PoolID: 2, Identifier: "account:settings", Status: 1, Modifier: channel.ModifierDefault})
	require.NoError(t, err)
	remove, err := store.UpsertChannel(ctx, channel.Channel{AppID: 1, PoolID: 2, Identifier: "admin:delete", Status: 1, DisplayOrder: 2})
	require.NoError(t, err)

	require.NoError(t, store.UpsertAccess(ctx, 1, 2, channel.AccessGrant{ChannelID: settings.ChannelID, RoleID: 120, Status: 1, Allow: 1, Method: "get post"}))
	require.NoError(t, store.UpsertAccess(ctx, 1, 2, channel.AccessGrant{ChannelID: remove.ChannelID, RoleID: 120, Status: 1, Allow: 0, Method: "post"}))

	grant, err := store.Access(ctx, 1, 2, settings.ChannelID, 120)
	require.NoError(t, err)
	require.True(t, grant.Allowed())
	require.True(t, grant.AllowsMethod("POST"))

	require.NoError(t, store.UpsertAccess(ctx, 1, 2, channel.AccessGrant{ChannelID: settings.ChannelID, RoleID: 120, Status: 0, Allow: 1, Method: "get"}))
	grant, err = store.Access(ctx, 1, 2, settings.ChannelID, 120)
	require.NoError(t, err)
	require.False(t, grant.Enabled())

	_, err = store.Access(ctx, 1, 2, settings.ChannelID, 999)
	require.ErrorIs(t, err, channel.ErrNotFound)

	require.NoError(t, store.UpsertAccess(ctx, 1, 2, channel.AccessGrant{ChannelID: settings.ChannelID, RoleID: 120, Status: 1, Allow: 1, Method: "get"}))
	channels, err := store.Workspace(ctx, 1, 2, 120)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, "account:settings", channels[0].Identifier)
}

func TestStoreBehindResolver(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	_, err := store.UpsertChannel(ctx, channel.Channel{AppID: 1, PoolID: 2, Identifier: "blog:index", Status: 1, Modifier: channel.ModifierPublic})
	require.NoError(t, err)

	resolver := channel.NewResolver(store, nil, time.Minute, nil, nil)
	ch, err := resolver.ResolveChannelByIdentifier(ctx, 1, 2, "blog:index", true)
	require.NoError(t, err)
	require.Equal(t, channel.ModifierPublic, ch.Modifier)

	store.pool.Close()
	_, err = resolver.ResolveChannelByIdentifier(ctx, 1, 2, "blog:index", true)
	var fault *channel.Fault
	require.ErrorAs(t, err, &fault)
}
