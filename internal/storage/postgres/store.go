// Package postgres is the master-mode channel store.
//
// Purpose:
//   Serve channel and access grant lookups from the local database when the
//   gateway runs as the authority (AUTH_LEVEL=master).
//
// Dependencies:
//   - github.com/jackc/pgx/v5: connection pool and queries
//   - migrations/sql: goose migrations creating channels and access_grants
//
// Key Responsibilities:
//   - Implement channel.Source over Postgres
//   - Map pgx.ErrNoRows to ErrNotFound and other failures to channel faults
//   - Upsert helpers for seeding and administration
//
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
)

// ErrNotFound is returned when a requested row does not exist. It matches channel.ErrNotFound.
var ErrNotFound = fmt.Errorf("authgateway/postgres: %w", channel.ErrNotFound)

const channelColumns = `channel_id, app_id, pool_id, identifier, url, title, status, modifier, display_order`

// Store provides Postgres-backed channel lookups.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewStore creates a store using the provided connection string and takes ownership of the pool.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Store{pool: pool, ownsPool: true}, nil
}

// NewStoreFromPool wraps an existing pgx pool.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool if the store owns it.
func (s *Store) Close() {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Name() string { return "postgres" }

// ChannelByIdentifier returns the lowest display_order channel matching identifier.
func (s *Store) ChannelByIdentifier(ctx context.Context, appID, poolID int64, identifier string) (*channel.Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE app_id = $1 AND pool_id = $2 AND lower(identifier) = lower($3)
		ORDER BY display_order ASC, channel_id ASC
		LIMIT 1`, appID, poolID, identifier)
	return scanChannel(row)
}

// ChannelByURL returns the lowest display_order channel registered for url.
func (s *Store) ChannelByURL(ctx context.Context, appID int64, url string) (*channel.Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE app_id = $1 AND url = $2
		ORDER BY display_order ASC, channel_id ASC
		LIMIT 1`, appID, url)
	return scanChannel(row)
}

// Access returns the grant for a (channel, role) pair.
func (s *Store) Access(ctx context.Context, appID, poolID, channelID, roleID int64) (*channel.AccessGrant, error) {
	var g channel.AccessGrant
	err := s.pool.QueryRow(ctx, `
		SELECT channel_id, role_id, status, allow, method
		FROM access_grants
		WHERE app_id = $1 AND pool_id = $2 AND channel_id = $3 AND role_id = $4`,
		appID, poolID, channelID, roleID,
	).Scan(&g.ChannelID, &g.RoleID, &g.Status, &g.Allow, &g.Method)
	if err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}

// Workspace lists the enabled channels a role is allowed to open.
func (s *Store) Workspace(ctx context.Context, appID, poolID, roleID int64) ([]channel.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.channel_id, c.app_id, c.pool_id, c.identifier, c.url, c.title, c.status, c.modifier, c.display_order
		FROM channels c
		JOIN access_grants g ON g.channel_id = c.channel_id AND g.app_id = c.app_id
		WHERE c.app_id = $1 AND g.pool_id = $2 AND g.role_id = $3
		  AND c.status = 1 AND g.status = 1 AND g.allow = 1
		ORDER BY c.display_order ASC, c.channel_id ASC`, appID, poolID, roleID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []channel.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// UpsertChannel inserts or updates a channel. A zero ChannelID allocates a new id.
func (s *Store) UpsertChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	if ch.Modifier == "" {
		ch.Modifier = channel.ModifierPrivate
	}
	ch.Identifier = channel.NormalizeIdentifier(ch.Identifier)

	var row pgx.Row
	if ch.ChannelID == 0 {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO channels (app_id, pool_id, identifier, url, title, status, modifier, display_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+channelColumns,
			ch.AppID, ch.PoolID, ch.Identifier, ch.URL, ch.Title, ch.Status, string(ch.Modifier), ch.DisplayOrder)
	} else {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO channels (channel_id, app_id, pool_id, identifier, url, title, status, modifier, display_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (channel_id) DO UPDATE SET
				app_id = EXCLUDED.app_id,
				pool_id = EXCLUDED.pool_id,
				identifier = EXCLUDED.identifier,
				url = EXCLUDED.url,
				title = EXCLUDED.title,
				status = EXCLUDED.status,
				modifier = EXCLUDED.modifier,
				display_order = EXCLUDED.display_order,
				updated_at = now()
			RETURNING `+channelColumns,
			ch.ChannelID, ch.AppID, ch.PoolID, ch.Identifier, ch.URL, ch.Title, ch.Status, string(ch.Modifier), ch.DisplayOrder)
	}
	out, err := scanChannel(row)
	if err != nil {
		return channel.Channel{}, err
	}
	return *out, nil
}

// UpsertAccess inserts or updates an access grant.
func (s *Store) UpsertAccess(ctx context.Context, appID, poolID int64, g channel.AccessGrant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO access_grants (app_id, pool_id, channel_id, role_id, status, allow, method)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (app_id, pool_id, channel_id, role_id) DO UPDATE SET
			status = EXCLUDED.status,
			allow = EXCLUDED.allow,
			method = EXCLUDED.method,
			updated_at = now()`,
		appID, poolID, g.ChannelID, g.RoleID, g.Status, g.Allow, g.Method)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func scanChannel(row pgx.Row) (*channel.Channel, error) {
	var (
		ch       channel.Channel
		modifier string
	)
	err := row.Scan(
		&ch.ChannelID,
		&ch.AppID,
		&ch.PoolID,
		&ch.Identifier,
		&ch.URL,
		&ch.Title,
		&ch.Status,
		&modifier,
		&ch.DisplayOrder,
	)
	if err != nil {
		return nil, mapError(err)
	}
	ch.Modifier = channel.Modifier(modifier)
	return &ch, nil
}

// mapError converts pgx errors into the channel error vocabulary.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var scanErr pgx.ScanArgError
	if errors.As(err, &scanErr) {
		return channel.NewFault(channel.CategoryModelNotFound, err)
	}
	return channel.AsFault(err, channel.CategoryDB)
}
