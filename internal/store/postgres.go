// Package store holds the external-system adapters used by the roomchat
// server: Postgres for profiles and message history, Redis for a presence
// mirror, and NATS for a message tap.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/server"
)

const (
	selectUsernameSQL = `SELECT username FROM profiles WHERE id = $1`
	insertMessageSQL  = `INSERT INTO messages (content, user_id, channel_id, created_at) VALUES ($1, $2, $3, $4)`
)

// querier is the subset of pgxpool.Pool used by Postgres.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads profiles and writes messages in a Postgres database.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database url is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &Postgres{db: pool, pool: pool}, nil
}

// LookupUsername returns the username of the profile with id userID.
func (p *Postgres) LookupUsername(ctx context.Context, userID string) (string, error) {
	var name *string
	err := p.db.QueryRow(ctx, selectUsernameSQL, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", server.ErrProfileNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "lookup profile %s", userID)
	}
	if name == nil || *name == "" {
		return "", server.ErrProfileNotFound
	}
	return *name, nil
}

// Record inserts rec into the messages table.
func (p *Postgres) Record(ctx context.Context, rec server.MessageRecord) error {
	createdAt, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "parse created_at %q", rec.CreatedAt)
	}
	if _, err := p.db.Exec(ctx, insertMessageSQL, rec.Content, rec.UserID, rec.ChannelID, createdAt); err != nil {
		return errors.Wrap(err, "insert message")
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
