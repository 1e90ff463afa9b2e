package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/server"
)

type fakeRow struct {
	name *string
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(**string)) = r.name
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	row     fakeRow
	execErr error
	execs   []execCall
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return q.row
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, execCall{sql: sql, args: args})
	if q.execErr != nil {
		return pgconn.CommandTag{}, q.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func strPtr(s string) *string { return &s }

func TestPostgresLookupUsername(t *testing.T) {
	ctx := context.Background()

	p := &Postgres{db: &fakeQuerier{row: fakeRow{name: strPtr("bob")}}}
	name, err := p.LookupUsername(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	p = &Postgres{db: &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}}
	_, err = p.LookupUsername(ctx, "u-2")
	assert.ErrorIs(t, err, server.ErrProfileNotFound)

	p = &Postgres{db: &fakeQuerier{row: fakeRow{name: nil}}}
	_, err = p.LookupUsername(ctx, "u-3")
	assert.ErrorIs(t, err, server.ErrProfileNotFound)

	boom := errors.New("connection reset")
	p = &Postgres{db: &fakeQuerier{row: fakeRow{err: boom}}}
	_, err = p.LookupUsername(ctx, "u-4")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, server.ErrProfileNotFound)
}

func TestPostgresRecord(t *testing.T) {
	q := &fakeQuerier{}
	p := &Postgres{db: q}

	rec := server.MessageRecord{
		Content:   "hello",
		UserID:    "u-1",
		ChannelID: "general",
		CreatedAt: "2024-03-09T12:05:07.123Z",
	}
	require.NoError(t, p.Record(context.Background(), rec))
	require.Len(t, q.execs, 1)

	call := q.execs[0]
	assert.Equal(t, insertMessageSQL, call.sql)
	require.Len(t, call.args, 4)
	assert.Equal(t, "hello", call.args[0])
	assert.Equal(t, "u-1", call.args[1])
	assert.Equal(t, "general", call.args[2])
	createdAt, ok := call.args[3].(time.Time)
	require.True(t, ok)
	assert.True(t, createdAt.Equal(time.Date(2024, 3, 9, 12, 5, 7, 123_000_000, time.UTC)))
}

func TestPostgresRecordErrors(t *testing.T) {
	p := &Postgres{db: &fakeQuerier{execErr: errors.New("disk full")}}
	err := p.Record(context.Background(), server.MessageRecord{CreatedAt: "2024-03-09T12:05:07.123Z"})
	assert.Error(t, err)

	q := &fakeQuerier{}
	p = &Postgres{db: q}
	err = p.Record(context.Background(), server.MessageRecord{CreatedAt: "yesterday"})
	assert.Error(t, err)
	assert.Empty(t, q.execs)
}

func TestOpenPostgresRejectsEmptyURL(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "  ")
	assert.Error(t, err)
}

type fakeRedis struct {
	redis.Cmdable
	calls []string
	err   error
}

func (f *fakeRedis) record(op, key string, args ...any) *redis.IntCmd {
	f.calls = append(f.calls, fmt.Sprintf("%s %s %v", op, key, args))
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	return f.record("SADD", key, members...)
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	return f.record("SREM", key, members...)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	return f.record("HSET", key, values...)
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	args := make([]any, len(fields))
	for i, field := range fields {
		args[i] = field
	}
	return f.record("HDEL", key, args...)
}

func TestRedisPresenceKeys(t *testing.T) {
	f := &fakeRedis{}
	p := NewRedisPresence(f, "roomchat")
	ctx := context.Background()

	require.NoError(t, p.Joined(ctx, "general", "c1"))
	require.NoError(t, p.Declared(ctx, "general", "c1", "u1"))
	require.NoError(t, p.Left(ctx, "general", "c1"))

	assert.Equal(t, []string{
		"SADD roomchat:room:general:members [c1]",
		"HSET roomchat:room:general:identities [c1 u1]",
		"SREM roomchat:room:general:members [c1]",
		"HDEL roomchat:room:general:identities [c1]",
	}, f.calls)
}

func TestRedisPresenceErrors(t *testing.T) {
	f := &fakeRedis{err: errors.New("READONLY")}
	p := NewRedisPresence(f, "x")

	assert.Error(t, p.Joined(context.Background(), "r", "c"))
	assert.Error(t, p.Left(context.Background(), "r", "c"))
	assert.Len(t, f.calls, 2)
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func TestNatsTapRecord(t *testing.T) {
	pub := &fakePublisher{}
	tap := NewNatsTap(pub, "roomchat.messages")

	rec := server.MessageRecord{Content: "hi", UserID: "u1", ChannelID: "general", CreatedAt: "2024-03-09T12:05:07.123Z"}
	require.NoError(t, tap.Record(context.Background(), rec))

	assert.Equal(t, "roomchat.messages", pub.subject)
	assert.JSONEq(t,
		`{"content":"hi","user_id":"u1","channel_id":"general","created_at":"2024-03-09T12:05:07.123Z"}`,
		string(pub.data))
}

func TestNatsTapRecordErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	tap := NewNatsTap(pub, "s")
	assert.Error(t, tap.Record(context.Background(), server.MessageRecord{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub = &fakePublisher{}
	tap = NewNatsTap(pub, "s")
	assert.ErrorIs(t, tap.Record(ctx, server.MessageRecord{}), context.Canceled)
	assert.Empty(t, pub.subject)
}
