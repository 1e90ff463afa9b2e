package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// OpenRedis creates a client for addr and verifies it with a ping.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

// RedisPresence mirrors room membership into Redis.
//
//	<prefix>:room:<room>:members     set of connection ids
//	<prefix>:room:<room>:identities  hash of connection id -> user id
type RedisPresence struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisPresence creates a mirror writing keys under prefix.
func NewRedisPresence(rdb redis.Cmdable, prefix string) *RedisPresence {
	return &RedisPresence{rdb: rdb, prefix: prefix}
}

func (p *RedisPresence) membersKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:members", p.prefix, roomID)
}

func (p *RedisPresence) identitiesKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:identities", p.prefix, roomID)
}

// Joined adds connID to the room's member set.
func (p *RedisPresence) Joined(ctx context.Context, roomID, connID string) error {
	if err := p.rdb.SAdd(ctx, p.membersKey(roomID), connID).Err(); err != nil {
		return errors.Wrapf(err, "mirror join %s", connID)
	}
	return nil
}

// Declared records userID for connID.
func (p *RedisPresence) Declared(ctx context.Context, roomID, connID, userID string) error {
	if err := p.rdb.HSet(ctx, p.identitiesKey(roomID), connID, userID).Err(); err != nil {
		return errors.Wrapf(err, "mirror identity %s", connID)
	}
	return nil
}

// Left removes connID and its identity.
func (p *RedisPresence) Left(ctx context.Context, roomID, connID string) error {
	if err := p.rdb.SRem(ctx, p.membersKey(roomID), connID).Err(); err != nil {
		return errors.Wrapf(err, "mirror leave %s", connID)
	}
	if err := p.rdb.HDel(ctx, p.identitiesKey(roomID), connID).Err(); err != nil {
		return errors.Wrapf(err, "mirror identity removal %s", connID)
	}
	return nil
}
