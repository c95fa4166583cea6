// Package redisstore keeps device token registrations in Redis so several
// server replicas share one recipient set.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/warden/internal/tokens"
)

// DefaultPrefix namespaces the two hashes the store uses.
const DefaultPrefix = "warden:tokens"

// markBad sets the bad timestamp only for registered tokens.
var markBad = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Store implements tokens.Store on two Redis hashes keyed by token:
// <prefix>:since holds validSince and <prefix>:bad holds lastKnownBad, both
// as unix microseconds.
type Store struct {
	client   redis.UniversalClient
	sinceKey string
	badKey   string
}

// New creates a Store. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, sinceKey: prefix + ":since", badKey: prefix + ":bad"}
}

// Put implements tokens.Store.
func (s *Store) Put(ctx context.Context, value string, validSince time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.sinceKey, value, validSince.UnixMicro())
		p.HDel(ctx, s.badKey, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put token: %w", err)
	}
	return nil
}

// Delete implements tokens.Store.
func (s *Store) Delete(ctx context.Context, value string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.HDel(ctx, s.sinceKey, value)
		p.HDel(ctx, s.badKey, value)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete token: %w", err)
	}
	return removed.Val() > 0, nil
}

// MarkBad implements tokens.Store.
func (s *Store) MarkBad(ctx context.Context, value string, at time.Time) (bool, error) {
	n, err := markBad.Run(ctx, s.client, []string{s.sinceKey, s.badKey}, value, at.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("redis mark token bad: %w", err)
	}
	return n == 1, nil
}

// List implements tokens.Store.
func (s *Store) List(ctx context.Context) ([]tokens.Token, error) {
	var since, bad *redis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		since = p.HGetAll(ctx, s.sinceKey)
		bad = p.HGetAll(ctx, s.badKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list tokens: %w", err)
	}

	badAt := bad.Val()
	out := make([]tokens.Token, 0, len(since.Val()))
	for value, raw := range since.Val() {
		vs, err := parseMicros(raw)
		if err != nil {
			return nil, fmt.Errorf("token %q validSince: %w", value, err)
		}
		t := tokens.Token{Value: value, ValidSince: vs}
		if rawBad, ok := badAt[value]; ok {
			b, err := parseMicros(rawBad)
			if err != nil {
				return nil, fmt.Errorf("token %q lastKnownBad: %w", value, err)
			}
			t.LastKnownBad = &b
		}
		out = append(out, t)
	}
	return out, nil
}

func parseMicros(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}
