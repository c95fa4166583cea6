package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/incident/memstore"
	"github.com/linnemanlabs/warden/internal/incident/pgstore"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/push/fcm"
	"github.com/linnemanlabs/warden/internal/push/logpush"
	"github.com/linnemanlabs/warden/internal/push/webhook"
	"github.com/linnemanlabs/warden/internal/tokens"
	"github.com/linnemanlabs/warden/internal/tokens/redisstore"
)

// newAlertStore returns the postgres store when a database URL is set and
// the in-memory store otherwise. closeFn releases the pool.
func newAlertStore(ctx context.Context, appCfg *wc.Config, L log.Logger) (store incident.Store, closeFn func(), err error) {
	if appCfg.DatabaseURL == "" {
		L.Info(ctx, "using in-memory alert store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres alert store")
	return pg, pool.Close, nil
}

// newTokenStore returns the redis token store when a redis address is set
// and the in-memory store otherwise.
func newTokenStore(ctx context.Context, appCfg *wc.Config, L log.Logger) (store tokens.Store, closeFn func(), err error) {
	if appCfg.RedisAddr == "" {
		L.Info(ctx, "using in-memory token registry (no redis-addr configured)")
		return tokens.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     appCfg.RedisAddr,
		Password: appCfg.RedisPassword,
		DB:       appCfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", appCfg.RedisAddr, err)
	}
	L.Info(ctx, "using redis token registry", "addr", appCfg.RedisAddr, "db", appCfg.RedisDB)
	return redisstore.New(rdb, redisstore.DefaultPrefix), func() { _ = rdb.Close() }, nil
}

// newTransport builds the configured push transport.
func newTransport(ctx context.Context, appCfg *wc.Config, L log.Logger) (dispatch.Transport, error) {
	switch appCfg.PushTransport {
	case wc.PushFCM:
		t, err := fcm.New(ctx, appCfg.FCMCredentialsFile, appCfg.FCMProjectID)
		if err != nil {
			return nil, err
		}
		L.Info(ctx, "push transport enabled", "type", "fcm", "project_id", appCfg.FCMProjectID)
		return t, nil
	case wc.PushWebhook:
		L.Info(ctx, "push transport enabled", "type", "webhook", "url", appCfg.PushWebhookURL)
		return webhook.New(appCfg.PushWebhookURL, appCfg.PushWebhookToken), nil
	case wc.PushLog, "":
		L.Warn(ctx, "push transport is log-only, notifications are not delivered to devices")
		return logpush.New(L), nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", appCfg.PushTransport)
	}
}
