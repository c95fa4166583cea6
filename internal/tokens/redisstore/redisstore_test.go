package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/warden/internal/tokens"
	"github.com/linnemanlabs/warden/internal/tokens/redisstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*miniredis.Miniredis, *redisstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, redisstore.New(rdb, "")
}

func TestPutAndList(t *testing.T) {
	t.Parallel()

	mr, s := setup(t)
	ctx := context.Background()

	if err := s.Put(ctx, "tok-1", t0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "tok-2", t0.Add(time.Second)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List len = %d, want 2", len(got))
	}
	for _, tok := range got {
		if tok.Value == "tok-1" && !tok.ValidSince.Equal(t0) {
			t.Errorf("tok-1 validSince = %s", tok.ValidSince)
		}
		if tok.LastKnownBad != nil {
			t.Errorf("%s unexpectedly flagged", tok.Value)
		}
	}

	if !mr.Exists(redisstore.DefaultPrefix + ":since") {
		t.Error("since hash not written under default prefix")
	}
}

func TestMarkBad(t *testing.T) {
	t.Parallel()

	_, s := setup(t)
	ctx := context.Background()

	if err := s.Put(ctx, "tok-1", t0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.MarkBad(ctx, "tok-1", t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("MarkBad: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkBad(ctx, "unknown", t0)
	if err != nil || ok {
		t.Fatalf("MarkBad unknown: ok=%v err=%v", ok, err)
	}

	got, _ := s.List(ctx)
	if len(got) != 1 || got[0].LastKnownBad == nil || !got[0].LastKnownBad.Equal(t0.Add(time.Minute)) {
		t.Fatalf("List = %+v", got)
	}
	if got[0].Active() {
		t.Error("flagged token reported active")
	}

	// re-registration clears the flag
	if err := s.Put(ctx, "tok-1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ = s.List(ctx)
	if got[0].LastKnownBad != nil || !got[0].Active() {
		t.Errorf("re-registered token = %+v", got[0])
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	_, s := setup(t)
	ctx := context.Background()

	if err := s.Put(ctx, "tok-1", t0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.MarkBad(ctx, "tok-1", t0); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	ok, err := s.Delete(ctx, "tok-1")
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(ctx, "tok-1")
	if err != nil || ok {
		t.Fatalf("second Delete: ok=%v err=%v", ok, err)
	}
	if got, _ := s.List(ctx); len(got) != 0 {
		t.Errorf("List after delete = %+v", got)
	}
}

func TestRegistryOverRedis(t *testing.T) {
	t.Parallel()

	_, s := setup(t)
	ctx := context.Background()
	r := tokens.NewRegistry(s, nil, nil)

	for _, tok := range []string{"tok-a", "tok-b"} {
		if _, err := r.Register(ctx, tok); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := r.MarkBad(ctx, "tok-a", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	active, err := r.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0] != "tok-b" {
		t.Errorf("Active = %v, want [tok-b]", active)
	}
}
