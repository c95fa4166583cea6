package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/incident/memstore"
	"github.com/linnemanlabs/warden/internal/push/logpush"
	"github.com/linnemanlabs/warden/internal/push/webhook"
	"github.com/linnemanlabs/warden/internal/tokens"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name    string
		cfg     wc.Config
		check   func(t *testing.T, tr any)
		wantErr bool
	}{
		{"log", wc.Config{PushTransport: wc.PushLog}, func(t *testing.T, tr any) {
			if _, ok := tr.(*logpush.Transport); !ok {
				t.Errorf("transport = %T, want *logpush.Transport", tr)
			}
		}, false},
		{"webhook", wc.Config{PushTransport: wc.PushWebhook, PushWebhookURL: "https://push.example.com"}, func(t *testing.T, tr any) {
			if _, ok := tr.(*webhook.Transport); !ok {
				t.Errorf("transport = %T, want *webhook.Transport", tr)
			}
		}, false},
		{"unknown", wc.Config{PushTransport: "sms"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, err := newTransport(ctx, &tt.cfg, log.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newTransport: %v", err)
			}
			tt.check(t, tr)
		})
	}
}

func TestNewStores_InMemoryDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var appCfg wc.Config

	as, closeAlerts, err := newAlertStore(ctx, &appCfg, log.Nop())
	if err != nil {
		t.Fatalf("newAlertStore: %v", err)
	}
	defer closeAlerts()
	if _, ok := as.(*memstore.Store); !ok {
		t.Errorf("alert store = %T, want *memstore.Store", as)
	}

	ts, closeTokens, err := newTokenStore(ctx, &appCfg, log.Nop())
	if err != nil {
		t.Fatalf("newTokenStore: %v", err)
	}
	defer closeTokens()
	if _, ok := ts.(*tokens.MemoryStore); !ok {
		t.Errorf("token store = %T, want *tokens.MemoryStore", ts)
	}
}
