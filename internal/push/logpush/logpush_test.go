package logpush

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

func TestSend(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	if err := tr.Send(context.Background(), "tok-1", &dispatch.Message{Title: "x"}); err != nil {
		t.Errorf("Send: %v", err)
	}
	if err := tr.Send(context.Background(), InvalidPrefix+"tok", &dispatch.Message{}); !errors.Is(err, dispatch.ErrInvalidToken) {
		t.Errorf("invalid token err = %v", err)
	}
}
