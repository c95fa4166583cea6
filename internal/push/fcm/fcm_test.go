package fcm

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

type fakeSender struct {
	got *messaging.Message
	err error
}

func (f *fakeSender) Send(_ context.Context, msg *messaging.Message) (string, error) {
	f.got = msg
	if f.err != nil {
		return "", f.err
	}
	return "projects/p/messages/1", nil
}

var errUnregistered = errors.New("registration token is not registered")

func newTestTransport(s Sender) *Transport {
	tr := NewWithSender(s)
	tr.invalid = func(err error) bool { return errors.Is(err, errUnregistered) }
	return tr
}

func TestSend_BuildsMessage(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	msg := &dispatch.Message{Title: "🔥 Fire Alert", Body: "Fire detected.", Data: map[string]string{"alertId": "a-1"}}
	if err := newTestTransport(s).Send(context.Background(), "tok-1", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s.got.Token != "tok-1" || s.got.Notification.Title != msg.Title || s.got.Data["alertId"] != "a-1" {
		t.Errorf("message = %+v", s.got)
	}
	if s.got.Android.Priority != "high" {
		t.Errorf("android priority = %q", s.got.Android.Priority)
	}
}

func TestSend_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want dispatch.DeliveryStatus
	}{
		{"ok", nil, dispatch.StatusDelivered},
		{"unregistered", errUnregistered, dispatch.StatusInvalidToken},
		{"unavailable", errors.New("service unavailable"), dispatch.StatusTransient},
	}
	for _, tt := range tests {
		err := newTestTransport(&fakeSender{err: tt.err}).Send(context.Background(), "tok", &dispatch.Message{})
		if got := dispatch.Classify(err); got != tt.want {
			t.Errorf("%s: classified %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestIsTokenError_PlainErrors(t *testing.T) {
	t.Parallel()

	if isTokenError(errors.New("boom")) {
		t.Error("plain error treated as token error")
	}
}
