// Package tokens keeps the registry of recipient device tokens that alert
// notifications are dispatched to.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// MaxTokenLength bounds a registration token. FCM tokens are well below it.
const MaxTokenLength = 4096

var (
	ErrMalformedToken = errors.New("malformed device token")
	ErrNotFound       = errors.New("device token not found")
)

// Token is one registered recipient.
type Token struct {
	Value        string     `json:"token"`
	ValidSince   time.Time  `json:"validSince"`
	LastKnownBad *time.Time `json:"lastKnownBad,omitempty"`
}

// Active reports whether the token should receive notifications: it was
// never flagged, or was registered again after the last flag.
func (t Token) Active() bool {
	return t.LastKnownBad == nil || t.LastKnownBad.Before(t.ValidSince)
}

// Store persists registrations.
type Store interface {
	// Put registers value, or re-registers it with a new validSince.
	Put(ctx context.Context, value string, validSince time.Time) error
	// Delete removes value. It reports whether value was registered.
	Delete(ctx context.Context, value string) (bool, error)
	// MarkBad records that a transport rejected value. It reports whether
	// value was registered.
	MarkBad(ctx context.Context, value string, at time.Time) (bool, error)
	List(ctx context.Context) ([]Token, error)
}

// Registry validates registrations and serves the active token set to the
// dispatcher.
type Registry struct {
	store   Store
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	onRegister []func(token string)
}

// NewRegistry creates a registry over store. metrics may be nil.
func NewRegistry(store Store, logger log.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// OnRegister adds a hook run after every successful registration, e.g. to
// drop the token from a known-bad cache.
func (r *Registry) OnRegister(fn func(token string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = append(r.onRegister, fn)
}

// Normalize trims and validates a raw token.
func Normalize(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return "", fmt.Errorf("%w: empty", ErrMalformedToken)
	case len(v) > MaxTokenLength:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrMalformedToken, MaxTokenLength)
	case strings.ContainsAny(v, " \t\r\n"):
		return "", fmt.Errorf("%w: contains whitespace", ErrMalformedToken)
	}
	return v, nil
}

// Register adds or refreshes a token. Re-registering a token that was
// flagged bad makes it active again.
func (r *Registry) Register(ctx context.Context, raw string) (*Token, error) {
	v, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	at := r.now().UTC().Truncate(time.Microsecond)
	if err := r.store.Put(ctx, v, at); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	r.metrics.registered()
	r.logger.Info(ctx, "device token registered", "token", redact(v))

	r.mu.Lock()
	hooks := slices.Clone(r.onRegister)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(v)
	}
	return &Token{Value: v, ValidSince: at}, nil
}

// Unregister removes a token.
func (r *Registry) Unregister(ctx context.Context, raw string) error {
	v, err := Normalize(raw)
	if err != nil {
		return err
	}
	ok, err := r.store.Delete(ctx, v)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, redact(v))
	}
	r.logger.Info(ctx, "device token removed", "token", redact(v))
	return nil
}

// MarkBad flags a token a transport reported as invalid. Unknown tokens are
// ignored. It implements dispatch.TokenFlagger.
func (r *Registry) MarkBad(ctx context.Context, token string, at time.Time) error {
	ok, err := r.store.MarkBad(ctx, token, at.UTC())
	if err != nil {
		return fmt.Errorf("flag token: %w", err)
	}
	if ok {
		r.metrics.flagged()
		r.logger.Warn(ctx, "device token flagged invalid", "token", redact(token))
	}
	return nil
}

// List returns every registration, active or not, sorted by token.
func (r *Registry) List(ctx context.Context) ([]Token, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	slices.SortFunc(all, func(a, b Token) int { return strings.Compare(a.Value, b.Value) })
	return all, nil
}

// Active returns the tokens a dispatch should target, sorted.
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, t := range all {
		if t.Active() {
			out = append(out, t.Value)
		}
	}
	r.metrics.active(len(out))
	return out, nil
}

// redact keeps log lines from carrying full credentials.
func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
