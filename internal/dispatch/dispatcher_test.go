package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"
)

func testConfig() Config {
	return Config{
		Workers:           4,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
		BatchTimeout:      5 * time.Second,
		AttemptTimeout:    time.Second,
		BadTokenCacheSize: 16,
		BadTokenTTL:       time.Minute,
	}
}

// scriptedTransport answers per token. Unknown tokens are delivered.
type scriptedTransport struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
	plan  map[string]func(attempt int) error
}

func newScripted(plan map[string]func(attempt int) error) *scriptedTransport {
	return &scriptedTransport{calls: make(map[string]int), plan: plan}
}

func (s *scriptedTransport) Send(_ context.Context, token string, _ *Message) error {
	s.mu.Lock()
	s.calls[token]++
	n := s.calls[token]
	s.order = append(s.order, token)
	fn := s.plan[token]
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(n)
}

func (s *scriptedTransport) Calls(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[token]
}

func (s *scriptedTransport) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func always(err error) func(int) error { return func(int) error { return err } }

type fakeFlagger struct {
	mu  sync.Mutex
	bad []string
}

func (f *fakeFlagger) MarkBad(_ context.Context, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad = append(f.bad, token)
	return nil
}

func (f *fakeFlagger) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bad...)
}

type chanReporter chan *Result

func (c chanReporter) ReportDispatch(_ context.Context, res *Result) { c <- res }

func startDispatcher(t *testing.T, tr Transport, fl TokenFlagger, cfg Config, r Reporter) *Dispatcher {
	t.Helper()
	d, err := New(tr, fl, log.Nop(), NewMetrics(prometheus.NewRegistry()), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start(context.Background(), r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func dispatchWait(t *testing.T, d *Dispatcher, req *Request) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return res
}

func tokenResult(t *testing.T, res *Result, token string) TokenResult {
	t.Helper()
	for _, tr := range res.Tokens {
		if tr.Token == token {
			return tr
		}
	}
	t.Fatalf("token %q missing from result", token)
	return TokenResult{}
}

func TestNew_RequiresTransport(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil, nil, nil, testConfig()); err == nil {
		t.Fatal("expected error for nil transport")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Workers = 0
	if _, err := New(newScripted(nil), nil, nil, nil, cfg); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestDispatch_AllDelivered(t *testing.T) {
	t.Parallel()

	tr := newScripted(nil)
	d := startDispatcher(t, tr, nil, testConfig(), nil)

	res := dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"t1", "t2", "t3"}})

	if res.Outcome != OutcomeAllDelivered {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomeAllDelivered)
	}
	if got := res.Count(StatusDelivered); got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}
	if res.BatchID == "" {
		t.Error("expected batch id")
	}
	if res.Superseded || res.TimedOut {
		t.Errorf("unexpected flags: superseded=%v timedOut=%v", res.Superseded, res.TimedOut)
	}
}

func TestDispatch_DuplicateTokensCollapsed(t *testing.T) {
	t.Parallel()

	tr := newScripted(nil)
	d := startDispatcher(t, tr, nil, testConfig(), nil)

	res := dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"t1", "t1", "", "t2"}})

	if len(res.Tokens) != 2 {
		t.Fatalf("tokens = %d, want 2", len(res.Tokens))
	}
	if tr.Calls("t1") != 1 {
		t.Errorf("t1 calls = %d, want 1", tr.Calls("t1"))
	}
}

func TestDispatch_FanOutIsolation(t *testing.T) {
	t.Parallel()

	tr := newScripted(map[string]func(int) error{
		"bad":   always(fmt.Errorf("gateway: %w", ErrInvalidToken)),
		"flaky": always(errors.New("connection reset")),
	})
	fl := &fakeFlagger{}
	d := startDispatcher(t, tr, fl, testConfig(), nil)

	res := dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"good", "bad", "flaky"}})

	if res.Outcome != OutcomePartialDelivered {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomePartialDelivered)
	}

	good := tokenResult(t, res, "good")
	if good.Status != StatusDelivered || good.Attempts != 1 {
		t.Errorf("good = %+v, want delivered after 1 attempt", good)
	}

	bad := tokenResult(t, res, "bad")
	if bad.Status != StatusInvalidToken || bad.Attempts != 1 {
		t.Errorf("bad = %+v, want invalid_token after 1 attempt", bad)
	}
	if tr.Calls("bad") != 1 {
		t.Errorf("invalid token retried: %d calls", tr.Calls("bad"))
	}
	if got := fl.Tokens(); len(got) != 1 || got[0] != "bad" {
		t.Errorf("flagged = %v, want [bad]", got)
	}

	flaky := tokenResult(t, res, "flaky")
	if flaky.Status != StatusTransient {
		t.Errorf("flaky status = %s, want transient", flaky.Status)
	}
	if flaky.LastError != "connection reset" {
		t.Errorf("flaky lastError = %q", flaky.LastError)
	}
}

func TestDispatch_ExhaustionExactAttempts(t *testing.T) {
	t.Parallel()

	for _, attempts := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", attempts), func(t *testing.T) {
			t.Parallel()

			tr := newScripted(map[string]func(int) error{
				"t1": always(errors.New("503")),
				"t2": always(errors.New("503")),
			})
			cfg := testConfig()
			cfg.MaxAttempts = attempts
			d := startDispatcher(t, tr, nil, cfg, nil)

			res := dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"t1", "t2"}})

			if res.Outcome != OutcomeAllFailed {
				t.Errorf("outcome = %s, want %s", res.Outcome, OutcomeAllFailed)
			}
			for _, tok := range []string{"t1", "t2"} {
				if got := tr.Calls(tok); got != attempts {
					t.Errorf("%s calls = %d, want %d", tok, got, attempts)
				}
				if got := tokenResult(t, res, tok).Attempts; got != attempts {
					t.Errorf("%s attempts = %d, want %d", tok, got, attempts)
				}
			}
		})
	}
}

func TestDispatch_RetryThenDeliver(t *testing.T) {
	t.Parallel()

	tr := newScripted(map[string]func(int) error{
		"t1": func(n int) error {
			if n < 3 {
				return errors.New("timeout")
			}
			return nil
		},
	})
	d := startDispatcher(t, tr, nil, testConfig(), nil)

	res := dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"t1"}})

	if res.Outcome != OutcomeAllDelivered {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomeAllDelivered)
	}
	if got := tokenResult(t, res, "t1").Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatch_NoTokensIsAllFailed(t *testing.T) {
	t.Parallel()

	rep := make(chanReporter, 1)
	d := startDispatcher(t, newScripted(nil), nil, testConfig(), rep)

	res := dispatchWait(t, d, &Request{AlertID: "a1"})
	if res.Outcome != OutcomeAllFailed {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomeAllFailed)
	}
	if len(res.Tokens) != 0 {
		t.Errorf("tokens = %d, want 0", len(res.Tokens))
	}

	select {
	case got := <-rep:
		if got.BatchID != res.BatchID {
			t.Errorf("reported batch %s, want %s", got.BatchID, res.BatchID)
		}
	case <-time.After(time.Second):
		t.Fatal("reporter not called")
	}
}

func TestSubmit_MissingAlertID(t *testing.T) {
	t.Parallel()

	d := startDispatcher(t, newScripted(nil), nil, testConfig(), nil)
	if err := d.Submit(&Request{Tokens: []string{"t1"}}); !errors.Is(err, ErrMissingAlertID) {
		t.Errorf("err = %v, want ErrMissingAlertID", err)
	}
	if err := d.Submit(nil); !errors.Is(err, ErrMissingAlertID) {
		t.Errorf("nil request err = %v, want ErrMissingAlertID", err)
	}
}

// gate blocks the first send of the "gate" token until released.
type gate struct {
	*scriptedTransport
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(plan map[string]func(int) error) *gate {
	g := &gate{
		scriptedTransport: newScripted(plan),
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	return g
}

func (g *gate) Send(ctx context.Context, token string, msg *Message) error {
	if token == "gate" {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.scriptedTransport.Send(ctx, token, msg)
}

func waitEntered(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never entered")
	}
}

func TestDispatch_PriorityServedFirst(t *testing.T) {
	t.Parallel()

	g := newGate(nil)
	cfg := testConfig()
	cfg.Workers = 1
	rep := make(chanReporter, 3)
	d := startDispatcher(t, g, nil, cfg, rep)

	if err := d.Submit(&Request{AlertID: "blocker", Tokens: []string{"gate"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEntered(t, g)

	if err := d.Submit(&Request{AlertID: "normal", Tokens: []string{"n1", "n2"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Submit(&Request{AlertID: "urgent", Priority: PriorityHigh, Tokens: []string{"h1"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(g.release)

	for range 3 {
		select {
		case <-rep:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for batches")
		}
	}

	want := []string{"gate", "h1", "n1", "n2"}
	got := g.Order()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSubmit_OlderGenerationRejected(t *testing.T) {
	t.Parallel()

	g := newGate(nil)
	cfg := testConfig()
	cfg.Workers = 1
	d := startDispatcher(t, g, nil, cfg, nil)
	defer close(g.release)

	if err := d.Submit(&Request{AlertID: "a1", Generation: 2, Tokens: []string{"gate"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEntered(t, g)

	for _, gen := range []int{1, 2} {
		err := d.Submit(&Request{AlertID: "a1", Generation: gen, Tokens: []string{"t1"}})
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("generation %d: err = %v, want ErrSuperseded", gen, err)
		}
	}
}

func TestSubmit_NewerGenerationSupersedes(t *testing.T) {
	t.Parallel()

	g := newGate(nil)
	cfg := testConfig()
	cfg.Workers = 1
	rep := make(chanReporter, 2)
	d := startDispatcher(t, g, nil, cfg, rep)

	if err := d.Submit(&Request{AlertID: "a1", Generation: 1, Tokens: []string{"gate", "queued"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEntered(t, g)

	if err := d.Submit(&Request{AlertID: "a1", Generation: 2, Priority: PriorityHigh, Tokens: []string{"fresh"}}); err != nil {
		t.Fatalf("Submit gen 2: %v", err)
	}
	close(g.release)

	byGen := map[int]*Result{}
	for range 2 {
		select {
		case r := <-rep:
			byGen[r.Generation] = r
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for batches")
		}
	}

	old := byGen[1]
	if old == nil || !old.Superseded {
		t.Fatalf("generation 1 result = %+v, want superseded", old)
	}
	if got := tokenResult(t, old, "gate").Status; got != StatusDelivered {
		t.Errorf("in-flight attempt status = %s, want delivered", got)
	}
	if got := tokenResult(t, old, "queued").Status; got != StatusCancelled {
		t.Errorf("queued token status = %s, want cancelled", got)
	}
	if g.Calls("queued") != 0 {
		t.Error("cancelled token was still sent")
	}

	cur := byGen[2]
	if cur == nil || cur.Superseded || cur.Outcome != OutcomeAllDelivered {
		t.Errorf("generation 2 result = %+v, want all_delivered", cur)
	}
}

func TestCancel_StopsRetries(t *testing.T) {
	t.Parallel()

	tr := newScripted(map[string]func(int) error{
		"t1": always(errors.New("unavailable")),
	})
	cfg := testConfig()
	cfg.MaxAttempts = 10
	cfg.BackoffBase = time.Hour
	cfg.BackoffCap = time.Hour
	cfg.BatchTimeout = 2 * time.Hour
	rep := make(chanReporter, 1)
	d := startDispatcher(t, tr, nil, cfg, rep)

	if err := d.Submit(&Request{AlertID: "a1", Tokens: []string{"t1"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.Calls("t1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never made")
		}
		time.Sleep(time.Millisecond)
	}
	// let the failed attempt settle into backoff
	time.Sleep(20 * time.Millisecond)

	if !d.Cancel("a1") {
		t.Fatal("Cancel returned false for active batch")
	}
	if d.Cancel("a1") {
		t.Error("second Cancel returned true")
	}

	select {
	case res := <-rep:
		if !res.Superseded {
			t.Error("expected superseded result")
		}
		if got := tokenResult(t, res, "t1"); got.Status != StatusCancelled || got.Attempts != 1 {
			t.Errorf("t1 = %+v, want cancelled after 1 attempt", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result after cancel")
	}
}

func TestCancel_RejectsLaterSubmits(t *testing.T) {
	t.Parallel()

	tr := newScripted(nil)
	d := startDispatcher(t, tr, nil, testConfig(), nil)

	if d.Cancel("a1") {
		t.Error("Cancel reported an active batch for an idle alert")
	}
	err := d.Submit(&Request{AlertID: "a1", Generation: 2, Priority: PriorityHigh, Tokens: []string{"t1"}})
	if !errors.Is(err, ErrAlertClosed) {
		t.Fatalf("Submit after Cancel err = %v, want ErrAlertClosed", err)
	}
	if _, err := d.Dispatch(context.Background(), &Request{AlertID: "a1", Generation: 3, Tokens: []string{"t1"}}); !errors.Is(err, ErrAlertClosed) {
		t.Errorf("Dispatch after Cancel err = %v, want ErrAlertClosed", err)
	}

	// other alerts are unaffected
	if res := dispatchWait(t, d, &Request{AlertID: "a2", Tokens: []string{"t1"}}); res.Outcome != OutcomeAllDelivered {
		t.Errorf("a2 outcome = %s", res.Outcome)
	}
	if tr.Calls("t1") != 1 {
		t.Errorf("t1 calls = %d, want 1", tr.Calls("t1"))
	}
}

// blockingTransport holds every send until release is closed and records
// whether the send context was cancelled while it waited.
type blockingTransport struct {
	started  chan struct{}
	release  chan struct{}
	mu       sync.Mutex
	canceled bool
}

func (b *blockingTransport) Send(ctx context.Context, _ string, _ *Message) error {
	close(b.started)
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = ctx.Err() != nil
	return ctx.Err()
}

func TestShutdown_InFlightAttemptFinishes(t *testing.T) {
	t.Parallel()

	tr := &blockingTransport{started: make(chan struct{}), release: make(chan struct{})}
	rep := make(chanReporter, 1)
	d, err := New(tr, nil, log.Nop(), nil, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start(context.Background(), rep)

	if err := d.Submit(&Request{AlertID: "a1", Tokens: []string{"t1"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never started")
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- d.Shutdown(ctx)
	}()

	// Shutdown must still be waiting on the in-flight send
	select {
	case err := <-done:
		t.Fatalf("Shutdown returned %v before the in-flight send finished", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(tr.release)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	tr.mu.Lock()
	canceled := tr.canceled
	tr.mu.Unlock()
	if canceled {
		t.Error("in-flight send context was cancelled by Shutdown")
	}
	select {
	case res := <-rep:
		if res.Outcome != OutcomeAllDelivered {
			t.Errorf("outcome = %s, want all_delivered", res.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result for the in-flight batch")
	}
}

func TestDispatch_BatchTimeout(t *testing.T) {
	t.Parallel()

	tr := newScripted(map[string]func(int) error{
		"t1": always(errors.New("unavailable")),
	})
	cfg := testConfig()
	cfg.MaxAttempts = 5
	cfg.BackoffBase = time.Hour
	cfg.BackoffCap = time.Hour
	cfg.BatchTimeout = 50 * time.Millisecond
	cfg.AttemptTimeout = 10 * time.Millisecond
	d := startDispatcher(t, tr, nil, cfg, nil)

	res := dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"t1", "t2"}})

	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.Outcome != OutcomePartialDelivered {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomePartialDelivered)
	}
	t1 := tokenResult(t, res, "t1")
	if t1.Status != StatusTransient {
		t.Errorf("t1 status = %s, want transient", t1.Status)
	}
	if t1.LastError != "dispatch timed out: unavailable" {
		t.Errorf("t1 lastError = %q", t1.LastError)
	}
}

func TestDispatch_KnownBadTokenSkipped(t *testing.T) {
	t.Parallel()

	tr := newScripted(map[string]func(int) error{
		"stale": always(ErrInvalidToken),
	})
	d := startDispatcher(t, tr, nil, testConfig(), nil)

	dispatchWait(t, d, &Request{AlertID: "a1", Tokens: []string{"stale"}})
	res := dispatchWait(t, d, &Request{AlertID: "a2", Tokens: []string{"stale"}})

	if got := tr.Calls("stale"); got != 1 {
		t.Errorf("calls = %d, want 1 (second batch served from cache)", got)
	}
	if got := tokenResult(t, res, "stale").Status; got != StatusInvalidToken {
		t.Errorf("status = %s, want invalid_token", got)
	}

	d.Forget("stale")
	dispatchWait(t, d, &Request{AlertID: "a3", Tokens: []string{"stale"}})
	if got := tr.Calls("stale"); got != 2 {
		t.Errorf("calls after Forget = %d, want 2", got)
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []DeliveryStatus
		want Outcome
	}{
		{"empty", nil, OutcomeAllFailed},
		{"all delivered", []DeliveryStatus{StatusDelivered, StatusDelivered}, OutcomeAllDelivered},
		{"one of three", []DeliveryStatus{StatusDelivered, StatusInvalidToken, StatusTransient}, OutcomePartialDelivered},
		{"none", []DeliveryStatus{StatusInvalidToken, StatusTransient}, OutcomeAllFailed},
		{"cancelled only", []DeliveryStatus{StatusCancelled}, OutcomeAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var rs []TokenResult
			for i, s := range tt.in {
				rs = append(rs, TokenResult{Token: fmt.Sprint(i), Status: s})
			}
			if got := Aggregate(rs); got != tt.want {
				t.Errorf("Aggregate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want DeliveryStatus
	}{
		{nil, StatusDelivered},
		{ErrInvalidToken, StatusInvalidToken},
		{fmt.Errorf("fcm: %w", ErrInvalidToken), StatusInvalidToken},
		{context.DeadlineExceeded, StatusTransient},
		{errors.New("boom"), StatusTransient},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mut     func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"too many workers", func(c *Config) { c.Workers = 1001 }, true},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, true},
		{"cap below base", func(c *Config) { c.BackoffCap = c.BackoffBase / 2 }, true},
		{"attempt exceeds batch", func(c *Config) { c.AttemptTimeout = c.BatchTimeout + time.Second }, true},
		{"zero cache", func(c *Config) { c.BadTokenCacheSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := DefaultConfig()
			tt.mut(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
