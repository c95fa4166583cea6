package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/go-core/log"
)

// closedAlertCacheSize bounds how many cancelled alerts are remembered.
const closedAlertCacheSize = 8192

// Dispatcher owns the delivery queue and the worker pool.
type Dispatcher struct {
	transport Transport
	flagger   TokenFlagger
	logger    log.Logger
	metrics   *Metrics
	cfg       Config
	bad       *lru.Cache[string, time.Time] // token -> rejected at
	closed    *lru.Cache[string, struct{}]  // cancelled alert IDs
	now       func() time.Time

	mu       sync.Mutex
	queue    jobQueue
	seq      uint64
	active   map[string]*batch // alert ID -> current batch
	reporter Reporter
	baseCtx  context.Context
	cancel   context.CancelFunc
	started  bool

	signal chan struct{}
	wg     sync.WaitGroup
}

// batch is one Request in flight. All fields are guarded by Dispatcher.mu.
type batch struct {
	id        string
	req       *Request
	jobs      []*job
	remaining int
	cancelled bool
	timedOut  bool
	done      bool
	deadline  *time.Timer
	startedAt time.Time
	resultCh  chan *Result
}

// job is the NotificationJob for one alert x token.
type job struct {
	batch    *batch
	token    string
	seq      uint64
	attempts int
	state    JobState
	status   DeliveryStatus
	lastErr  string
	inFlight bool
	retry    *time.Timer
	backoff  *backoff.ExponentialBackOff
}

func (j *job) terminal() bool {
	return j.state == JobSent || j.state == JobFailedPermanent || j.state == JobCancelled
}

// New creates a Dispatcher. flagger and metrics may be nil.
func New(transport Transport, flagger TokenFlagger, logger log.Logger, metrics *Metrics, cfg Config) (*Dispatcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("dispatch: transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	bad, err := lru.New[string, time.Time](cfg.BadTokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: bad token cache: %w", err)
	}
	closed, err := lru.New[string, struct{}](closedAlertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: closed alert cache: %w", err)
	}
	return &Dispatcher{
		transport: transport,
		flagger:   flagger,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		bad:       bad,
		closed:    closed,
		now:       time.Now,
		active:    make(map[string]*batch),
		baseCtx:   context.Background(),
		signal:    make(chan struct{}, 1),
	}, nil
}

// Start launches the worker pool. Finished batches are reported to r, which
// may be nil. Start must be called once.
func (d *Dispatcher) Start(ctx context.Context, r Reporter) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.reporter = r
	d.baseCtx = context.WithoutCancel(ctx)
	wctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(wctx)
	}
	d.logger.Info(ctx, "dispatcher started", "workers", d.cfg.Workers, "max_attempts", d.cfg.MaxAttempts)
}

// Shutdown stops the workers and all pending retry timers, then waits for
// in-flight attempts until ctx expires. Attempts already in flight are not
// cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	for _, b := range d.active {
		for _, j := range b.jobs {
			if j.retry != nil {
				j.retry.Stop()
			}
		}
		if b.deadline != nil {
			b.deadline.Stop()
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}

// Submit enqueues a request. The result is delivered to the Reporter.
func (d *Dispatcher) Submit(req *Request) error {
	_, err := d.submit(req)
	return err
}

// Dispatch enqueues a request and blocks until its batch rolls up or ctx
// is done.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	b, err := d.submit(req)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-b.resultCh:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel supersedes the active batch for alertID. Queued and backing-off
// jobs are cancelled; attempts already in flight finish and are recorded.
// Later requests for alertID are rejected with ErrAlertClosed. It reports
// whether a batch was active.
func (d *Dispatcher) Cancel(alertID string) bool {
	d.mu.Lock()
	d.closed.Add(alertID, struct{}{})
	b, ok := d.active[alertID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.cancelLocked(b)
	res := d.finishLocked(b)
	d.mu.Unlock()

	d.logger.Info(d.baseCtx, "dispatch cancelled", "alert_id", alertID, "batch_id", b.id)
	d.deliver(res)
	return true
}

// Forget drops a token from the recently-rejected cache, typically after
// it has been registered again.
func (d *Dispatcher) Forget(token string) {
	d.bad.Remove(token)
}

func (d *Dispatcher) submit(req *Request) (*batch, error) {
	if req == nil || req.AlertID == "" {
		return nil, ErrMissingAlertID
	}

	b := &batch{
		id:        uuid.NewString(),
		req:       req,
		startedAt: d.now(),
		resultCh:  make(chan *Result, 1),
	}
	seen := make(map[string]struct{}, len(req.Tokens))
	for _, tok := range req.Tokens {
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		bo := &backoff.ExponentialBackOff{
			InitialInterval:     d.cfg.BackoffBase,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         d.cfg.BackoffCap,
		}
		bo.Reset()
		b.jobs = append(b.jobs, &job{batch: b, token: tok, state: JobQueued, backoff: bo})
	}
	b.remaining = len(b.jobs)

	d.mu.Lock()
	if d.closed.Contains(req.AlertID) {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertClosed, req.AlertID)
	}
	var superseded *Result
	if cur, ok := d.active[req.AlertID]; ok {
		if cur.req.Generation >= req.Generation {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: alert %s generation %d <= active %d",
				ErrSuperseded, req.AlertID, req.Generation, cur.req.Generation)
		}
		d.cancelLocked(cur)
		superseded = d.finishLocked(cur)
	}

	d.metrics.batchStarted(len(b.jobs))
	d.active[req.AlertID] = b
	for _, j := range b.jobs {
		d.pushLocked(j)
	}
	b.deadline = time.AfterFunc(d.cfg.BatchTimeout, func() { d.expire(b) })
	res := d.finishLocked(b) // rolls up immediately when there are no tokens
	d.mu.Unlock()

	d.logger.Info(d.baseCtx, "dispatch submitted",
		"alert_id", req.AlertID,
		"batch_id", b.id,
		"generation", req.Generation,
		"priority", req.Priority.String(),
		"tokens", len(b.jobs),
	)

	d.deliver(superseded)
	d.deliver(res)
	return b, nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		j := d.next()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.signal:
			}
			continue
		}
		d.attempt(j)
	}
}

// next pops the highest priority runnable job and marks it in flight.
func (d *Dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		j := d.queue.pop()
		if j == nil {
			d.metrics.queueDepth(0)
			return nil
		}
		if j.batch.done || j.state != JobQueued {
			continue
		}
		j.inFlight = true
		j.attempts++
		d.metrics.queueDepth(d.queue.Len())
		if d.queue.Len() > 0 {
			d.kick()
		}
		return j
	}
}

// attempt runs one send on the detached base context, so stopping the
// workers never aborts a send already in flight.
func (d *Dispatcher) attempt(j *job) {
	if at, ok := d.bad.Get(j.token); ok && d.now().Sub(at) < d.cfg.BadTokenTTL {
		d.metrics.badSkip()
		d.complete(j, StatusInvalidToken, fmt.Errorf("%w: rejected at %s", ErrInvalidToken, at.UTC().Format(time.RFC3339)))
		return
	}

	actx, cancel := context.WithTimeout(d.baseCtx, d.cfg.AttemptTimeout)
	start := time.Now()
	err := d.transport.Send(actx, j.token, &j.batch.req.Message)
	cancel()
	status := Classify(err)
	d.metrics.attempt(status, time.Since(start).Seconds())

	switch status {
	case StatusDelivered:
		d.complete(j, StatusDelivered, nil)
	case StatusInvalidToken:
		now := d.now()
		d.bad.Add(j.token, now)
		if d.flagger != nil {
			if ferr := d.flagger.MarkBad(d.baseCtx, j.token, now); ferr != nil {
				d.logger.Error(d.baseCtx, ferr, "failed to flag invalid token", "alert_id", j.batch.req.AlertID)
			}
		}
		d.complete(j, StatusInvalidToken, err)
	default:
		d.retryOrFail(j, err)
	}
}

func (d *Dispatcher) complete(j *job, status DeliveryStatus, err error) {
	d.mu.Lock()
	j.inFlight = false
	if j.terminal() || j.batch.done {
		d.mu.Unlock()
		return
	}
	j.status = status
	if status == StatusDelivered {
		j.state = JobSent
	} else {
		j.state = JobFailedPermanent
	}
	if err != nil {
		j.lastErr = err.Error()
	}
	j.batch.remaining--
	res := d.finishLocked(j.batch)
	d.mu.Unlock()
	d.deliver(res)
}

func (d *Dispatcher) retryOrFail(j *job, err error) {
	d.mu.Lock()
	j.inFlight = false
	j.lastErr = err.Error()
	b := j.batch
	if j.terminal() || b.done {
		d.mu.Unlock()
		return
	}
	if b.cancelled || j.attempts >= d.cfg.MaxAttempts {
		j.state = JobFailedPermanent
		j.status = StatusTransient
		b.remaining--
		res := d.finishLocked(b)
		d.mu.Unlock()
		d.deliver(res)
		return
	}

	j.state = JobFailedRetryable
	delay := j.backoff.NextBackOff()
	j.retry = time.AfterFunc(delay, func() { d.requeue(j) })
	d.mu.Unlock()

	d.metrics.retry()
	d.logger.Warn(d.baseCtx, "delivery attempt failed, retry scheduled",
		"alert_id", b.req.AlertID,
		"batch_id", b.id,
		"attempt", j.attempts,
		"delay", delay.String(),
		"error", err.Error(),
	)
}

func (d *Dispatcher) requeue(j *job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j.batch.done || j.batch.cancelled || j.state != JobFailedRetryable {
		return
	}
	j.retry = nil
	j.state = JobQueued
	d.pushLocked(j)
}

// expire fails every unfinished job of b once the batch deadline passes.
func (d *Dispatcher) expire(b *batch) {
	d.mu.Lock()
	if b.done {
		d.mu.Unlock()
		return
	}
	b.timedOut = true
	for _, j := range b.jobs {
		if j.terminal() {
			continue
		}
		if j.retry != nil {
			j.retry.Stop()
		}
		j.state = JobFailedPermanent
		j.status = StatusTransient
		if j.lastErr == "" {
			j.lastErr = "dispatch timed out"
		} else {
			j.lastErr = "dispatch timed out: " + j.lastErr
		}
	}
	b.remaining = 0
	res := d.finishLocked(b)
	d.mu.Unlock()

	d.logger.Warn(d.baseCtx, "dispatch timed out", "alert_id", b.req.AlertID, "batch_id", b.id)
	d.deliver(res)
}

// cancelLocked detaches b from the active set and cancels every job that
// is not currently being attempted.
func (d *Dispatcher) cancelLocked(b *batch) {
	b.cancelled = true
	if cur, ok := d.active[b.req.AlertID]; ok && cur == b {
		delete(d.active, b.req.AlertID)
	}
	for _, j := range b.jobs {
		if j.terminal() || j.inFlight {
			continue
		}
		if j.retry != nil {
			j.retry.Stop()
			j.retry = nil
		}
		j.state = JobCancelled
		j.status = StatusCancelled
		b.remaining--
	}
}

// finishLocked rolls b up once every job is terminal. It returns nil while
// work remains or when b already finished.
func (d *Dispatcher) finishLocked(b *batch) *Result {
	if b.done || b.remaining > 0 {
		return nil
	}
	b.done = true
	if b.deadline != nil {
		b.deadline.Stop()
	}
	if cur, ok := d.active[b.req.AlertID]; ok && cur == b {
		delete(d.active, b.req.AlertID)
	}

	tokens := make([]TokenResult, 0, len(b.jobs))
	for _, j := range b.jobs {
		tokens = append(tokens, TokenResult{
			Token:     j.token,
			Status:    j.status,
			Attempts:  j.attempts,
			LastError: j.lastErr,
		})
	}
	res := &Result{
		BatchID:     b.id,
		AlertID:     b.req.AlertID,
		Generation:  b.req.Generation,
		Priority:    b.req.Priority,
		Outcome:     Aggregate(tokens),
		Tokens:      tokens,
		Superseded:  b.cancelled,
		TimedOut:    b.timedOut,
		StartedAt:   b.startedAt,
		CompletedAt: d.now(),
	}
	b.resultCh <- res
	return res
}

func (d *Dispatcher) deliver(res *Result) {
	if res == nil {
		return
	}
	d.metrics.batchDone(res)
	d.logger.Info(d.baseCtx, "dispatch complete",
		"alert_id", res.AlertID,
		"batch_id", res.BatchID,
		"outcome", string(res.Outcome),
		"delivered", res.Count(StatusDelivered),
		"invalid", res.Count(StatusInvalidToken),
		"failed", res.Count(StatusTransient),
		"superseded", res.Superseded,
		"timed_out", res.TimedOut,
	)

	d.mu.Lock()
	r := d.reporter
	ctx := d.baseCtx
	d.mu.Unlock()
	if r != nil {
		r.ReportDispatch(ctx, res)
	}
}

func (d *Dispatcher) pushLocked(j *job) {
	d.seq++
	j.seq = d.seq
	d.queue.push(j)
	d.metrics.queueDepth(d.queue.Len())
	d.kick()
}

func (d *Dispatcher) kick() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}
