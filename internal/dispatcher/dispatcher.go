// Package dispatcher runs registered tools with bounded latency: a per-attempt
// timeout, retry with exponential backoff for transient failures, a
// per-(tenant, tool) fixed-window rate limiter and circuit breaker.
//
// Invoke never returns an error and never panics; every failure mode is
// reported in the returned models.ToolInvocationOutcome.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dispatch-plane/dispatcher")

// CallContext identifies who a call is made on behalf of.
type CallContext struct {
	TenantID string
	ChatID   string
}

// Handler is a tool capability. It should honor ctx; the dispatcher stops
// waiting for it once the attempt timeout fires either way.
type Handler func(ctx context.Context, args map[string]any, call CallContext) (any, error)

type entry struct {
	desc    models.ToolDescriptor
	handler Handler
}

// Dispatcher owns the tool registry and executes invocations.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]*entry

	states *StateTable
	now    func() time.Time
	jitter func(base time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

// WithClock replaces the clock used for breaker and rate-limit windows.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithJitter replaces the backoff jitter source. fn receives the base delay
// and returns a value in [0, base).
func WithJitter(fn func(base time.Duration) time.Duration) Option {
	return func(d *Dispatcher) { d.jitter = fn }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// WithStateTable injects breaker and limiter state owned by the caller.
func WithStateTable(t *StateTable) Option {
	return func(d *Dispatcher) { d.states = t }
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:  make(map[string]*entry),
		states: NewStateTable(),
		now:    time.Now,
		jitter: uniformJitter,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ── Registry ─────────────────────────────────────────────────

// Register adds or replaces a tool. Re-registering a name resets its breaker
// and limiter state for every tenant.
func (d *Dispatcher) Register(desc models.ToolDescriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is required", desc.Name)
	}
	d.mu.Lock()
	_, replaced := d.tools[desc.Name]
	d.tools[desc.Name] = &entry{desc: desc, handler: handler}
	d.mu.Unlock()

	if replaced {
		d.states.dropTool(desc.Name)
	}
	log.Info().Str("tool", desc.Name).Bool("replaced", replaced).Bool("sensitive", desc.Sensitive).Msg("Tool registered")
	return nil
}

// Unregister removes a tool. It reports whether the tool existed.
func (d *Dispatcher) Unregister(name string) bool {
	d.mu.Lock()
	_, ok := d.tools[name]
	delete(d.tools, name)
	d.mu.Unlock()
	if ok {
		d.states.dropTool(name)
	}
	return ok
}

func (d *Dispatcher) Get(name string) (models.ToolDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.tools[name]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return e.desc, true
}

// List returns all descriptors sorted by name.
func (d *Dispatcher) List() []models.ToolDescriptor {
	d.mu.RLock()
	out := make([]models.ToolDescriptor, 0, len(d.tools))
	for _, e := range d.tools {
		out = append(out, e.desc)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BreakerSnapshot returns the breaker state for a (tenant, tool) pair.
// Untracked pairs report CLOSED.
func (d *Dispatcher) BreakerSnapshot(tenantID, tool string) BreakerSnapshot {
	ks, ok := d.states.lookup(tenantID, tool)
	if !ok {
		return BreakerSnapshot{State: models.BreakerClosed}
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return BreakerSnapshot{
		State:               ks.breaker.current(),
		ConsecutiveFailures: ks.breaker.consecutiveFailures,
		OpenUntil:           ks.breaker.openUntil,
		ProbesInFlight:      ks.breaker.probesInFlight,
	}
}

func (d *Dispatcher) lookup(name string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.tools[name]
	return e, ok
}

// ── Invocation ───────────────────────────────────────────────

// Invoke runs a tool: lookup, rate limit, breaker gate, then the attempt
// loop. Cancelling ctx aborts the current attempt and any backoff sleep.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any, call CallContext) models.ToolInvocationOutcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "dispatch "+name,
		trace.WithAttributes(
			attribute.String("dispatch.tool", name),
			attribute.String("dispatch.tenant", call.TenantID),
		),
	)
	defer span.End()

	out := d.invoke(ctx, name, args, call, start)
	out.Metadata.LatencyMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Bool("dispatch.success", out.Success),
		attribute.Int("dispatch.attempts", out.Metadata.Attempts),
		attribute.String("dispatch.breaker_state", string(out.Metadata.BreakerState)),
		attribute.Bool("dispatch.rate_limited", out.Metadata.RateLimited),
	)
	if !out.Success {
		span.SetStatus(codes.Error, string(out.ErrorKind))
	}
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any, call CallContext, start time.Time) models.ToolInvocationOutcome {
	e, ok := d.lookup(name)
	if !ok {
		d.record(call, name, 0, start, models.ErrToolNotFound, models.BreakerClosed, false)
		return failure(models.ErrToolNotFound, fmt.Sprintf("tool %q is not registered", name), 0, models.BreakerClosed, false)
	}
	cfg := e.desc.Config
	ks := d.states.acquire(call.TenantID, name, d.now())
	if cfg.RateLimit.Enabled && !ks.window.admit(cfg.RateLimit.PerTenantPerMinute, d.now()) {
		state := ks.breaker.current()
		ks.users--
		ks.mu.Unlock()
		d.record(call, name, 0, start, models.ErrRateLimited, state, true)
		return failure(models.ErrRateLimited, "rate limit exceeded", 0, state, true)
	}
	tk, rejected := ks.breaker.admit(cfg.Breaker, d.now())
	state := ks.breaker.current()
	if rejected != "" {
		ks.users--
		ks.mu.Unlock()
		d.record(call, name, 0, start, rejected, state, false)
		return failure(rejected, "circuit breaker rejected the call", 0, state, false)
	}
	ks.mu.Unlock()
	defer func() {
		ks.mu.Lock()
		ks.breaker.release(tk)
		ks.users--
		ks.mu.Unlock()
	}()

	maxAttempts := 1 + max(0, cfg.MaxRetries)
	for attempt := 1; ; attempt++ {
		attemptStart := time.Now()
		result, kind, err := d.attempt(ctx, e, args, call, cfg.Timeout())

		ks.mu.Lock()
		switch {
		case kind == "":
			ks.breaker.onSuccess(tk)
		case kind.Transient():
			ks.breaker.onTransientFailure(cfg.Breaker, d.now(), tk)
		}
		state = ks.breaker.current()
		ks.mu.Unlock()

		d.record(call, name, attempt, attemptStart, kind, state, false)

		if kind == "" {
			return models.ToolInvocationOutcome{
				Success:  true,
				Result:   result,
				Metadata: models.InvocationMetadata{Attempts: attempt, BreakerState: state},
			}
		}
		if !kind.Transient() || attempt >= maxAttempts {
			return failure(kind, err.Error(), attempt, state, false)
		}
		if err := d.sleep(ctx, d.backoff(cfg, attempt)); err != nil {
			return failure(models.ErrCanceled, err.Error(), attempt, state, false)
		}

		// Every retry passes the breaker again. A retry after the circuit
		// opened is rejected, or has to win a half-open slot of its own.
		ks.mu.Lock()
		ks.breaker.release(tk)
		tk, rejected = ks.breaker.admit(cfg.Breaker, d.now())
		state = ks.breaker.current()
		ks.mu.Unlock()
		if rejected != "" {
			d.record(call, name, attempt, start, rejected, state, false)
			return failure(rejected, "circuit breaker rejected the retry", attempt, state, false)
		}
	}
}

// attempt runs the handler once under its own timeout. A panicking handler
// is reported as a non-transient failure.
func (d *Dispatcher) attempt(ctx context.Context, e *entry, args map[string]any, call CallContext, timeout time.Duration) (any, models.ErrorKind, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := e.handler(actx, args, call)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(ctx, actx, r.err), r.err
		}
		return r.value, "", nil
	case <-actx.Done():
		err := actx.Err()
		return nil, classify(ctx, actx, err), err
	}
}

// backoff returns base * mult^(attempt-1) plus jitter in [0, base).
func (d *Dispatcher) backoff(cfg models.ToolConfig, attempt int) time.Duration {
	base := time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	if base <= 0 {
		return 0
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	return delay + d.jitter(base)
}

func (d *Dispatcher) record(call CallContext, tool string, attempt int, start time.Time, kind models.ErrorKind, state models.BreakerState, rateLimited bool) {
	ev := log.Info()
	outcome := "success"
	if kind != "" {
		ev = log.Warn()
		outcome = string(kind)
	}
	ev.Str("tenant", call.TenantID).
		Str("tool", tool).
		Int("attempt", attempt).
		Dur("latency", time.Since(start)).
		Str("outcome", outcome).
		Str("breaker_state", string(state)).
		Bool("rate_limited", rateLimited).
		Msg("Tool attempt")
}

func failure(kind models.ErrorKind, msg string, attempts int, state models.BreakerState, rateLimited bool) models.ToolInvocationOutcome {
	return models.ToolInvocationOutcome{
		ErrorKind: kind,
		Error:     msg,
		Metadata: models.InvocationMetadata{
			Attempts:     attempts,
			BreakerState: state,
			RateLimited:  rateLimited,
		},
	}
}

func uniformJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
