// Package sweeper expires pending confirmations. It runs as a background
// goroutine on a fixed interval and can also be triggered on demand; every
// removed record is archived (when configured) and reported through the
// notification hook exactly once.
package sweeper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/notify"
	"github.com/agentoven/agentoven/dispatch-plane/internal/store"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when New gets a non-positive interval.
const DefaultInterval = time.Minute

// ExpiryMessage is the text sent to the user when a confirmation lapses.
func ExpiryMessage(prompt string) string {
	return "A confirmação expirou: " + prompt
}

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	Expired  int           `json:"expired"`
	Notified int           `json:"notified"`
	Archived int           `json:"archived"`
	Errors   []error       `json:"-"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Sweeper periodically removes expired confirmations from the store.
type Sweeper struct {
	store    store.ConfirmationStore
	hook     notify.Hook
	interval time.Duration
	archiver Archiver
	now      func() time.Time

	// cycle serializes RunOnce and Flush so a manual trigger and the run
	// loop never overlap.
	cycle sync.Mutex

	// backlog holds records removed by store mutations until the run loop
	// or the next sweep reports them. wake has room for one signal.
	mu      sync.Mutex
	backlog []models.PendingConfirmation
	wake    chan struct{}
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithArchiver writes every expired record to a before notifying.
func WithArchiver(a Archiver) Option {
	return func(s *Sweeper) { s.archiver = a }
}

func New(s store.ConfirmationStore, hook notify.Hook, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	sw := &Sweeper{store: s, hook: hook, interval: interval, now: time.Now, wake: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// SetStore attaches the store after construction. The store's expiry
// handler usually points back at the sweeper, so one of the two has to be
// built first.
func (s *Sweeper) SetStore(st store.ConfirmationStore) { s.store = st }

// Start blocks until ctx is canceled, sweeping once immediately and then on
// every tick. Records queued by Notify are reported as soon as they arrive.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Bool("archive", s.archiver != nil).Msg("Confirmation sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			if n := s.queued(); n > 0 {
				log.Warn().Int("queued", n).Msg("Sweeper stopped with unreported expiries")
			}
			log.Info().Msg("Confirmation sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.wake:
			s.Flush(ctx)
		}
	}
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce(ctx context.Context) CycleStats {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	start := time.Now()
	var stats CycleStats

	expired, err := s.store.CleanupExpired(ctx, s.now())
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("cleanup expired: %w", err))
		log.Warn().Err(err).Msg("Sweeper: cleanup failed")
		stats.Elapsed = time.Since(start)
		return stats
	}
	expired = append(s.takeBacklog(), expired...)
	stats.Expired = len(expired)

	archived, notified, errs := s.handle(ctx, expired)
	stats.Archived = archived
	stats.Notified = notified
	stats.Errors = append(stats.Errors, errs...)
	stats.Elapsed = time.Since(start)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Sweep cycle error")
	}
	if stats.Expired > 0 {
		log.Info().
			Int("expired", stats.Expired).
			Int("notified", stats.Notified).
			Int("archived", stats.Archived).
			Dur("elapsed", stats.Elapsed).
			Msg("Sweep cycle complete")
	}
	return stats
}

// Notify queues records removed outside a sweep cycle. It never blocks: the
// store calls it while a mutation is in progress, so archiving and the hook
// run later on the Start loop or in the next RunOnce. Its signature matches
// store.ExpiredFunc.
func (s *Sweeper) Notify(_ context.Context, expired []models.PendingConfirmation) {
	if len(expired) == 0 {
		return
	}
	s.mu.Lock()
	s.backlog = append(s.backlog, expired...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	log.Debug().Int("expired", len(expired)).Msg("Opportunistic expiry queued")
}

// Flush reports the records queued by Notify.
func (s *Sweeper) Flush(ctx context.Context) CycleStats {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	start := time.Now()
	expired := s.takeBacklog()
	stats := CycleStats{Expired: len(expired)}
	stats.Archived, stats.Notified, stats.Errors = s.handle(ctx, expired)
	stats.Elapsed = time.Since(start)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Opportunistic expiry error")
	}
	if stats.Expired > 0 {
		log.Debug().Int("expired", stats.Expired).Int("notified", stats.Notified).Msg("Opportunistic expiry handled")
	}
	return stats
}

func (s *Sweeper) takeBacklog() []models.PendingConfirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.backlog
	s.backlog = nil
	return recs
}

func (s *Sweeper) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *Sweeper) handle(ctx context.Context, expired []models.PendingConfirmation) (archived, notified int, errs []error) {
	if len(expired) == 0 {
		return 0, 0, nil
	}
	if s.archiver != nil {
		for tenant, recs := range byTenant(expired) {
			path, err := s.archiver.Archive(ctx, tenant, recs)
			if err != nil {
				// Archiving is best-effort; the records are already gone
				// from the store and the user still gets the notice.
				errs = append(errs, fmt.Errorf("archive %s: %w", tenant, err))
				continue
			}
			archived += len(recs)
			log.Debug().Str("tenant", tenant).Str("path", path).Int("count", len(recs)).Msg("Archived expired confirmations")
		}
	}
	if s.hook == nil {
		return archived, 0, errs
	}
	for _, rec := range expired {
		if err := s.notifyOne(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		notified++
	}
	return archived, notified, errs
}

func (s *Sweeper) notifyOne(ctx context.Context, rec models.PendingConfirmation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notify %s/%s: hook panicked: %v", rec.TenantID, rec.ChatID, r)
		}
	}()
	s.hook(ctx, notify.Expiry{
		TenantID:     rec.TenantID,
		ChatID:       rec.ChatID,
		Channel:      rec.Channel,
		Message:      ExpiryMessage(rec.PromptText),
		Confirmation: rec,
	})
	return nil
}

func byTenant(recs []models.PendingConfirmation) map[string][]models.PendingConfirmation {
	out := make(map[string][]models.PendingConfirmation)
	for _, r := range recs {
		out[r.TenantID] = append(out[r.TenantID], r)
	}
	for _, group := range out {
		sort.SliceStable(group, func(i, j int) bool { return group[i].ExpiresAt.Before(group[j].ExpiresAt) })
	}
	return out
}
