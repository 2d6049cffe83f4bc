package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/store"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, opts ...store.Option) store.Store

func memoryFactory(t *testing.T, opts ...store.Option) store.Store {
	return store.NewMemoryStore(opts...)
}

func sqliteFactory(t *testing.T, opts ...store.Option) store.Store {
	ctx := context.Background()
	s, err := store.OpenSQL(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "state.db"), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

// postgresFactory runs the suite against DISPATCH_TEST_POSTGRES_DSN. Tables
// are emptied before every case.
func postgresFactory(t *testing.T, opts ...store.Option) store.Store {
	dsn := os.Getenv("DISPATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := store.OpenSQL(ctx, store.DialectPostgres, dsn, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `TRUNCATE pending_confirmations, parked_confirmations, conversation_states`)
	require.NoError(t, err)
	return s
}

func TestMemoryStore(t *testing.T) { runSuite(t, memoryFactory) }

func TestSQLiteStore(t *testing.T) { runSuite(t, sqliteFactory) }

func TestPostgresStore(t *testing.T) { runSuite(t, postgresFactory) }

func runSuite(t *testing.T, newStore factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore factory)
	}{
		{"CreateIsIdempotent", testCreateIsIdempotent},
		{"ConcurrentCreateReturnsOneRecord", testConcurrentCreate},
		{"ExpiredRecordIsReportedOnce", testExpiredRecordReportedOnce},
		{"ExpiredRecordIsReplaced", testExpiredRecordReplaced},
		{"Resolve", testResolve},
		{"ResolveExpired", testResolveExpired},
		{"ConcurrentResolveHasOneWinner", testConcurrentResolve},
		{"OpportunisticCleanupNotifies", testOpportunisticCleanup},
		{"StateMerge", testStateMerge},
		{"ConcurrentFirstWritesMerge", testConcurrentFirstWrites},
		{"StateTTL", testStateTTL},
		{"DeleteState", testDeleteState},
		{"TenantIsolation", testTenantIsolation},
		{"Validation", testValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newStore) })
	}
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func pending(clock *fakeClock, tenant, chat, prompt string, ttl time.Duration) *models.PendingConfirmation {
	return &models.PendingConfirmation{
		TenantID:   tenant,
		ChatID:     chat,
		Channel:    "whatsapp",
		ExpiresAt:  clock.Now().Add(ttl),
		PromptText: prompt,
		ProposedAction: models.ProposedAction{
			Kind:      "tool_call",
			Target:    "send_message",
			Arguments: map[string]any{"text": "oi"},
		},
	}
}

func testCreateIsIdempotent(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	first, created, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", 5*time.Minute))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, first.ID)
	assert.True(t, first.CreatedAt.Equal(clock.Now()))

	second, created, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Outro prompt?", 5*time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Enviar?", second.PromptText)

	got, err := s.GetConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "send_message", got.ProposedAction.Target)
	assert.Equal(t, "oi", got.ProposedAction.Arguments["text"])
	assert.True(t, got.ExpiresAt.Equal(clock.Now().Add(5*time.Minute)))
}

func testConcurrentCreate(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		creates int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, created, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", time.Minute))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[rec.ID] = true
			if created {
				creates++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)
}

func testExpiredRecordReportedOnce(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	rec, created, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", -time.Millisecond))
	require.NoError(t, err)
	require.True(t, created)

	got, err := s.GetConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err := s.CleanupExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, rec.ID, removed[0].ID)

	removed, err = s.CleanupExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testExpiredRecordReplaced(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	old, _, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Primeiro?", time.Minute))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	fresh, created, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Segundo?", time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, old.ID, fresh.ID)

	removed, err := s.CleanupExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, old.ID, removed[0].ID)

	got, err := s.GetConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fresh.ID, got.ID)
}

func testResolve(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	rec, _, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", time.Minute))
	require.NoError(t, err)

	resolved, err := s.ResolveConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, rec.ID, resolved.ID)

	got, err := s.GetConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	again, err := s.ResolveConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(time.Hour)
	removed, err := s.CleanupExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, removed, "resolved records are never reported as expired")
}

func testResolveExpired(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	rec, _, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", time.Minute))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	resolved, err := s.ResolveConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, resolved)

	removed, err := s.CleanupExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, rec.ID, removed[0].ID)
}

func testConcurrentResolve(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))
	_, _, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", time.Minute))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.ResolveConfirmation(ctx, "t1", "c1")
			if assert.NoError(t, err) && rec != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func testOpportunisticCleanup(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	var (
		mu       sync.Mutex
		notified []models.PendingConfirmation
	)
	s := newStore(t, store.WithClock(clock.Now), store.WithExpiryHandler(func(_ context.Context, expired []models.PendingConfirmation) {
		mu.Lock()
		notified = append(notified, expired...)
		mu.Unlock()
	}))

	rec, _, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "Enviar?", time.Minute))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = s.SetState(ctx, "t1", "other-chat", models.StatePatch{Stage: models.String("browsing")})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, notified, 1)
	assert.Equal(t, rec.ID, notified[0].ID)
	mu.Unlock()

	removed, err := s.CleanupExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testStateMerge(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	got, err := s.GetState(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	st, err := s.SetState(ctx, "t1", "c1", models.StatePatch{Vars: map[string]any{"name": "Ana"}})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultStage, st.Stage)
	assert.Equal(t, map[string]any{"name": "Ana"}, st.Vars)

	clock.Advance(time.Second)
	_, err = s.SetState(ctx, "t1", "c1", models.StatePatch{
		Stage:        models.String("booking"),
		Vars:         map[string]any{"day": "friday"},
		LastIntent:   models.String("book_appointment"),
		LastUserText: models.String("quero agendar para sexta"),
		Channel:      models.String("whatsapp"),
	})
	require.NoError(t, err)

	got, err = s.GetState(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "booking", got.Stage)
	assert.Equal(t, map[string]any{"name": "Ana", "day": "friday"}, got.Vars)
	assert.Equal(t, "book_appointment", got.LastIntent)
	assert.Equal(t, "quero agendar para sexta", got.LastUserText)
	assert.Equal(t, "whatsapp", got.Channel)
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))
}

func testConcurrentFirstWrites(t *testing.T, newStore factory) {
	ctx := context.Background()
	s := newStore(t, store.WithClock(newClock().Now))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SetState(ctx, "t1", "fresh", models.StatePatch{
				Vars: map[string]any{fmt.Sprintf("k%d", i): true},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.GetState(ctx, "t1", "fresh")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Len(t, st.Vars, writers)
	assert.Equal(t, models.DefaultStage, st.Stage)
}

func testStateTTL(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	ttl := int64(1000)
	_, err := s.SetState(ctx, "t1", "c1", models.StatePatch{Vars: map[string]any{"a": "1"}, TTLMs: &ttl})
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	got, err := s.GetState(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)

	clock.Advance(time.Second)
	got, err = s.GetState(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	st, err := s.SetState(ctx, "t1", "c1", models.StatePatch{Vars: map[string]any{"b": "2"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": "2"}, st.Vars, "expired state is not merged")
	assert.Equal(t, int64(0), st.TTLMs)
}

func testDeleteState(t *testing.T, newStore factory) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetState(ctx, "t1", "c1", models.StatePatch{Stage: models.String("x")})
	require.NoError(t, err)
	require.NoError(t, s.DeleteState(ctx, "t1", "c1"))
	require.NoError(t, s.DeleteState(ctx, "t1", "c1"))

	got, err := s.GetState(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testTenantIsolation(t *testing.T, newStore factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, store.WithClock(clock.Now))

	a, _, err := s.CreateConfirmation(ctx, pending(clock, "t1", "c1", "A?", time.Minute))
	require.NoError(t, err)
	b, created, err := s.CreateConfirmation(ctx, pending(clock, "t2", "c1", "B?", time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)

	_, err = s.ResolveConfirmation(ctx, "t1", "c1")
	require.NoError(t, err)
	got, err := s.GetConfirmation(ctx, "t2", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
}

func testValidation(t *testing.T, newStore factory) {
	ctx := context.Background()
	s := newStore(t)

	var invalid *store.ErrInvalid
	_, _, err := s.CreateConfirmation(ctx, &models.PendingConfirmation{TenantID: "t1", ExpiresAt: time.Now()})
	assert.ErrorAs(t, err, &invalid)
	_, _, err = s.CreateConfirmation(ctx, &models.PendingConfirmation{TenantID: "t1", ChatID: "c1"})
	assert.ErrorAs(t, err, &invalid)
	_, err = s.GetState(ctx, "", "c1")
	assert.ErrorAs(t, err, &invalid)
}
