package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	shardCount = 32
	// maxParkedPerShard bounds evicted records nobody has collected yet.
	maxParkedPerShard = 1024
)

// shard owns a slice of the key space. Operations on one key lock only the
// shard it hashes to.
type shard struct {
	mu            sync.Mutex
	confirmations map[string]*models.PendingConfirmation
	parked        []models.PendingConfirmation
	states        map[string]*models.ConversationState
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	opts   options
	shards [shardCount]*shard
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{opts: buildOptions(opts)}
	for i := range m.shards {
		m.shards[i] = &shard{
			confirmations: make(map[string]*models.PendingConfirmation),
			states:        make(map[string]*models.ConversationState),
		}
	}
	return m
}

func key(tenantID, chatID string) string {
	return tenantID + "\x00" + chatID
}

func (m *MemoryStore) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Close() error                    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Confirmations ────────────────────────────────────────────

func (m *MemoryStore) CreateConfirmation(ctx context.Context, rec *models.PendingConfirmation) (*models.PendingConfirmation, bool, error) {
	if err := validateConfirmation(rec); err != nil {
		return nil, false, err
	}
	m.reap(ctx)

	now := m.opts.now()
	k := key(rec.TenantID, rec.ChatID)
	sh := m.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.confirmations[k]; ok {
		if !existing.Expired(now) {
			return cloneConfirmation(existing), false, nil
		}
		sh.park(*existing)
		delete(sh.confirmations, k)
	}

	stored := cloneConfirmation(rec)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	sh.confirmations[k] = stored
	return cloneConfirmation(stored), true, nil
}

func (m *MemoryStore) GetConfirmation(_ context.Context, tenantID, chatID string) (*models.PendingConfirmation, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	k := key(tenantID, chatID)
	sh := m.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.confirmations[k]
	if !ok {
		return nil, nil
	}
	if rec.Expired(m.opts.now()) {
		sh.park(*rec)
		delete(sh.confirmations, k)
		return nil, nil
	}
	return cloneConfirmation(rec), nil
}

func (m *MemoryStore) ResolveConfirmation(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	m.reap(ctx)

	k := key(tenantID, chatID)
	sh := m.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.confirmations[k]
	if !ok {
		return nil, nil
	}
	delete(sh.confirmations, k)
	if rec.Expired(m.opts.now()) {
		sh.park(*rec)
		return nil, nil
	}
	return rec, nil
}

func (m *MemoryStore) CleanupExpired(_ context.Context, now time.Time) ([]models.PendingConfirmation, error) {
	return m.collect(now), nil
}

// collect drains parked records and removes expired live ones, shard by
// shard.
func (m *MemoryStore) collect(now time.Time) []models.PendingConfirmation {
	var out []models.PendingConfirmation
	for _, sh := range m.shards {
		sh.mu.Lock()
		out = append(out, sh.parked...)
		sh.parked = nil
		for k, rec := range sh.confirmations {
			if rec.Expired(now) {
				out = append(out, *rec)
				delete(sh.confirmations, k)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// reap is the opportunistic cleanup run before mutations. With an expiry
// handler the records are handed over; without one they are parked for the
// sweeper.
func (m *MemoryStore) reap(ctx context.Context) {
	now := m.opts.now()
	if m.opts.onExpired != nil {
		if expired := m.collect(now); len(expired) > 0 {
			m.opts.onExpired(ctx, expired)
		}
		return
	}
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, rec := range sh.confirmations {
			if rec.Expired(now) {
				sh.park(*rec)
				delete(sh.confirmations, k)
			}
		}
		sh.mu.Unlock()
	}
}

// park keeps an evicted record until it is collected. Callers hold sh.mu.
func (sh *shard) park(rec models.PendingConfirmation) {
	if len(sh.parked) >= maxParkedPerShard {
		dropped := sh.parked[0]
		sh.parked = sh.parked[1:]
		log.Warn().Str("tenant", dropped.TenantID).Str("chat", dropped.ChatID).Str("id", dropped.ID).
			Msg("Dropping uncollected expired confirmation, is the sweeper running?")
	}
	sh.parked = append(sh.parked, rec)
}

// ── Conversation State ───────────────────────────────────────

func (m *MemoryStore) GetState(_ context.Context, tenantID, chatID string) (*models.ConversationState, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	k := key(tenantID, chatID)
	sh := m.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[k]
	if !ok {
		return nil, nil
	}
	if st.Expired(m.opts.now()) {
		delete(sh.states, k)
		return nil, nil
	}
	return cloneState(st), nil
}

func (m *MemoryStore) SetState(ctx context.Context, tenantID, chatID string, patch models.StatePatch) (*models.ConversationState, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	m.reap(ctx)

	now := m.opts.now()
	k := key(tenantID, chatID)
	sh := m.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prior := sh.states[k]
	if prior != nil && prior.Expired(now) {
		prior = nil
	}
	next := patch.Apply(prior, tenantID, chatID, now)
	sh.states[k] = next
	return cloneState(next), nil
}

func (m *MemoryStore) DeleteState(ctx context.Context, tenantID, chatID string) error {
	if err := validateKey(tenantID, chatID); err != nil {
		return err
	}
	m.reap(ctx)

	k := key(tenantID, chatID)
	sh := m.shardFor(k)
	sh.mu.Lock()
	delete(sh.states, k)
	sh.mu.Unlock()
	return nil
}
