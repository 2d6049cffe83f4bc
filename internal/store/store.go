// Package store provides the conversation state store: pending yes/no
// confirmations and per-chat session state, both with TTL semantics.
// MemoryStore serves tests and single-node deployments; SQLStore persists
// to SQLite or PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// Store is the persistence contract the rest of the runtime depends on.
// Every operation is scoped to one (tenant, chat) key except the expiry
// scan.
type Store interface {
	ConfirmationStore
	StateStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if needed.
	Migrate(ctx context.Context) error
}

// ── Confirmation Store ───────────────────────────────────────

type ConfirmationStore interface {
	// CreateConfirmation stores rec unless a live record already exists for
	// its (tenant, chat), in which case the existing record is returned
	// unchanged and created is false.
	CreateConfirmation(ctx context.Context, rec *models.PendingConfirmation) (stored *models.PendingConfirmation, created bool, err error)

	// GetConfirmation returns the live record, or nil. An expired record is
	// evicted on read and left for the next CleanupExpired to report.
	GetConfirmation(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error)

	// ResolveConfirmation deletes the record and returns it if it was live.
	// Of several concurrent resolvers exactly one gets the record.
	ResolveConfirmation(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error)

	// CleanupExpired removes every record with ExpiresAt <= now, plus those
	// already evicted on read, and returns each of them exactly once.
	CleanupExpired(ctx context.Context, now time.Time) ([]models.PendingConfirmation, error)
}

// ── State Store ──────────────────────────────────────────────

type StateStore interface {
	// GetState returns nil when there is no state or its TTL has elapsed;
	// elapsed state is deleted.
	GetState(ctx context.Context, tenantID, chatID string) (*models.ConversationState, error)

	// SetState merges patch into the current state, or into the default
	// {stage: idle, vars: {}} when there is none, and stamps UpdatedAt.
	SetState(ctx context.Context, tenantID, chatID string, patch models.StatePatch) (*models.ConversationState, error)

	DeleteState(ctx context.Context, tenantID, chatID string) error
}

// ExpiredFunc receives confirmations removed by the opportunistic cleanup
// that runs before every mutating operation. It runs on the caller's
// goroutine.
type ExpiredFunc func(ctx context.Context, expired []models.PendingConfirmation)

type options struct {
	now       func() time.Time
	onExpired ExpiredFunc
}

type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithExpiryHandler hands records removed by opportunistic cleanup to fn.
// Without a handler they stay parked until CleanupExpired collects them.
func WithExpiryHandler(fn ExpiredFunc) Option {
	return func(o *options) { o.onExpired = fn }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrInvalid is returned for records missing required fields.
type ErrInvalid struct {
	Entity string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
}

func validateConfirmation(rec *models.PendingConfirmation) error {
	switch {
	case rec == nil:
		return &ErrInvalid{Entity: "confirmation", Reason: "nil record"}
	case rec.TenantID == "" || rec.ChatID == "":
		return &ErrInvalid{Entity: "confirmation", Reason: "tenant_id and chat_id are required"}
	case rec.ExpiresAt.IsZero():
		return &ErrInvalid{Entity: "confirmation", Reason: "expires_at is required"}
	}
	return nil
}

func validateKey(tenantID, chatID string) error {
	if tenantID == "" || chatID == "" {
		return &ErrInvalid{Entity: "key", Reason: "tenant_id and chat_id are required"}
	}
	return nil
}

func cloneConfirmation(p *models.PendingConfirmation) *models.PendingConfirmation {
	c := *p
	if p.ProposedAction.Arguments != nil {
		c.ProposedAction.Arguments = make(map[string]any, len(p.ProposedAction.Arguments))
		for k, v := range p.ProposedAction.Arguments {
			c.ProposedAction.Arguments[k] = v
		}
	}
	return &c
}

func cloneState(s *models.ConversationState) *models.ConversationState {
	c := *s
	c.Vars = make(map[string]any, len(s.Vars))
	for k, v := range s.Vars {
		c.Vars[k] = v
	}
	return &c
}
