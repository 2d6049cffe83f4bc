// Package confirm gates sensitive actions behind an explicit yes/no from the
// user. The gate is the only writer of pending confirmations.
package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/internal/store"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL = 5 * time.Minute

	ActionToolCall = "tool_call"
)

// Invoker executes confirmed tool calls.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, call dispatcher.CallContext) models.ToolInvocationOutcome
}

type Gate struct {
	store   store.ConfirmationStore
	invoker Invoker
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Gate)

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(s store.ConfirmationStore, invoker Invoker, opts ...Option) *Gate {
	g := &Gate{store: s, invoker: invoker, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type ProposeRequest struct {
	TenantID   string
	ChatID     string
	Channel    string
	PromptText string
	Action     models.ProposedAction
	// TTL overrides the gate default when positive.
	TTL time.Duration
}

// Propose records a pending confirmation. While one is live for the chat,
// that record is returned unchanged and created is false, so callers don't
// send the prompt twice.
func (g *Gate) Propose(ctx context.Context, req ProposeRequest) (*models.PendingConfirmation, bool, error) {
	ttl := g.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}
	now := g.now()
	rec, created, err := g.store.CreateConfirmation(ctx, &models.PendingConfirmation{
		TenantID:       req.TenantID,
		ChatID:         req.ChatID,
		Channel:        req.Channel,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		PromptText:     req.PromptText,
		ProposedAction: req.Action,
	})
	if err != nil {
		return nil, false, fmt.Errorf("propose confirmation: %w", err)
	}
	log.Info().
		Str("tenant", req.TenantID).
		Str("chat", req.ChatID).
		Str("confirmation", rec.ID).
		Str("target", rec.ProposedAction.Target).
		Bool("created", created).
		Msg("Confirmation proposed")
	return rec, created, nil
}

// Pending returns the live confirmation for a chat, or nil.
func (g *Gate) Pending(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error) {
	return g.store.GetConfirmation(ctx, tenantID, chatID)
}

// Cancel drops the live confirmation without running its action.
func (g *Gate) Cancel(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error) {
	rec, err := g.store.ResolveConfirmation(ctx, tenantID, chatID)
	if err != nil {
		return nil, fmt.Errorf("cancel confirmation: %w", err)
	}
	if rec != nil {
		log.Info().Str("tenant", tenantID).Str("chat", chatID).Str("confirmation", rec.ID).Msg("Confirmation canceled")
	}
	return rec, nil
}

// Resolution describes what a reply did to a pending confirmation.
type Resolution struct {
	Answer       Answer
	Confirmation *models.PendingConfirmation
	// Outcome is set when a yes ran the action.
	Outcome *models.ToolInvocationOutcome
	// Stale is set when another reply resolved the record first.
	Stale bool
}

// HandleReply applies a user reply to the chat's pending confirmation. It
// returns nil when nothing is pending. An unknown answer leaves the record
// in place.
func (g *Gate) HandleReply(ctx context.Context, tenantID, chatID, text string) (*Resolution, error) {
	pending, err := g.store.GetConfirmation(ctx, tenantID, chatID)
	if err != nil {
		return nil, fmt.Errorf("load confirmation: %w", err)
	}
	if pending == nil {
		return nil, nil
	}
	answer := ParseReply(text)
	if answer == AnswerUnknown {
		return &Resolution{Answer: answer, Confirmation: pending}, nil
	}

	rec, err := g.store.ResolveConfirmation(ctx, tenantID, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve confirmation: %w", err)
	}
	if rec == nil || rec.ID != pending.ID {
		// Someone else consumed it, or it expired in between.
		return &Resolution{Answer: answer, Confirmation: pending, Stale: true}, nil
	}

	res := &Resolution{Answer: answer, Confirmation: rec}
	log.Info().
		Str("tenant", tenantID).
		Str("chat", chatID).
		Str("confirmation", rec.ID).
		Str("answer", string(answer)).
		Msg("Confirmation resolved")
	if answer == AnswerYes {
		out := g.execute(ctx, rec)
		res.Outcome = &out
	}
	return res, nil
}

func (g *Gate) execute(ctx context.Context, rec *models.PendingConfirmation) models.ToolInvocationOutcome {
	if rec.ProposedAction.Kind != ActionToolCall {
		return models.ToolInvocationOutcome{
			ErrorKind: models.ErrHandler,
			Error:     fmt.Sprintf("unsupported action kind %q", rec.ProposedAction.Kind),
		}
	}
	return g.invoker.Invoke(ctx, rec.ProposedAction.Target, rec.ProposedAction.Arguments, dispatcher.CallContext{
		TenantID: rec.TenantID,
		ChatID:   rec.ChatID,
	})
}
