package models

import (
	"time"
)

// ── Tool Configuration ───────────────────────────────────────

// BreakerConfig controls the per-(tenant, tool) circuit breaker.
type BreakerConfig struct {
	Enabled           bool  `json:"enabled" yaml:"enabled"`
	FailureThreshold  int   `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutMs    int64 `json:"reset_timeout_ms" yaml:"reset_timeout_ms"`
	HalfOpenMaxProbes int   `json:"half_open_max_probes" yaml:"half_open_max_probes"`
}

// RateLimitConfig is a fixed one-minute window per (tenant, tool).
type RateLimitConfig struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	PerTenantPerMinute int  `json:"per_tenant_per_minute" yaml:"per_tenant_per_minute"`
}

type ToolConfig struct {
	TimeoutMs         int64           `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries        int             `json:"max_retries" yaml:"max_retries"`
	BackoffBaseMs     int64           `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMultiplier float64         `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Breaker           BreakerConfig   `json:"breaker" yaml:"breaker"`
	RateLimit         RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// DefaultToolConfig returns the configuration applied to tools that don't
// declare their own.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		TimeoutMs:         10_000,
		MaxRetries:        2,
		BackoffBaseMs:     200,
		BackoffMultiplier: 2,
		Breaker: BreakerConfig{
			Enabled:           true,
			FailureThreshold:  5,
			ResetTimeoutMs:    30_000,
			HalfOpenMaxProbes: 1,
		},
	}
}

// Timeout returns the per-attempt timeout, zero meaning none.
func (c ToolConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ── Tool Descriptor ──────────────────────────────────────────

// ToolDescriptor describes a registered capability. The handler itself
// lives in the dispatcher registry next to the descriptor.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// Sensitive tools require an explicit yes from the user before running.
	Sensitive bool       `json:"sensitive"`
	Config    ToolConfig `json:"config"`
}

// ── Invocation Outcome ───────────────────────────────────────

type ErrorKind string

const (
	ErrToolNotFound           ErrorKind = "tool_not_found"
	ErrRateLimited            ErrorKind = "rate_limited"
	ErrCircuitOpen            ErrorKind = "circuit_open"
	ErrCircuitHalfOpenLimited ErrorKind = "circuit_half_open_limited"
	ErrTimeout                ErrorKind = "timeout"
	ErrTransient              ErrorKind = "transient"
	ErrHandler                ErrorKind = "handler_error"
	ErrCanceled               ErrorKind = "canceled"
)

// Transient reports whether the kind feeds the retry loop and the breaker.
func (k ErrorKind) Transient() bool {
	return k == ErrTimeout || k == ErrTransient
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

type InvocationMetadata struct {
	Attempts     int          `json:"attempts"`
	BreakerState BreakerState `json:"breaker_state"`
	RateLimited  bool         `json:"rate_limited"`
	LatencyMs    int64        `json:"latency_ms"`
}

// ToolInvocationOutcome is always returned by the dispatcher; failures are
// data, never panics or errors.
type ToolInvocationOutcome struct {
	Success   bool               `json:"success"`
	Result    any                `json:"result,omitempty"`
	ErrorKind ErrorKind          `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Metadata  InvocationMetadata `json:"metadata"`
}

// ── Intent ───────────────────────────────────────────────────

type Intent struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Examples []string `json:"examples" yaml:"examples"`
	// Reply is the acknowledgement sent back when the intent is acted on.
	Reply string `json:"reply,omitempty" yaml:"reply,omitempty"`
}

type MatchMethod string

const (
	MatchExact    MatchMethod = "exact"
	MatchSemantic MatchMethod = "semantic"
	MatchFallback MatchMethod = "fallback"
)

// IntentMatch is produced per call. IntentID is empty on fallback.
type IntentMatch struct {
	IntentID       string      `json:"intent_id,omitempty"`
	Score          float64     `json:"score"`
	Method         MatchMethod `json:"method"`
	MatchedExample string      `json:"matched_example,omitempty"`
}

// Matched reports whether an intent was found.
func (m IntentMatch) Matched() bool {
	return m.IntentID != ""
}

// ── Routing ──────────────────────────────────────────────────

type OutcomeKind string

const (
	OutcomeReply    OutcomeKind = "reply"
	OutcomeAction   OutcomeKind = "action"
	OutcomeToolCall OutcomeKind = "tool_call"
	OutcomeHandoff  OutcomeKind = "handoff"
)

type Tier string

const (
	TierRules      Tier = "RULES"
	TierHeuristic  Tier = "HEURISTIC"
	TierStructured Tier = "STRUCTURED"
	TierGenerative Tier = "GENERATIVE"
)

type ActionPayload struct {
	IntentID   string      `json:"intent_id"`
	IntentName string      `json:"intent_name,omitempty"`
	Score      float64     `json:"score"`
	Method     MatchMethod `json:"method,omitempty"`
}

type ToolCallPayload struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type HandoffPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RouterOutcome is one decision per inbound message. Exactly one payload
// field is set, matching Kind.
type RouterOutcome struct {
	Kind       OutcomeKind      `json:"kind"`
	Tier       Tier             `json:"tier"`
	Confidence float64          `json:"confidence"`
	Reply      string           `json:"reply,omitempty"`
	Action     *ActionPayload   `json:"action,omitempty"`
	ToolCall   *ToolCallPayload `json:"tool_call,omitempty"`
	Handoff    *HandoffPayload  `json:"handoff,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── Confirmation ─────────────────────────────────────────────

type ProposedAction struct {
	Kind      string         `json:"kind"` // tool_call
	Target    string         `json:"target"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PendingConfirmation is unique per (TenantID, ChatID) while live.
type PendingConfirmation struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	ChatID         string         `json:"chat_id" db:"chat_id"`
	Channel        string         `json:"channel,omitempty" db:"channel"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at" db:"expires_at"`
	PromptText     string         `json:"prompt_text" db:"prompt_text"`
	ProposedAction ProposedAction `json:"proposed_action" db:"proposed_action"`
}

// Expired reports whether the record is past its deadline at now.
func (p *PendingConfirmation) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ── Conversation State ───────────────────────────────────────

const DefaultStage = "idle"

type ConversationState struct {
	TenantID     string         `json:"tenant_id" db:"tenant_id"`
	ChatID       string         `json:"chat_id" db:"chat_id"`
	Channel      string         `json:"channel,omitempty" db:"channel"`
	Stage        string         `json:"stage" db:"stage"`
	Vars         map[string]any `json:"vars" db:"vars"`
	LastIntent   string         `json:"last_intent,omitempty" db:"last_intent"`
	LastUserText string         `json:"last_user_text,omitempty" db:"last_user_text"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	TTLMs        int64          `json:"ttl_ms,omitempty" db:"ttl_ms"`
}

// Expired reports whether the state's TTL has elapsed since UpdatedAt.
func (s *ConversationState) Expired(now time.Time) bool {
	if s.TTLMs <= 0 {
		return false
	}
	return now.Sub(s.UpdatedAt) >= time.Duration(s.TTLMs)*time.Millisecond
}

// StatePatch is merged into the prior state. Nil fields are left untouched;
// Vars are merged key by key.
type StatePatch struct {
	Channel      *string        `json:"channel,omitempty"`
	Stage        *string        `json:"stage,omitempty"`
	Vars         map[string]any `json:"vars,omitempty"`
	LastIntent   *string        `json:"last_intent,omitempty"`
	LastUserText *string        `json:"last_user_text,omitempty"`
	TTLMs        *int64         `json:"ttl_ms,omitempty"`
}

// Apply merges the patch into prior (or the default state when prior is nil)
// and stamps UpdatedAt.
func (p StatePatch) Apply(prior *ConversationState, tenantID, chatID string, now time.Time) *ConversationState {
	next := &ConversationState{
		TenantID: tenantID,
		ChatID:   chatID,
		Stage:    DefaultStage,
		Vars:     map[string]any{},
	}
	if prior != nil {
		*next = *prior
		next.Vars = make(map[string]any, len(prior.Vars)+len(p.Vars))
		for k, v := range prior.Vars {
			next.Vars[k] = v
		}
	}
	if p.Channel != nil {
		next.Channel = *p.Channel
	}
	if p.Stage != nil {
		next.Stage = *p.Stage
	}
	for k, v := range p.Vars {
		next.Vars[k] = v
	}
	if p.LastIntent != nil {
		next.LastIntent = *p.LastIntent
	}
	if p.LastUserText != nil {
		next.LastUserText = *p.LastUserText
	}
	if p.TTLMs != nil {
		next.TTLMs = *p.TTLMs
	}
	next.UpdatedAt = now
	return next
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }
