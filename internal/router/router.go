// Package router decides how to answer an inbound message, escalating
// through four tiers and stopping at the first that produces an outcome:
// canned rules, heuristic intent match, structured classification and
// generative fallback.
//
// Route is total. Tier failures, timeouts and panics are logged and treated
// as the tier declining; the generative tier ends in a fixed apology.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeuristicThreshold      = 0.6
	DefaultMinStructuredConfidence = 0.5
	DefaultTierTimeout             = 8 * time.Second
	DefaultMaxReplyTokens          = 256
	DefaultApology                 = "Desculpe, não consegui processar sua mensagem agora. Pode tentar novamente?"

	generativeConfidence = 0.5
	apologyConfidence    = 0.1
	historyTurns         = 6
)

// Classifier is the structured tier's backend.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Decision, error)
}

// Generator is the generative tier's backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ToolLister exposes the tools the classifier may propose.
type ToolLister interface {
	List() []models.ToolDescriptor
}

type ClassifyRequest struct {
	Text    string
	History []models.ChatMessage
	Intents []models.Intent
	Tools   []models.ToolDescriptor
	State   *models.ConversationState
}

// Decision is what a structured backend returns.
type Decision struct {
	ActionType string         `json:"action_type"`
	Tool       string         `json:"tool,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	IntentID   string         `json:"intent_id,omitempty"`
	Confidence float64        `json:"confidence"`
	Reply      string         `json:"reply,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// RouteContext is the per-turn context for a decision.
type RouteContext struct {
	TenantID string
	ChatID   string
	History  []models.ChatMessage
	State    *models.ConversationState
}

type Config struct {
	HeuristicThreshold      float64
	MinStructuredConfidence float64
	TierTimeout             time.Duration
	MaxReplyTokens          int
	Apology                 string
}

func DefaultConfig() Config {
	return Config{
		HeuristicThreshold:      DefaultHeuristicThreshold,
		MinStructuredConfidence: DefaultMinStructuredConfidence,
		TierTimeout:             DefaultTierTimeout,
		MaxReplyTokens:          DefaultMaxReplyTokens,
		Apology:                 DefaultApology,
	}
}

// Router is safe for concurrent use.
type Router struct {
	cfg        Config
	rules      ruleSet
	matcher    *intent.Matcher
	classifier Classifier
	generator  Generator
	tools      ToolLister
}

type Option func(*Router)

func WithRules(rules []Rule) Option {
	return func(r *Router) { r.rules = newRuleSet(rules) }
}

func WithMatcher(m *intent.Matcher) Option {
	return func(r *Router) { r.matcher = m }
}

func WithClassifier(c Classifier) Option {
	return func(r *Router) { r.classifier = c }
}

func WithGenerator(g Generator) Option {
	return func(r *Router) { r.generator = g }
}

func WithTools(t ToolLister) Option {
	return func(r *Router) { r.tools = t }
}

func New(cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.HeuristicThreshold <= 0 {
		cfg.HeuristicThreshold = def.HeuristicThreshold
	}
	if cfg.MinStructuredConfidence <= 0 {
		cfg.MinStructuredConfidence = def.MinStructuredConfidence
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = def.TierTimeout
	}
	if cfg.MaxReplyTokens <= 0 {
		cfg.MaxReplyTokens = def.MaxReplyTokens
	}
	if cfg.Apology == "" {
		cfg.Apology = def.Apology
	}
	r := &Router{cfg: cfg, rules: newRuleSet(DefaultRules())}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns exactly one outcome for text.
func (r *Router) Route(ctx context.Context, text string, rc RouteContext) models.RouterOutcome {
	start := time.Now()
	out := r.route(ctx, text, rc)
	log.Info().
		Str("tenant", rc.TenantID).
		Str("chat", rc.ChatID).
		Str("tier", string(out.Tier)).
		Str("kind", string(out.Kind)).
		Float64("confidence", out.Confidence).
		Dur("latency", time.Since(start)).
		Msg("Message routed")
	return out
}

func (r *Router) route(ctx context.Context, text string, rc RouteContext) models.RouterOutcome {
	normalized := intent.Normalize(text)

	// ── RULES ───────────────────────────────────────────────
	if rule, ok := r.rules.match(normalized); ok {
		return models.RouterOutcome{
			Kind:       models.OutcomeReply,
			Tier:       models.TierRules,
			Confidence: 1,
			Reply:      rule.Reply,
		}
	}

	// ── HEURISTIC ───────────────────────────────────────────
	if out, ok := r.heuristic(ctx, text, rc); ok {
		return out
	}

	// ── STRUCTURED ──────────────────────────────────────────
	if out, ok := r.structured(ctx, text, rc); ok {
		return out
	}

	// ── GENERATIVE ──────────────────────────────────────────
	return r.generative(ctx, text, rc)
}

func (r *Router) heuristic(ctx context.Context, text string, rc RouteContext) (models.RouterOutcome, bool) {
	if r.matcher == nil {
		return models.RouterOutcome{}, false
	}
	match, err := guard(ctx, r, models.TierHeuristic, rc, func(ctx context.Context) (models.IntentMatch, error) {
		return r.matcher.Detect(ctx, text), nil
	})
	if err != nil || !match.Matched() || match.Score < r.cfg.HeuristicThreshold {
		return models.RouterOutcome{}, false
	}
	name := match.IntentID
	if in, ok := r.matcher.Catalog().Intent(match.IntentID); ok {
		name = in.Name
	}
	return models.RouterOutcome{
		Kind:       models.OutcomeAction,
		Tier:       models.TierHeuristic,
		Confidence: match.Score,
		Action: &models.ActionPayload{
			IntentID:   match.IntentID,
			IntentName: name,
			Score:      match.Score,
			Method:     match.Method,
		},
	}, true
}

func (r *Router) structured(ctx context.Context, text string, rc RouteContext) (models.RouterOutcome, bool) {
	if r.classifier == nil {
		return models.RouterOutcome{}, false
	}
	req := ClassifyRequest{Text: text, History: rc.History, State: rc.State}
	if r.matcher != nil {
		req.Intents = r.matcher.Catalog().Intents()
	}
	if r.tools != nil {
		req.Tools = r.tools.List()
	}

	dec, err := guard(ctx, r, models.TierStructured, rc, func(ctx context.Context) (*Decision, error) {
		return r.classifier.Classify(ctx, req)
	})
	if err != nil || dec == nil {
		return models.RouterOutcome{}, false
	}
	conf := clamp01(dec.Confidence)
	if conf < r.cfg.MinStructuredConfidence {
		log.Debug().Str("chat", rc.ChatID).Float64("confidence", conf).Msg("Structured decision below confidence floor")
		return models.RouterOutcome{}, false
	}

	out := models.RouterOutcome{Tier: models.TierStructured, Confidence: conf}
	switch strings.ToLower(dec.ActionType) {
	case string(models.OutcomeToolCall):
		if dec.Tool == "" {
			return models.RouterOutcome{}, false
		}
		out.Kind = models.OutcomeToolCall
		out.ToolCall = &models.ToolCallPayload{Tool: dec.Tool, Arguments: dec.Arguments}
	case string(models.OutcomeAction):
		if dec.IntentID == "" {
			return models.RouterOutcome{}, false
		}
		name := dec.IntentID
		if r.matcher != nil {
			if in, ok := r.matcher.Catalog().Intent(dec.IntentID); ok {
				name = in.Name
			}
		}
		out.Kind = models.OutcomeAction
		out.Action = &models.ActionPayload{IntentID: dec.IntentID, IntentName: name, Score: conf}
	case string(models.OutcomeHandoff):
		out.Kind = models.OutcomeHandoff
		out.Handoff = &models.HandoffPayload{Reason: dec.Reason}
	case string(models.OutcomeReply):
		if strings.TrimSpace(dec.Reply) == "" {
			return models.RouterOutcome{}, false
		}
		out.Kind = models.OutcomeReply
		out.Reply = strings.TrimSpace(dec.Reply)
	default:
		return models.RouterOutcome{}, false
	}
	return out, true
}

func (r *Router) generative(ctx context.Context, text string, rc RouteContext) models.RouterOutcome {
	apology := models.RouterOutcome{
		Kind:       models.OutcomeReply,
		Tier:       models.TierGenerative,
		Confidence: apologyConfidence,
		Reply:      r.cfg.Apology,
	}
	if r.generator == nil {
		return apology
	}
	reply, err := guard(ctx, r, models.TierGenerative, rc, func(ctx context.Context) (string, error) {
		return r.generator.Generate(ctx, buildPrompt(text, rc.History), r.cfg.MaxReplyTokens)
	})
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		return apology
	}
	return models.RouterOutcome{
		Kind:       models.OutcomeReply,
		Tier:       models.TierGenerative,
		Confidence: generativeConfidence,
		Reply:      reply,
	}
}

// guard runs one tier call under the tier timeout and turns panics into
// errors. Any error means the tier declined. A backend that ignores ctx is
// abandoned when the timeout fires; its late result is discarded.
func guard[T any](ctx context.Context, r *Router, tier models.Tier, rc RouteContext, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TierTimeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tier panic: %v", p)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		log.Warn().Err(res.err).Str("tier", string(tier)).Str("chat", rc.ChatID).Msg("Tier declined after failure")
		var zero T
		return zero, res.err
	}
	return res.value, nil
}

func buildPrompt(text string, history []models.ChatMessage) string {
	var b strings.Builder
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "user: %s\n", text)
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
