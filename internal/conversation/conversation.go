// Package conversation runs one user turn end to end: it loads the chat
// state, settles any pending confirmation, routes the message, gates or
// dispatches the resulting tool call and writes the state back.
package conversation

import (
	"context"
	"fmt"

	"github.com/agentoven/agentoven/dispatch-plane/internal/confirm"
	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
	"github.com/agentoven/agentoven/dispatch-plane/internal/router"
	"github.com/agentoven/agentoven/dispatch-plane/internal/store"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Stages written to ConversationState.Stage.
const (
	StageIdle                 = models.DefaultStage
	StageAwaitingConfirmation = "awaiting_confirmation"
	StageHandoff              = "handoff"

	historyVar = "history"
	maxHistory = 12
	roleUser   = "user"
	roleAssist = "assistant"
)

// Router is the decision step.
type Router interface {
	Route(ctx context.Context, text string, rc router.RouteContext) models.RouterOutcome
}

// Tools looks up and runs tools.
type Tools interface {
	Get(name string) (models.ToolDescriptor, bool)
	Invoke(ctx context.Context, name string, args map[string]any, call dispatcher.CallContext) models.ToolInvocationOutcome
}

type Inbound struct {
	TenantID string `json:"tenant_id"`
	ChatID   string `json:"chat_id"`
	Channel  string `json:"channel,omitempty"`
	Text     string `json:"text"`
}

// Reply is the result of one turn. Text is what to send back to the user.
type Reply struct {
	Text         string                        `json:"text"`
	Outcome      *models.RouterOutcome         `json:"outcome,omitempty"`
	Tool         *models.ToolInvocationOutcome `json:"tool,omitempty"`
	Confirmation *models.PendingConfirmation   `json:"confirmation,omitempty"`
	// Answer is set when the message answered a pending confirmation.
	Answer confirm.Answer `json:"answer,omitempty"`
	// Duplicate is set when a sensitive tool was proposed while a prompt
	// was already pending; the existing prompt is repeated.
	Duplicate bool `json:"duplicate,omitempty"`
	// Expired is set when the message answered a prompt that had lapsed.
	Expired bool                      `json:"expired,omitempty"`
	State   *models.ConversationState `json:"state,omitempty"`
}

type Service struct {
	states    store.StateStore
	gate      *confirm.Gate
	router    Router
	tools     Tools
	catalog   *intent.Catalog
	templates Templates
}

type Option func(*Service)

// WithCatalog supplies intent reply texts for action outcomes.
func WithCatalog(c *intent.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

func WithTemplates(t Templates) Option {
	return func(s *Service) { s.templates = t }
}

func NewService(states store.StateStore, gate *confirm.Gate, r Router, tools Tools, opts ...Option) *Service {
	s := &Service{
		states:    states,
		gate:      gate,
		router:    r,
		tools:     tools,
		templates: DefaultTemplates(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage processes one inbound message.
func (s *Service) HandleMessage(ctx context.Context, in Inbound) (*Reply, error) {
	if in.TenantID == "" || in.ChatID == "" {
		return nil, &store.ErrInvalid{Entity: "message", Reason: "tenant_id and chat_id are required"}
	}

	st, err := s.states.GetState(ctx, in.TenantID, in.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	reply, stage, pending, err := s.settleConfirmation(ctx, in, st)
	if err != nil {
		return nil, err
	}
	handled := reply != nil
	lastIntent := ""
	if !handled {
		reply, stage, lastIntent = s.route(ctx, in, st)
		// The prompt is still open; only a handoff or a new prompt moves on.
		if pending && stage == StageIdle {
			stage = StageAwaitingConfirmation
		}
	}

	patch := models.StatePatch{
		Stage:        models.String(stage),
		LastUserText: models.String(in.Text),
		Vars:         map[string]any{historyVar: appendHistory(st, in.Text, reply.Text)},
	}
	if in.Channel != "" {
		patch.Channel = models.String(in.Channel)
	}
	if lastIntent != "" {
		patch.LastIntent = models.String(lastIntent)
	}
	next, err := s.states.SetState(ctx, in.TenantID, in.ChatID, patch)
	if err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	reply.State = next

	log.Info().
		Str("tenant", in.TenantID).
		Str("chat", in.ChatID).
		Str("stage", stage).
		Bool("confirmation_reply", handled).
		Msg("Turn handled")
	return reply, nil
}

// settleConfirmation applies the message to a pending confirmation. A nil
// reply means the turn still has to be routed; pending then reports whether
// a live confirmation is waiting for a clear answer. A yes or no sent after
// the prompt lapsed gets the expired notice instead of being routed.
func (s *Service) settleConfirmation(ctx context.Context, in Inbound, st *models.ConversationState) (reply *Reply, stage string, pending bool, err error) {
	res, err := s.gate.HandleReply(ctx, in.TenantID, in.ChatID, in.Text)
	if err != nil {
		return nil, "", false, err
	}
	if res == nil {
		answer := confirm.ParseReply(in.Text)
		if st == nil || st.Stage != StageAwaitingConfirmation || answer == confirm.AnswerUnknown {
			return nil, "", false, nil
		}
		return &Reply{Text: s.templates.Expired, Answer: answer, Expired: true}, StageIdle, false, nil
	}
	if res.Answer == confirm.AnswerUnknown {
		return nil, "", !res.Stale, nil
	}

	reply = &Reply{Answer: res.Answer, Confirmation: res.Confirmation}
	switch {
	case res.Stale:
		reply.Text = s.templates.AlreadyAnswered
	case res.Answer == confirm.AnswerNo:
		reply.Text = s.templates.Canceled
	default:
		reply.Tool = res.Outcome
		reply.Text = s.templates.outcome(res.Outcome)
	}
	return reply, StageIdle, false, nil
}

func (s *Service) route(ctx context.Context, in Inbound, st *models.ConversationState) (*Reply, string, string) {
	out := s.router.Route(ctx, in.Text, router.RouteContext{
		TenantID: in.TenantID,
		ChatID:   in.ChatID,
		History:  history(st),
		State:    st,
	})
	reply := &Reply{Outcome: &out}

	switch out.Kind {
	case models.OutcomeAction:
		reply.Text = s.intentReply(out.Action)
		return reply, StageIdle, out.Action.IntentID

	case models.OutcomeToolCall:
		return reply, s.toolCall(ctx, in, out.ToolCall, reply), ""

	case models.OutcomeHandoff:
		reply.Text = s.templates.Handoff
		return reply, StageHandoff, ""

	default:
		reply.Text = out.Reply
		return reply, StageIdle, ""
	}
}

func (s *Service) toolCall(ctx context.Context, in Inbound, call *models.ToolCallPayload, reply *Reply) string {
	desc, ok := s.tools.Get(call.Tool)
	if ok && desc.Sensitive {
		rec, created, err := s.gate.Propose(ctx, confirm.ProposeRequest{
			TenantID:   in.TenantID,
			ChatID:     in.ChatID,
			Channel:    in.Channel,
			PromptText: s.templates.prompt(desc),
			Action: models.ProposedAction{
				Kind:      confirm.ActionToolCall,
				Target:    call.Tool,
				Arguments: call.Arguments,
			},
		})
		if err != nil {
			log.Warn().Err(err).Str("tool", call.Tool).Msg("Could not propose confirmation")
			reply.Text = s.templates.Failed
			return StageIdle
		}
		reply.Confirmation = rec
		reply.Duplicate = !created
		reply.Text = rec.PromptText
		return StageAwaitingConfirmation
	}

	out := s.tools.Invoke(ctx, call.Tool, call.Arguments, dispatcher.CallContext{TenantID: in.TenantID, ChatID: in.ChatID})
	reply.Tool = &out
	reply.Text = s.templates.outcome(&out)
	return StageIdle
}

func (s *Service) intentReply(a *models.ActionPayload) string {
	if s.catalog != nil {
		if it, ok := s.catalog.Intent(a.IntentID); ok {
			if it.Reply != "" {
				return it.Reply
			}
			return fmt.Sprintf(s.templates.IntentFallback, it.Name)
		}
	}
	name := a.IntentName
	if name == "" {
		name = a.IntentID
	}
	return fmt.Sprintf(s.templates.IntentFallback, name)
}

// ── History ──────────────────────────────────────────────────

// History is kept in vars as []any of {"role","content"} maps so it reads
// back the same from every store backend.
func history(st *models.ConversationState) []models.ChatMessage {
	if st == nil {
		return nil
	}
	raw, _ := st.Vars[historyVar].([]any)
	out := make([]models.ChatMessage, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role != "" {
			out = append(out, models.ChatMessage{Role: role, Content: content})
		}
	}
	return out
}

func appendHistory(st *models.ConversationState, user, assistant string) []any {
	msgs := append(history(st),
		models.ChatMessage{Role: roleUser, Content: user},
		models.ChatMessage{Role: roleAssist, Content: assistant},
	)
	if len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}
