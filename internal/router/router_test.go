package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
	"github.com/agentoven/agentoven/dispatch-plane/internal/router"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifierFunc func(ctx context.Context, req router.ClassifyRequest) (*router.Decision, error)

func (f classifierFunc) Classify(ctx context.Context, req router.ClassifyRequest) (*router.Decision, error) {
	return f(ctx, req)
}

type generatorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}

var (
	failingClassifier = classifierFunc(func(context.Context, router.ClassifyRequest) (*router.Decision, error) {
		return nil, errors.New("classifier down")
	})
	failingGenerator = generatorFunc(func(context.Context, string, int) (string, error) {
		return "", errors.New("generator down")
	})
)

func newRouter(opts ...router.Option) *router.Router {
	m := intent.NewMatcher(intent.DefaultCatalog(), intent.NewHeuristicProvider(intent.DefaultReranker()))
	return router.New(router.DefaultConfig(), append([]router.Option{router.WithMatcher(m)}, opts...)...)
}

var rc = router.RouteContext{TenantID: "t1", ChatID: "c1"}

func TestRulesTier(t *testing.T) {
	r := newRouter(router.WithClassifier(failingClassifier), router.WithGenerator(failingGenerator))

	for _, text := range []string{"bom dia", "Bom dia!", "OBRIGADO", "tchau", "Olá"} {
		out := r.Route(context.Background(), text, rc)
		assert.Equal(t, models.OutcomeReply, out.Kind, text)
		assert.Equal(t, models.TierRules, out.Tier, text)
		assert.Equal(t, 1.0, out.Confidence, text)
		assert.NotEmpty(t, out.Reply, text)
	}
}

func TestHeuristicTier(t *testing.T) {
	r := newRouter(router.WithClassifier(failingClassifier))

	out := r.Route(context.Background(), "Quero marcar um horário", rc)

	assert.Equal(t, models.OutcomeAction, out.Kind)
	assert.Equal(t, models.TierHeuristic, out.Tier)
	require.NotNil(t, out.Action)
	assert.Equal(t, "book_appointment", out.Action.IntentID)
	assert.Equal(t, "Agendar horário", out.Action.IntentName)
	assert.Equal(t, models.MatchExact, out.Action.Method)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestHeuristicBelowThresholdEscalates(t *testing.T) {
	var called bool
	r := newRouter(router.WithClassifier(classifierFunc(func(context.Context, router.ClassifyRequest) (*router.Decision, error) {
		called = true
		return &router.Decision{ActionType: "reply", Reply: "Sobre o que?", Confidence: 0.9}, nil
	})))

	// One word in common with a four-word example is well under 0.6.
	out := r.Route(context.Background(), "consulta", rc)

	assert.True(t, called)
	assert.Equal(t, models.TierStructured, out.Tier)
	assert.Equal(t, "Sobre o que?", out.Reply)
}

func TestStructuredToolCall(t *testing.T) {
	tools := toolList{{Name: "send_message", Description: "send"}}
	var got router.ClassifyRequest
	r := newRouter(
		router.WithTools(tools),
		router.WithClassifier(classifierFunc(func(_ context.Context, req router.ClassifyRequest) (*router.Decision, error) {
			got = req
			return &router.Decision{
				ActionType: "tool_call",
				Tool:       "send_message",
				Arguments:  map[string]any{"text": "lembrete"},
				Confidence: 0.83,
			}, nil
		})),
	)

	out := r.Route(context.Background(), "manda um lembrete pro joão", rc)

	assert.Equal(t, models.OutcomeToolCall, out.Kind)
	assert.Equal(t, models.TierStructured, out.Tier)
	assert.Equal(t, 0.83, out.Confidence)
	require.NotNil(t, out.ToolCall)
	assert.Equal(t, "send_message", out.ToolCall.Tool)
	assert.Equal(t, "lembrete", out.ToolCall.Arguments["text"])
	assert.Len(t, got.Tools, 1)
	assert.NotEmpty(t, got.Intents)
}

func TestStructuredActionAndHandoff(t *testing.T) {
	dec := &router.Decision{ActionType: "action", IntentID: "pricing", Confidence: 0.7}
	r := newRouter(router.WithClassifier(classifierFunc(func(context.Context, router.ClassifyRequest) (*router.Decision, error) {
		return dec, nil
	})))

	out := r.Route(context.Background(), "me fala dos valores", rc)
	assert.Equal(t, models.OutcomeAction, out.Kind)
	require.NotNil(t, out.Action)
	assert.Equal(t, "Preços", out.Action.IntentName)

	dec = &router.Decision{ActionType: "handoff", Reason: "angry customer", Confidence: 0.9}
	out = r.Route(context.Background(), "isso é um absurdo", rc)
	assert.Equal(t, models.OutcomeHandoff, out.Kind)
	require.NotNil(t, out.Handoff)
	assert.Equal(t, "angry customer", out.Handoff.Reason)
}

func TestStructuredDeclines(t *testing.T) {
	decisions := []*router.Decision{
		nil,
		{ActionType: "tool_call", Tool: "x", Confidence: 0.2},
		{ActionType: "tool_call", Confidence: 0.9},
		{ActionType: "none", Confidence: 0.9},
		{ActionType: "reply", Reply: "  ", Confidence: 0.9},
	}
	for _, dec := range decisions {
		r := newRouter(
			router.WithClassifier(classifierFunc(func(context.Context, router.ClassifyRequest) (*router.Decision, error) {
				return dec, nil
			})),
			router.WithGenerator(generatorFunc(func(context.Context, string, int) (string, error) {
				return "resposta livre", nil
			})),
		)

		out := r.Route(context.Background(), "xyzzy plugh", rc)

		assert.Equal(t, models.TierGenerative, out.Tier)
		assert.Equal(t, 0.5, out.Confidence)
		assert.Equal(t, "resposta livre", out.Reply)
	}
}

func TestGenerativePromptIncludesHistory(t *testing.T) {
	var prompt string
	var budget int
	r := newRouter(router.WithGenerator(generatorFunc(func(_ context.Context, p string, n int) (string, error) {
		prompt, budget = p, n
		return "ok!", nil
	})))

	turn := router.RouteContext{TenantID: "t1", ChatID: "c1", History: []models.ChatMessage{
		{Role: "user", Content: "primeira"},
		{Role: "assistant", Content: "segunda"},
	}}
	out := r.Route(context.Background(), "xyzzy plugh", turn)

	assert.Equal(t, "ok!", out.Reply)
	assert.Contains(t, prompt, "user: primeira\nassistant: segunda\nuser: xyzzy plugh")
	assert.Equal(t, router.DefaultMaxReplyTokens, budget)
}

func TestAllBackendsFailing(t *testing.T) {
	r := newRouter(router.WithClassifier(failingClassifier), router.WithGenerator(failingGenerator))

	out := r.Route(context.Background(), "qwertyuiop zxcvbnm", rc)

	assert.Equal(t, models.OutcomeReply, out.Kind)
	assert.Equal(t, models.TierGenerative, out.Tier)
	assert.Equal(t, 0.1, out.Confidence)
	assert.Equal(t, router.DefaultApology, out.Reply)
}

func TestNoBackendsConfigured(t *testing.T) {
	r := router.New(router.Config{})

	out := r.Route(context.Background(), "anything at all", rc)

	assert.Equal(t, models.TierGenerative, out.Tier)
	assert.Equal(t, 0.1, out.Confidence)
}

func TestPanickingBackendsDecline(t *testing.T) {
	r := newRouter(
		router.WithClassifier(classifierFunc(func(context.Context, router.ClassifyRequest) (*router.Decision, error) {
			panic("classifier bug")
		})),
		router.WithGenerator(generatorFunc(func(context.Context, string, int) (string, error) {
			panic("generator bug")
		})),
	)

	var out models.RouterOutcome
	require.NotPanics(t, func() { out = r.Route(context.Background(), "xyzzy plugh", rc) })
	assert.Equal(t, 0.1, out.Confidence)
}

func TestTierTimeout(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.TierTimeout = 20 * time.Millisecond
	r := router.New(cfg,
		router.WithClassifier(classifierFunc(func(ctx context.Context, _ router.ClassifyRequest) (*router.Decision, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})),
		router.WithGenerator(generatorFunc(func(context.Context, string, int) (string, error) {
			return "fallback reply", nil
		})),
	)

	start := time.Now()
	out := r.Route(context.Background(), "xyzzy plugh", rc)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.TierGenerative, out.Tier)
	assert.Equal(t, "fallback reply", out.Reply)
}

func TestTierTimeoutAbandonsBackendIgnoringContext(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.TierTimeout = 20 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	r := router.New(cfg,
		router.WithClassifier(classifierFunc(func(context.Context, router.ClassifyRequest) (*router.Decision, error) {
			<-release
			return &router.Decision{ActionType: "reply", Reply: "too late", Confidence: 1}, nil
		})),
		router.WithGenerator(generatorFunc(func(context.Context, string, int) (string, error) {
			return "fallback reply", nil
		})),
	)

	done := make(chan models.RouterOutcome, 1)
	go func() { done <- r.Route(context.Background(), "xyzzy plugh", rc) }()

	select {
	case out := <-done:
		assert.Equal(t, models.TierGenerative, out.Tier)
		assert.Equal(t, "fallback reply", out.Reply)
	case <-time.After(2 * time.Second):
		t.Fatal("Route waited on a backend that ignores its context")
	}
}

func TestCustomRules(t *testing.T) {
	r := router.New(router.DefaultConfig(), router.WithRules([]router.Rule{
		{Category: "menu", Patterns: []string{"Menu"}, Reply: "1) Agendar 2) Cancelar"},
	}))

	out := r.Route(context.Background(), "menu!", rc)
	assert.Equal(t, models.TierRules, out.Tier)
	assert.Equal(t, "1) Agendar 2) Cancelar", out.Reply)

	assert.NotEqual(t, models.TierRules, r.Route(context.Background(), "bom dia", rc).Tier)
}

type toolList []models.ToolDescriptor

func (l toolList) List() []models.ToolDescriptor { return l }

// ── OpenAI-compatible backends ───────────────────────────────

func chatServer(t *testing.T, status int, content string, check func(req map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req map[string]any
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) && check != nil {
			check(req)
		}
		if status != http.StatusOK {
			http.Error(w, "upstream error", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClassifier(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"action_type":"tool_call","tool":"http_request","arguments":{"url":"https://example.com"},"confidence":0.9}`,
		func(req map[string]any) {
			assert.Equal(t, "gpt-test", req["model"])
			assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])
		})
	c := router.NewOpenAIClassifier(router.NewChatClient(srv.URL+"/v1", "key", "gpt-test", nil))

	dec, err := c.Classify(context.Background(), router.ClassifyRequest{
		Text:  "abre example.com",
		Tools: []models.ToolDescriptor{{Name: "http_request"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "tool_call", dec.ActionType)
	assert.Equal(t, "http_request", dec.Tool)
	assert.Equal(t, "https://example.com", dec.Arguments["url"])
	assert.Equal(t, 0.9, dec.Confidence)
}

func TestOpenAIClassifierBadJSON(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "not json", nil)
	c := router.NewOpenAIClassifier(router.NewChatClient(srv.URL+"/v1", "key", "m", nil))

	_, err := c.Classify(context.Background(), router.ClassifyRequest{Text: "x"})
	assert.Error(t, err)
}

func TestOpenAIGenerator(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "Claro, posso ajudar.", func(req map[string]any) {
		assert.EqualValues(t, 64, req["max_tokens"])
	})
	g := router.NewOpenAIGenerator(router.NewChatClient(srv.URL+"/v1/", "key", "m", nil))

	reply, err := g.Generate(context.Background(), "user: oi", 64)

	require.NoError(t, err)
	assert.Equal(t, "Claro, posso ajudar.", reply)
}

func TestOpenAIGeneratorStatus(t *testing.T) {
	srv := chatServer(t, http.StatusServiceUnavailable, "", nil)
	g := router.NewOpenAIGenerator(router.NewChatClient(srv.URL+"/v1", "key", "m", nil))

	_, err := g.Generate(context.Background(), "user: oi", 64)

	var se *router.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode())
}
