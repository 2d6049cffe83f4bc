package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/notify"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleExpiry() notify.Expiry {
	return notify.Expiry{
		TenantID: "acme",
		ChatID:   "c1",
		Channel:  "whatsapp",
		Message:  "A confirmação expirou: Enviar lembrete?",
		Confirmation: models.PendingConfirmation{
			ID:         "conf-1",
			TenantID:   "acme",
			ChatID:     "c1",
			PromptText: "Enviar lembrete?",
		},
	}
}

func TestFuncAdapter(t *testing.T) {
	var gotChat, gotMsg string
	hook := notify.Func(func(chatID, message string) {
		gotChat, gotMsg = chatID, message
	})
	hook(context.Background(), sampleExpiry())
	assert.Equal(t, "c1", gotChat)
	assert.Equal(t, "A confirmação expirou: Enviar lembrete?", gotMsg)
}

func TestMultiCallsEveryHook(t *testing.T) {
	var n atomic.Int32
	count := func(context.Context, notify.Expiry) { n.Add(1) }
	boom := func(context.Context, notify.Expiry) { panic("boom") }

	notify.Multi(count, nil, boom, count)(context.Background(), sampleExpiry())
	assert.Equal(t, int32(2), n.Load())
}

func TestWebhookSignsPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		hdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, hdr = b, r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(srv.URL, notify.WithSecret("s3cret"))
	require.NoError(t, wh.Send(context.Background(), sampleExpiry()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sha256="+notify.Sign("s3cret", body), hdr.Get(notify.SignatureHeader))
	assert.Equal(t, notify.EventConfirmationExpired, hdr.Get(notify.EventHeader))
	assert.Equal(t, "acme", hdr.Get("X-Dispatch-Tenant"))

	var payload struct {
		Event  string        `json:"event"`
		Expiry notify.Expiry `json:"expiry"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, notify.EventConfirmationExpired, payload.Event)
	assert.Equal(t, "c1", payload.Expiry.ChatID)
	assert.Equal(t, "conf-1", payload.Expiry.Confirmation.ID)
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(srv.URL, notify.WithBackoff(time.Millisecond))
	require.NoError(t, wh.Send(context.Background(), sampleExpiry()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(srv.URL, notify.WithBackoff(time.Millisecond), notify.WithRateLimit(0, 0))
	err := wh.Send(context.Background(), sampleExpiry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wh := notify.NewWebhook(srv.URL, notify.WithBackoff(time.Hour))
	done := make(chan error, 1)
	go func() { done <- wh.Send(ctx, sampleExpiry()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancel")
	}
}
