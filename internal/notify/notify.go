// Package notify delivers confirmation-expiry notices to the surrounding
// system. A Hook is a plain function; LogHook, WebhookHook and Multi cover
// the common sinks.
package notify

import (
	"context"
	"sync"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Expiry is what the sweeper reports for each expired confirmation.
type Expiry struct {
	TenantID     string                     `json:"tenant_id"`
	ChatID       string                     `json:"chat_id"`
	Channel      string                     `json:"channel,omitempty"`
	Message      string                     `json:"message"`
	Confirmation models.PendingConfirmation `json:"confirmation"`
}

// Hook receives expiry notices. It must be safe for concurrent use.
type Hook func(ctx context.Context, e Expiry)

// Func adapts a bare (chatID, message) callback.
func Func(fn func(chatID, message string)) Hook {
	return func(_ context.Context, e Expiry) { fn(e.ChatID, e.Message) }
}

// LogHook writes each notice to the global logger.
func LogHook() Hook {
	return func(_ context.Context, e Expiry) {
		log.Info().
			Str("tenant", e.TenantID).
			Str("chat", e.ChatID).
			Str("channel", e.Channel).
			Str("confirmation", e.Confirmation.ID).
			Msg("⏰ Confirmation expired")
	}
}

// Multi fans a notice out to every non-nil hook concurrently and waits for
// all of them.
func Multi(hooks ...Hook) Hook {
	var live []Hook
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	return func(ctx context.Context, e Expiry) {
		var wg sync.WaitGroup
		for _, h := range live {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("chat", e.ChatID).Msg("Notification hook panicked")
					}
				}()
				h(ctx, e)
			}(h)
		}
		wg.Wait()
	}
}
