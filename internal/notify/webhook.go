package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	SignatureHeader = "X-Dispatch-Signature"
	EventHeader     = "X-Dispatch-Event"

	EventConfirmationExpired = "confirmation_expired"

	webhookAttempts = 3
)

// Webhook posts expiry notices as JSON to a URL, optionally signed with
// HMAC-SHA256 over the body.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	backoff time.Duration
}

type WebhookOption func(*Webhook)

func WithSecret(secret string) WebhookOption {
	return func(w *Webhook) { w.secret = secret }
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithRateLimit caps outbound deliveries per second. Zero disables the cap.
func WithRateLimit(perSecond float64, burst int) WebhookOption {
	return func(w *Webhook) {
		if perSecond <= 0 {
			w.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBackoff sets the base delay between attempts; attempt n waits n*base.
func WithBackoff(base time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = base }
}

func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		backoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Hook returns the webhook as a Hook. Delivery failures are logged.
func (w *Webhook) Hook() Hook {
	return func(ctx context.Context, e Expiry) {
		if err := w.Send(ctx, e); err != nil {
			log.Warn().Err(err).Str("chat", e.ChatID).Str("url", w.url).Msg("Expiry webhook failed")
		}
	}
}

// WebhookHook is shorthand for NewWebhook(url, opts...).Hook().
func WebhookHook(url string, opts ...WebhookOption) Hook {
	return NewWebhook(url, opts...).Hook()
}

// Send delivers one notice with up to three attempts.
func (w *Webhook) Send(ctx context.Context, e Expiry) error {
	body, err := json.Marshal(map[string]any{
		"event":     EventConfirmationExpired,
		"timestamp": time.Now().UTC(),
		"expiry":    e,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * w.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("webhook rate limit: %w", err)
			}
		}
		lastErr = w.post(ctx, e, body)
		if lastErr == nil {
			log.Debug().Str("chat", e.ChatID).Int("attempt", attempt+1).Msg("Expiry webhook delivered")
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", webhookAttempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, e Expiry, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dispatch-plane-webhook/1.0")
	req.Header.Set(EventHeader, EventConfirmationExpired)
	req.Header.Set("X-Dispatch-Tenant", e.TenantID)
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
