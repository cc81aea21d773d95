package pipeline

import (
	"context"
	"log/slog"

	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
)

// GuardedSender wraps a messenger.Service so every outbound delivery passes
// through the messenger circuit breaker and the bounded retry loop. Routing
// and flow code send through it without knowing about either.
type GuardedSender struct {
	inner   messenger.Service
	breaker *CircuitBreaker
	retry   RetryConfig
}

// NewGuardedSender wraps svc with the given breaker and retry policy.
func NewGuardedSender(svc messenger.Service, breaker *CircuitBreaker, retry RetryConfig) *GuardedSender {
	if breaker == nil {
		breaker = NewCircuitBreaker("messenger", 0, 0)
	}
	return &GuardedSender{inner: svc, breaker: breaker, retry: retry}
}

// ValidateAndCanonicalizeRecipient delegates directly; it is pure and never
// touches the network.
func (g *GuardedSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return g.inner.ValidateAndCanonicalizeRecipient(recipient)
}

func (g *GuardedSender) SendText(ctx context.Context, to, text string) error {
	return g.guard(ctx, "send_text", to, func() error {
		return g.inner.SendText(ctx, to, text)
	})
}

func (g *GuardedSender) SendQuickReplies(ctx context.Context, to, text string, replies []models.QuickReply) error {
	return g.guard(ctx, "send_quick_replies", to, func() error {
		return g.inner.SendQuickReplies(ctx, to, text, replies)
	})
}

func (g *GuardedSender) SendTypingIndicator(ctx context.Context, to string, on bool) error {
	// Typing indicators are cosmetic; one attempt, no retry, but still
	// counted by the breaker so a dead API opens it.
	return g.breaker.Do(func() error {
		return g.inner.SendTypingIndicator(ctx, to, on)
	})
}

func (g *GuardedSender) HideButtons(ctx context.Context, to string) error {
	return g.guard(ctx, "hide_buttons", to, func() error {
		return g.inner.HideButtons(ctx, to)
	})
}

func (g *GuardedSender) guard(ctx context.Context, op, to string, fn func() error) error {
	err := DoWithRetry(ctx, g.retry, func() error {
		return g.breaker.Do(fn)
	})
	if err != nil {
		slog.Error("GuardedSender delivery failed", "op", op, "recipient", to, "error", err)
	}
	return err
}
