// Package messenger provides the Facebook Send API delivery abstraction for
// marketbot.
//
// The conversation core treats delivery as fire-and-forget: failures are
// logged by callers, never retried here beyond what the processing pipeline's
// stage retry already covers.
package messenger

import (
	"context"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Service defines a pluggable message delivery abstraction over the
// Messenger Send API.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier (a Facebook-scoped sender id).
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message to a recipient.
	SendText(ctx context.Context, to string, text string) error

	// SendQuickReplies sends a prompt with selectable quick-reply buttons.
	SendQuickReplies(ctx context.Context, to string, prompt string, options []models.QuickReply) error

	// SendTypingIndicator toggles the typing indicator for a recipient.
	SendTypingIndicator(ctx context.Context, to string, typing bool) error

	// HideButtons clears any pending quick-reply buttons for a recipient.
	HideButtons(ctx context.Context, to string) error
}
