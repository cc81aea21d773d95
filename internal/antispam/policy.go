// Package antispam implements the anti-spam gate as a swappable policy.
//
// Two strategies exist: AdminOnlyPolicy, the simplified policy in production
// force (blocks only while an admin is chatting with the user), and
// RateLimitPolicy, the full rate/streak policy. The codebase evolved from the
// latter to the former, so both stay available behind one interface.
package antispam

import (
	"context"
	"log/slog"

	"github.com/tandaumarket/marketbot/internal/takeover"
)

// Verdict is the outcome of a spam check.
type Verdict struct {
	Blocked bool
	Reason  string
	Notice  string // optional user-facing text (warnings, cooldown notices)
}

// Pass is the zero verdict: not blocked.
var Pass = Verdict{}

// Policy decides whether an inbound message or postback passes the gate.
// Implementations swallow their own errors and return Pass on failure so a
// flaky check never locks a legitimate user out.
type Policy interface {
	// CheckMessage checks a free-text message from a user.
	CheckMessage(ctx context.Context, userID, text string) Verdict

	// CheckPostback checks a postback button tap from a user.
	CheckPostback(ctx context.Context, userID, action string) Verdict
}

// AdminOnlyPolicy blocks messages only while a human admin is actively
// chatting with the user. Postbacks are never blocked.
type AdminOnlyPolicy struct {
	gate *takeover.Gate
}

// NewAdminOnlyPolicy creates the simplified production policy.
func NewAdminOnlyPolicy(gate *takeover.Gate) *AdminOnlyPolicy {
	return &AdminOnlyPolicy{gate: gate}
}

func (p *AdminOnlyPolicy) CheckMessage(ctx context.Context, userID, text string) Verdict {
	if p.gate.IsActive(ctx, userID) {
		slog.Debug("AdminOnlyPolicy blocking message during takeover", "userID", userID)
		return Verdict{Blocked: true, Reason: "admin_chatting"}
	}
	return Pass
}

func (p *AdminOnlyPolicy) CheckPostback(ctx context.Context, userID, action string) Verdict {
	return Pass
}
