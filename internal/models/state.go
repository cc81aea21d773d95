// Package models defines interaction-state and takeover structures.
package models

import "time"

// Mode is the coarse top-level UX state of a user, distinct from flow state.
// Modes cycle for the life of the user relationship; there is no terminal
// mode.
type Mode string

const (
	ModeNewUser       Mode = "new_user"
	ModeChoosing      Mode = "choosing"
	ModeUsingBot      Mode = "using_bot"
	ModeChattingAdmin Mode = "chatting_admin"
)

// IsValidMode checks if the given mode is one of the closed set.
func IsValidMode(m Mode) bool {
	switch m {
	case ModeNewUser, ModeChoosing, ModeUsingBot, ModeChattingAdmin:
		return true
	default:
		return false
	}
}

// Postback payloads that change the interaction mode rather than operate
// within it. The router handles these before any session or flow routing.
const (
	PostbackUseBot     = "USE_BOT"
	PostbackChatAdmin  = "CHAT_ADMIN"
	PostbackStopBot    = "STOP_BOT"
	PostbackBackToMain = "BACK_TO_MAIN"
)

// InteractionState is the persisted coarse UX state of one user, separate
// from Session. Invariant: BotActive == (Mode == ModeUsingBot) after every
// transition.
type InteractionState struct {
	UserID          string     `json:"user_id"`
	Mode            Mode       `json:"mode"`
	ModeChanges     int        `json:"mode_changes"`
	BotActive       bool       `json:"bot_active"`
	UserType        UserType   `json:"user_type,omitempty"` // cached classification
	WelcomeSent     bool       `json:"welcome_sent"`
	LastWelcomeAt   *time.Time `json:"last_welcome_at,omitempty"`
	Interactions    int        `json:"interactions"`
	LastInteraction time.Time  `json:"last_interaction"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AdminTakeover is the per-user record of a human admin owning the
// conversation. While Active, the bot must not respond on the channel.
// Only one admin is active per user at a time (last writer wins).
type AdminTakeover struct {
	UserID     string     `json:"user_id"`
	Active     bool       `json:"active"`
	AdminID    string     `json:"admin_id,omitempty"`
	WaitingFor bool       `json:"waiting_for_admin"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
