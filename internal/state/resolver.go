// Package state implements the user state resolver: the single state machine
// that derives a user's coarse interaction mode and membership type, and owns
// every mode transition triggered by mode-changing postbacks.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

// Context is the resolved conversational context for one inbound event.
type Context struct {
	User     *models.User
	Session  *models.Session
	State    *models.InteractionState
	UserType models.UserType
	InFlow   bool
}

// Resolver derives modes and user types from persisted records and applies
// the mode transition table. It is the sole authority for the 24-hour
// welcome cooldown decision.
type Resolver struct {
	store store.Store
	now   func() time.Time
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st, now: time.Now}
}

// NewResolverWithClock creates a resolver with an injected clock for tests.
func NewResolverWithClock(st store.Store, now func() time.Time) *Resolver {
	return &Resolver{store: st, now: now}
}

// nextMode is the exhaustive transition table for mode-changing postbacks.
// It returns the target mode and whether the postback causes a transition
// from the current mode. Repeated taps of the same button are no-ops.
func nextMode(current models.Mode, postback string) (models.Mode, bool) {
	switch postback {
	case models.PostbackUseBot:
		if current == models.ModeChoosing || current == models.ModeNewUser {
			return models.ModeUsingBot, true
		}
	case models.PostbackChatAdmin:
		if current == models.ModeChoosing || current == models.ModeNewUser {
			return models.ModeChattingAdmin, true
		}
	case models.PostbackStopBot:
		if current == models.ModeUsingBot {
			return models.ModeChoosing, true
		}
	case models.PostbackBackToMain:
		if current != models.ModeChoosing {
			return models.ModeChoosing, true
		}
	}
	return current, false
}

// IsModePostback reports whether the payload is one of the fixed
// mode-transition postbacks the router handles before any flow routing.
func IsModePostback(payload string) bool {
	switch payload {
	case models.PostbackUseBot, models.PostbackChatAdmin,
		models.PostbackStopBot, models.PostbackBackToMain:
		return true
	default:
		return false
	}
}

// GetState loads the user's interaction state, creating a fresh new_user
// record when none exists yet.
func (r *Resolver) GetState(ctx context.Context, userID string) (*models.InteractionState, error) {
	st, err := r.store.GetInteractionState(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load interaction state for %s: %w", userID, err)
	}
	if st != nil {
		return st, nil
	}
	now := r.now()
	st = &models.InteractionState{
		UserID:          userID,
		Mode:            models.ModeNewUser,
		BotActive:       false,
		LastInteraction: now,
	}
	if err := r.store.UpsertInteractionState(*st); err != nil {
		return nil, fmt.Errorf("failed to create interaction state for %s: %w", userID, err)
	}
	slog.Info("Resolver created interaction state", "userID", userID, "mode", st.Mode)
	return st, nil
}

// Transition applies a mode-changing postback. It returns the resulting mode
// and whether a transition actually happened. Every transition bumps the
// mode-change counter and keeps BotActive consistent with the mode.
func (r *Resolver) Transition(ctx context.Context, userID, postback string) (models.Mode, bool, error) {
	st, err := r.GetState(ctx, userID)
	if err != nil {
		return "", false, err
	}
	target, changed := nextMode(st.Mode, postback)
	if !changed {
		slog.Debug("Resolver transition no-op", "userID", userID, "mode", st.Mode, "postback", postback)
		return st.Mode, false, nil
	}
	from := st.Mode
	st.Mode = target
	st.ModeChanges++
	st.BotActive = target == models.ModeUsingBot
	st.LastInteraction = r.now()
	if err := r.store.UpsertInteractionState(*st); err != nil {
		return "", false, fmt.Errorf("failed to persist mode transition for %s: %w", userID, err)
	}
	slog.Info("Resolver mode transition", "userID", userID, "from", from, "to", target, "postback", postback)
	return target, true, nil
}

// AnalyzeContext loads the user, session, and interaction state for one
// event and derives the membership type. The derived type is cached on the
// interaction state and refreshed whenever a differing profile status is
// observed (e.g. after a registration approval).
func (r *Resolver) AnalyzeContext(ctx context.Context, userID string) (*Context, error) {
	user, err := r.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	session, err := r.store.GetSession(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	st, err := r.GetState(ctx, userID)
	if err != nil {
		return nil, err
	}

	userType := user.Type()
	if st.UserType != userType {
		st.UserType = userType
		if err := r.store.UpsertInteractionState(*st); err != nil {
			slog.Error("Resolver failed to cache user type", "error", err, "userID", userID)
		} else {
			slog.Debug("Resolver cached user type", "userID", userID, "userType", userType)
		}
	}

	return &Context{
		User:     user,
		Session:  session,
		State:    st,
		UserType: userType,
		InFlow:   session.InFlow(),
	}, nil
}

// ShouldSendFullWelcome is the single authority for the 24-hour welcome
// cooldown: the full welcome goes out only when none was sent within the
// cooldown window. Callers showing anything welcome-like must consult this.
func (r *Resolver) ShouldSendFullWelcome(st *models.InteractionState) bool {
	if st == nil || !st.WelcomeSent || st.LastWelcomeAt == nil {
		return true
	}
	return r.now().Sub(*st.LastWelcomeAt) >= models.WelcomeCooldown
}

// MarkWelcomeSent records that the full welcome went out just now and moves
// a brand-new user into choosing mode.
func (r *Resolver) MarkWelcomeSent(ctx context.Context, st *models.InteractionState) error {
	now := r.now()
	st.WelcomeSent = true
	st.LastWelcomeAt = &now
	if st.Mode == models.ModeNewUser {
		st.Mode = models.ModeChoosing
		st.ModeChanges++
		st.BotActive = false
	}
	st.LastInteraction = now
	if err := r.store.UpsertInteractionState(*st); err != nil {
		return fmt.Errorf("failed to mark welcome sent for %s: %w", st.UserID, err)
	}
	slog.Debug("Resolver marked welcome sent", "userID", st.UserID, "mode", st.Mode)
	return nil
}

// RecordInteraction bumps the interaction counter and timestamp. Failures
// are logged only; losing one increment never blocks message handling.
func (r *Resolver) RecordInteraction(ctx context.Context, st *models.InteractionState) {
	st.Interactions++
	st.LastInteraction = r.now()
	if err := r.store.UpsertInteractionState(*st); err != nil {
		slog.Error("Resolver failed to record interaction", "error", err, "userID", st.UserID)
	}
}
