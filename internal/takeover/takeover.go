// Package takeover implements the admin takeover gate: a per-user flag
// recording that a human admin owns the conversation. While active, the bot
// must never speak over the admin.
package takeover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

// Gate answers whether an admin owns a user's conversation and records
// takeover starts and stops. Only one admin is active per user at a time;
// last writer wins at the storage layer.
type Gate struct {
	store store.Store
}

// NewGate creates a takeover gate backed by the given store.
func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// IsActive reports whether a human admin currently owns the conversation.
// Store errors are logged and treated as "not active" so a flaky read can
// never silence the bot for everyone.
func (g *Gate) IsActive(ctx context.Context, userID string) bool {
	t, err := g.store.GetTakeover(userID)
	if err != nil {
		slog.Error("TakeoverGate IsActive read failed, treating as inactive", "error", err, "userID", userID)
		return false
	}
	return t != nil && t.Active
}

// Start records that adminID has taken over the conversation for userID.
func (g *Gate) Start(ctx context.Context, userID, adminID string) error {
	now := time.Now()
	t := models.AdminTakeover{
		UserID:    userID,
		Active:    true,
		AdminID:   adminID,
		StartedAt: &now,
	}
	if err := g.store.SaveTakeover(t); err != nil {
		return fmt.Errorf("failed to start takeover for %s: %w", userID, err)
	}
	slog.Info("TakeoverGate takeover started", "userID", userID, "adminID", adminID)
	return nil
}

// Stop ends the takeover for userID. Stopping an inactive takeover returns
// ErrTakeoverNotActive.
func (g *Gate) Stop(ctx context.Context, userID, adminID string) error {
	t, err := g.store.GetTakeover(userID)
	if err != nil {
		return fmt.Errorf("failed to read takeover for %s: %w", userID, err)
	}
	if t == nil || !t.Active {
		return models.ErrTakeoverNotActive
	}
	now := time.Now()
	t.Active = false
	t.AdminID = adminID
	t.WaitingFor = false
	t.EndedAt = &now
	if err := g.store.SaveTakeover(*t); err != nil {
		return fmt.Errorf("failed to stop takeover for %s: %w", userID, err)
	}
	slog.Info("TakeoverGate takeover stopped", "userID", userID, "adminID", adminID)
	return nil
}

// MarkWaiting records that the user asked for an admin and is waiting for
// one to pick up the conversation.
func (g *Gate) MarkWaiting(ctx context.Context, userID string) error {
	t, err := g.store.GetTakeover(userID)
	if err != nil {
		return fmt.Errorf("failed to read takeover for %s: %w", userID, err)
	}
	if t == nil {
		t = &models.AdminTakeover{UserID: userID}
	}
	t.WaitingFor = true
	if err := g.store.SaveTakeover(*t); err != nil {
		return fmt.Errorf("failed to mark waiting for %s: %w", userID, err)
	}
	slog.Debug("TakeoverGate user waiting for admin", "userID", userID)
	return nil
}
