// Package store provides storage backends for marketbot.
//
// It defines the Store interface consumed by the router, resolver, and gates,
// with PostgreSQL (production, Supabase-compatible), SQLite (single node),
// and in-memory (tests) implementations.
package store

import (
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string (file path for SQLite,
// postgres:// URL or key=value DSN for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the persistence contract the conversation core depends on. One
// logical row per user for sessions, interaction states, and takeovers;
// upserts are last-writer-wins.
type Store interface {
	// GetUser returns the user record, or nil when the user is unknown.
	GetUser(userID string) (*models.User, error)

	// UpsertUser inserts or updates a user record keyed by user id.
	UpsertUser(u models.User) error

	// DeleteUser removes a user and cascades to all dependent records.
	DeleteUser(userID string) error

	// GetSession returns the user's session row, or nil when absent.
	GetSession(userID string) (*models.Session, error)

	// UpsertSession inserts or updates the single session row for a user.
	UpsertSession(s models.Session) error

	// DeleteSession removes the user's session row.
	DeleteSession(userID string) error

	// GetInteractionState returns the user's interaction state, or nil.
	GetInteractionState(userID string) (*models.InteractionState, error)

	// UpsertInteractionState inserts or updates the interaction state row.
	UpsertInteractionState(st models.InteractionState) error

	// GetTakeover returns the user's admin takeover record, or nil.
	GetTakeover(userID string) (*models.AdminTakeover, error)

	// SaveTakeover inserts or updates the takeover record (last writer wins).
	SaveTakeover(t models.AdminTakeover) error

	// GetBotStatus returns the global bot run state. Absent defaults to
	// running.
	GetBotStatus() (models.BotStatus, error)

	// SetBotStatus persists the global bot run state.
	SetBotStatus(status models.BotStatus) error

	// CreateListing stores a new marketplace listing.
	CreateListing(l models.Listing) error

	// SearchListings returns active listings whose title or description
	// matches the keyword, newest first.
	SearchListings(keyword string, limit int) ([]models.Listing, error)

	// ExpireMemberships downgrades members whose membership ended before the
	// cutoff to expired status, returning how many were affected.
	ExpireMemberships(cutoff time.Time) (int, error)

	CounterStore
}

// CounterStore exposes the atomic counter primitives the rate-limiting
// anti-spam strategy needs when counters are externalized for multi-instance
// deployments. Increments are atomic at the storage layer; there is no
// read-modify-write on the caller side.
type CounterStore interface {
	// IncrementCounter atomically bumps the named per-user counter inside the
	// given time window and returns the new value. A new window starts a
	// fresh count.
	IncrementCounter(userID, name string, window time.Time) (int, error)

	// AddRecentMessage records an inbound message for identical-streak
	// checks, keeping only the most recent few per user.
	AddRecentMessage(userID, text string, at time.Time) error

	// RecentMessages returns up to limit of the user's most recent messages,
	// newest first.
	RecentMessages(userID string, limit int) ([]string, error)

	// SweepCountersBefore deletes counter and recent-message rows idle since
	// before the cutoff, returning the number of rows removed.
	SweepCountersBefore(cutoff time.Time) (int, error)
}
