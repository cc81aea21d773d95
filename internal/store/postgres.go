// Package store provides storage backends for marketbot.
//
// This file implements the PostgreSQL-backed store used in production
// (Supabase-compatible).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/tandaumarket/marketbot/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// botStatusKey is the settings-table key holding the global bot run state.
const botStatusKey = "bot_status"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetUser(userID string) (*models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, name, phone, status, membership_end, is_admin, created_at, updated_at
		   FROM users WHERE id = $1`, userID)
	var u models.User
	var membershipEnd sql.NullTime
	err := row.Scan(&u.ID, &u.Name, &u.Phone, &u.Status, &membershipEnd, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetUser not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	if membershipEnd.Valid {
		u.MembershipEnd = &membershipEnd.Time
	}
	return &u, nil
}

func (s *PostgresStore) UpsertUser(u models.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, phone, status, membership_end, is_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, phone = EXCLUDED.phone, status = EXCLUDED.status,
		   membership_end = EXCLUDED.membership_end, is_admin = EXCLUDED.is_admin,
		   updated_at = NOW()`,
		u.ID, u.Name, u.Phone, u.Status, u.MembershipEnd, u.IsAdmin)
	if err != nil {
		slog.Error("PostgresStore UpsertUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	slog.Debug("PostgresStore UpsertUser succeeded", "userID", u.ID, "status", u.Status)
	return nil
}

// DeleteUser removes the user row and cascades to every dependent table.
// The cascade is explicit rather than FK-driven because session and state
// rows can be created before the user row exists.
func (s *PostgresStore) DeleteUser(userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction for %s: %w", userID, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM sessions WHERE user_id = $1`,
		`DELETE FROM interaction_states WHERE user_id = $1`,
		`DELETE FROM admin_takeovers WHERE user_id = $1`,
		`DELETE FROM listings WHERE user_id = $1`,
		`DELETE FROM spam_counters WHERE user_id = $1`,
		`DELETE FROM recent_messages WHERE user_id = $1`,
		`DELETE FROM users WHERE id = $1`,
	} {
		if _, err := tx.Exec(q, userID); err != nil {
			slog.Error("PostgresStore DeleteUser failed", "error", err, "userID", userID)
			return fmt.Errorf("failed to delete user %s: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete for %s: %w", userID, err)
	}
	slog.Info("PostgresStore DeleteUser succeeded", "userID", userID)
	return nil
}

func (s *PostgresStore) GetSession(userID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT user_id, flow, step, data, created_at, updated_at FROM sessions WHERE user_id = $1`, userID)
	var sess models.Session
	var dataJSON string
	err := row.Scan(&sess.UserID, &sess.Flow, &sess.Step, &dataJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &sess.Data); err != nil {
			slog.Error("PostgresStore GetSession JSON unmarshal failed", "error", err, "userID", userID)
			return nil, fmt.Errorf("failed to decode session data for %s: %w", userID, err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) UpsertSession(sess models.Session) error {
	dataJSON, err := marshalPayload(sess.Data)
	if err != nil {
		slog.Error("PostgresStore UpsertSession marshal failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to encode session data for %s: %w", sess.UserID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (user_id, flow, step, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   flow = EXCLUDED.flow, step = EXCLUDED.step, data = EXCLUDED.data, updated_at = NOW()`,
		sess.UserID, sess.Flow, sess.Step, dataJSON)
	if err != nil {
		slog.Error("PostgresStore UpsertSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to upsert session for %s: %w", sess.UserID, err)
	}
	slog.Debug("PostgresStore UpsertSession succeeded", "userID", sess.UserID, "flow", sess.Flow, "step", sess.Step)
	return nil
}

func (s *PostgresStore) DeleteSession(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "userID", userID)
	return nil
}

func (s *PostgresStore) GetInteractionState(userID string) (*models.InteractionState, error) {
	row := s.db.QueryRow(
		`SELECT user_id, mode, mode_changes, bot_active, user_type, welcome_sent,
		        last_welcome_at, interactions, last_interaction, created_at, updated_at
		   FROM interaction_states WHERE user_id = $1`, userID)
	st, err := scanInteractionState(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetInteractionState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetInteractionState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get interaction state for %s: %w", userID, err)
	}
	return st, nil
}

func (s *PostgresStore) UpsertInteractionState(st models.InteractionState) error {
	_, err := s.db.Exec(
		`INSERT INTO interaction_states
		   (user_id, mode, mode_changes, bot_active, user_type, welcome_sent,
		    last_welcome_at, interactions, last_interaction, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   mode = EXCLUDED.mode, mode_changes = EXCLUDED.mode_changes,
		   bot_active = EXCLUDED.bot_active, user_type = EXCLUDED.user_type,
		   welcome_sent = EXCLUDED.welcome_sent, last_welcome_at = EXCLUDED.last_welcome_at,
		   interactions = EXCLUDED.interactions, last_interaction = EXCLUDED.last_interaction,
		   updated_at = NOW()`,
		st.UserID, st.Mode, st.ModeChanges, st.BotActive, st.UserType, st.WelcomeSent,
		st.LastWelcomeAt, st.Interactions, st.LastInteraction)
	if err != nil {
		slog.Error("PostgresStore UpsertInteractionState failed", "error", err, "userID", st.UserID)
		return fmt.Errorf("failed to upsert interaction state for %s: %w", st.UserID, err)
	}
	slog.Debug("PostgresStore UpsertInteractionState succeeded", "userID", st.UserID, "mode", st.Mode)
	return nil
}

func (s *PostgresStore) GetTakeover(userID string) (*models.AdminTakeover, error) {
	row := s.db.QueryRow(
		`SELECT user_id, active, admin_id, waiting_for_admin, started_at, ended_at
		   FROM admin_takeovers WHERE user_id = $1`, userID)
	var t models.AdminTakeover
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&t.UserID, &t.Active, &t.AdminID, &t.WaitingFor, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTakeover failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get takeover for %s: %w", userID, err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	return &t, nil
}

func (s *PostgresStore) SaveTakeover(t models.AdminTakeover) error {
	_, err := s.db.Exec(
		`INSERT INTO admin_takeovers (user_id, active, admin_id, waiting_for_admin, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   active = EXCLUDED.active, admin_id = EXCLUDED.admin_id,
		   waiting_for_admin = EXCLUDED.waiting_for_admin,
		   started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at`,
		t.UserID, t.Active, t.AdminID, t.WaitingFor, t.StartedAt, t.EndedAt)
	if err != nil {
		slog.Error("PostgresStore SaveTakeover failed", "error", err, "userID", t.UserID)
		return fmt.Errorf("failed to save takeover for %s: %w", t.UserID, err)
	}
	slog.Debug("PostgresStore SaveTakeover succeeded", "userID", t.UserID, "active", t.Active)
	return nil
}

func (s *PostgresStore) GetBotStatus() (models.BotStatus, error) {
	row := s.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, botStatusKey)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return models.BotStatusRunning, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetBotStatus failed", "error", err)
		return "", fmt.Errorf("failed to get bot status: %w", err)
	}
	return models.BotStatus(value), nil
}

func (s *PostgresStore) SetBotStatus(status models.BotStatus) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		botStatusKey, string(status))
	if err != nil {
		slog.Error("PostgresStore SetBotStatus failed", "error", err, "status", status)
		return fmt.Errorf("failed to set bot status: %w", err)
	}
	slog.Info("PostgresStore SetBotStatus succeeded", "status", status)
	return nil
}

func (s *PostgresStore) CreateListing(l models.Listing) error {
	_, err := s.db.Exec(
		`INSERT INTO listings (id, user_id, title, price, description, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		l.ID, l.UserID, l.Title, l.Price, l.Description, l.Active)
	if err != nil {
		slog.Error("PostgresStore CreateListing failed", "error", err, "listingID", l.ID)
		return fmt.Errorf("failed to create listing %s: %w", l.ID, err)
	}
	slog.Debug("PostgresStore CreateListing succeeded", "listingID", l.ID, "userID", l.UserID)
	return nil
}

func (s *PostgresStore) SearchListings(keyword string, limit int) ([]models.Listing, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, title, price, description, active, created_at
		   FROM listings
		  WHERE active AND (title ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%')
		  ORDER BY created_at DESC
		  LIMIT $2`, keyword, limit)
	if err != nil {
		slog.Error("PostgresStore SearchListings query failed", "error", err, "keyword", keyword)
		return nil, fmt.Errorf("failed to search listings: %w", err)
	}
	defer rows.Close()
	return scanListings(rows)
}

func (s *PostgresStore) ExpireMemberships(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE users SET status = $1, updated_at = NOW()
		  WHERE membership_end IS NOT NULL AND membership_end < $2
		    AND status IN ($3, $4, $5)`,
		models.UserStatusExpired, cutoff,
		models.UserStatusRegistered, models.UserStatusActive, models.UserStatusTrial)
	if err != nil {
		slog.Error("PostgresStore ExpireMemberships failed", "error", err)
		return 0, fmt.Errorf("failed to expire memberships: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore ExpireMemberships succeeded", "expired", n)
	}
	return int(n), nil
}

func (s *PostgresStore) IncrementCounter(userID, name string, window time.Time) (int, error) {
	row := s.db.QueryRow(
		`INSERT INTO spam_counters (user_id, name, window_start, count, updated_at)
		 VALUES ($1, $2, $3, 1, NOW())
		 ON CONFLICT (user_id, name) DO UPDATE SET
		   count = CASE WHEN spam_counters.window_start = EXCLUDED.window_start
		                THEN spam_counters.count + 1 ELSE 1 END,
		   window_start = EXCLUDED.window_start,
		   updated_at = NOW()
		 RETURNING count`,
		userID, name, window)
	var count int
	if err := row.Scan(&count); err != nil {
		slog.Error("PostgresStore IncrementCounter failed", "error", err, "userID", userID, "name", name)
		return 0, fmt.Errorf("failed to increment counter %s for %s: %w", name, userID, err)
	}
	return count, nil
}

func (s *PostgresStore) AddRecentMessage(userID, text string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO recent_messages (user_id, body, at) VALUES ($1, $2, $3)`, userID, text, at)
	if err != nil {
		slog.Error("PostgresStore AddRecentMessage insert failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to add recent message for %s: %w", userID, err)
	}
	_, err = s.db.Exec(
		`DELETE FROM recent_messages
		  WHERE user_id = $1 AND id NOT IN (
		        SELECT id FROM recent_messages WHERE user_id = $1
		         ORDER BY at DESC, id DESC LIMIT $2)`,
		userID, recentMessageKeep)
	if err != nil {
		slog.Error("PostgresStore AddRecentMessage trim failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to trim recent messages for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(userID string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT body FROM recent_messages WHERE user_id = $1 ORDER BY at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		slog.Error("PostgresStore RecentMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query recent messages for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PostgresStore) SweepCountersBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM spam_counters WHERE updated_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore SweepCountersBefore counters failed", "error", err)
		return 0, fmt.Errorf("failed to sweep counters: %w", err)
	}
	swept, _ := res.RowsAffected()
	res, err = s.db.Exec(`DELETE FROM recent_messages WHERE at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore SweepCountersBefore messages failed", "error", err)
		return int(swept), fmt.Errorf("failed to sweep recent messages: %w", err)
	}
	msgs, _ := res.RowsAffected()
	slog.Debug("PostgresStore SweepCountersBefore succeeded", "counters", swept, "messages", msgs)
	return int(swept + msgs), nil
}
