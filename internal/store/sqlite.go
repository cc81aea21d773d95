// Package store provides storage backends for marketbot.
//
// This file implements the SQLite-backed store for single-node deployments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tandaumarket/marketbot/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetUser(userID string) (*models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, name, phone, status, membership_end, is_admin, created_at, updated_at
		   FROM users WHERE id = ?`, userID)
	var u models.User
	var membershipEnd sql.NullTime
	err := row.Scan(&u.ID, &u.Name, &u.Phone, &u.Status, &membershipEnd, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetUser not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	if membershipEnd.Valid {
		u.MembershipEnd = &membershipEnd.Time
	}
	return &u, nil
}

func (s *SQLiteStore) UpsertUser(u models.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, phone, status, membership_end, is_admin, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, phone = excluded.phone, status = excluded.status,
		   membership_end = excluded.membership_end, is_admin = excluded.is_admin,
		   updated_at = CURRENT_TIMESTAMP`,
		u.ID, u.Name, u.Phone, u.Status, u.MembershipEnd, u.IsAdmin)
	if err != nil {
		slog.Error("SQLiteStore UpsertUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	slog.Debug("SQLiteStore UpsertUser succeeded", "userID", u.ID, "status", u.Status)
	return nil
}

func (s *SQLiteStore) DeleteUser(userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction for %s: %w", userID, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM sessions WHERE user_id = ?`,
		`DELETE FROM interaction_states WHERE user_id = ?`,
		`DELETE FROM admin_takeovers WHERE user_id = ?`,
		`DELETE FROM listings WHERE user_id = ?`,
		`DELETE FROM spam_counters WHERE user_id = ?`,
		`DELETE FROM recent_messages WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, userID); err != nil {
			slog.Error("SQLiteStore DeleteUser failed", "error", err, "userID", userID)
			return fmt.Errorf("failed to delete user %s: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete for %s: %w", userID, err)
	}
	slog.Info("SQLiteStore DeleteUser succeeded", "userID", userID)
	return nil
}

func (s *SQLiteStore) GetSession(userID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT user_id, flow, step, data, created_at, updated_at FROM sessions WHERE user_id = ?`, userID)
	var sess models.Session
	var dataJSON string
	err := row.Scan(&sess.UserID, &sess.Flow, &sess.Step, &dataJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &sess.Data); err != nil {
			slog.Error("SQLiteStore GetSession JSON unmarshal failed", "error", err, "userID", userID)
			return nil, fmt.Errorf("failed to decode session data for %s: %w", userID, err)
		}
	}
	return &sess, nil
}

func (s *SQLiteStore) UpsertSession(sess models.Session) error {
	dataJSON, err := marshalPayload(sess.Data)
	if err != nil {
		slog.Error("SQLiteStore UpsertSession marshal failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to encode session data for %s: %w", sess.UserID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (user_id, flow, step, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT (user_id) DO UPDATE SET
		   flow = excluded.flow, step = excluded.step, data = excluded.data,
		   updated_at = CURRENT_TIMESTAMP`,
		sess.UserID, sess.Flow, sess.Step, dataJSON)
	if err != nil {
		slog.Error("SQLiteStore UpsertSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to upsert session for %s: %w", sess.UserID, err)
	}
	slog.Debug("SQLiteStore UpsertSession succeeded", "userID", sess.UserID, "flow", sess.Flow, "step", sess.Step)
	return nil
}

func (s *SQLiteStore) DeleteSession(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "userID", userID)
	return nil
}

func (s *SQLiteStore) GetInteractionState(userID string) (*models.InteractionState, error) {
	row := s.db.QueryRow(
		`SELECT user_id, mode, mode_changes, bot_active, user_type, welcome_sent,
		        last_welcome_at, interactions, last_interaction, created_at, updated_at
		   FROM interaction_states WHERE user_id = ?`, userID)
	st, err := scanInteractionState(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetInteractionState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetInteractionState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get interaction state for %s: %w", userID, err)
	}
	return st, nil
}

func (s *SQLiteStore) UpsertInteractionState(st models.InteractionState) error {
	_, err := s.db.Exec(
		`INSERT INTO interaction_states
		   (user_id, mode, mode_changes, bot_active, user_type, welcome_sent,
		    last_welcome_at, interactions, last_interaction, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT (user_id) DO UPDATE SET
		   mode = excluded.mode, mode_changes = excluded.mode_changes,
		   bot_active = excluded.bot_active, user_type = excluded.user_type,
		   welcome_sent = excluded.welcome_sent, last_welcome_at = excluded.last_welcome_at,
		   interactions = excluded.interactions, last_interaction = excluded.last_interaction,
		   updated_at = CURRENT_TIMESTAMP`,
		st.UserID, st.Mode, st.ModeChanges, st.BotActive, st.UserType, st.WelcomeSent,
		st.LastWelcomeAt, st.Interactions, st.LastInteraction)
	if err != nil {
		slog.Error("SQLiteStore UpsertInteractionState failed", "error", err, "userID", st.UserID)
		return fmt.Errorf("failed to upsert interaction state for %s: %w", st.UserID, err)
	}
	slog.Debug("SQLiteStore UpsertInteractionState succeeded", "userID", st.UserID, "mode", st.Mode)
	return nil
}

func (s *SQLiteStore) GetTakeover(userID string) (*models.AdminTakeover, error) {
	row := s.db.QueryRow(
		`SELECT user_id, active, admin_id, waiting_for_admin, started_at, ended_at
		   FROM admin_takeovers WHERE user_id = ?`, userID)
	var t models.AdminTakeover
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&t.UserID, &t.Active, &t.AdminID, &t.WaitingFor, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTakeover failed", "error", err, "userID", userID)
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

func (s *SQLiteStore) SaveTakeover(t models.AdminTakeover) error {
	_, err := s.db.Exec(
		`INSERT INTO admin_takeovers (user_id, active, admin_id, waiting_for_admin, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   active = excluded.active, admin_id = excluded.admin_id,
		   waiting_for_admin = excluded.waiting_for_admin,
		   started_at = excluded.started_at, ended_at = excluded.ended_at`,
		t.UserID, t.Active, t.AdminID, t.WaitingFor, t.StartedAt, t.EndedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveTakeover failed", "error", err, "userID", t.UserID)
		return fmt.Errorf("failed to save takeover for %s: %w", t.UserID, err)
	}
	slog.Debug("SQLiteStore SaveTakeover succeeded", "userID", t.UserID, "active", t.Active)
	return nil
}

func (s *SQLiteStore) GetBotStatus() (models.BotStatus, error) {
	row := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, botStatusKey)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return models.BotStatusRunning, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetBotStatus failed", "error", err)
		return "", fmt.Errorf("failed to get bot status: %w", err)
	}
	return models.BotStatus(value), nil
}

func (s *SQLiteStore) SetBotStatus(status models.BotStatus) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		botStatusKey, string(status))
	if err != nil {
		slog.Error("SQLiteStore SetBotStatus failed", "error", err, "status", status)
		return fmt.Errorf("failed to set bot status: %w", err)
	}
	slog.Info("SQLiteStore SetBotStatus succeeded", "status", status)
	return nil
}

func (s *SQLiteStore) CreateListing(l models.Listing) error {
	_, err := s.db.Exec(
		`INSERT INTO listings (id, user_id, title, price, description, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		l.ID, l.UserID, l.Title, l.Price, l.Description, l.Active)
	if err != nil {
		slog.Error("SQLiteStore CreateListing failed", "error", err, "listingID", l.ID)
		return fmt.Errorf("failed to create listing %s: %w", l.ID, err)
	}
	slog.Debug("SQLiteStore CreateListing succeeded", "listingID", l.ID, "userID", l.UserID)
	return nil
}

func (s *SQLiteStore) SearchListings(keyword string, limit int) ([]models.Listing, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, title, price, description, active, created_at
		   FROM listings
		  WHERE active AND (LOWER(title) LIKE '%' || LOWER(?) || '%'
		        OR LOWER(description) LIKE '%' || LOWER(?) || '%')
		  ORDER BY created_at DESC
		  LIMIT ?`, keyword, keyword, limit)
	if err != nil {
		slog.Error("SQLiteStore SearchListings query failed", "error", err, "keyword", keyword)
		return nil, fmt.Errorf("failed to search listings: %w", err)
	}
	defer rows.Close()
	return scanListings(rows)
}

func (s *SQLiteStore) ExpireMemberships(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE users SET status = ?, updated_at = CURRENT_TIMESTAMP
		  WHERE membership_end IS NOT NULL AND membership_end < ?
		    AND status IN (?, ?, ?)`,
		models.UserStatusExpired, cutoff,
		models.UserStatusRegistered, models.UserStatusActive, models.UserStatusTrial)
	if err != nil {
		slog.Error("SQLiteStore ExpireMemberships failed", "error", err)
		return 0, fmt.Errorf("failed to expire memberships: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore ExpireMemberships succeeded", "expired", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) IncrementCounter(userID, name string, window time.Time) (int, error) {
	row := s.db.QueryRow(
		`INSERT INTO spam_counters (user_id, name, window_start, count, updated_at)
		 VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT (user_id, name) DO UPDATE SET
		   count = CASE WHEN spam_counters.window_start = excluded.window_start
		                THEN spam_counters.count + 1 ELSE 1 END,
		   window_start = excluded.window_start,
		   updated_at = CURRENT_TIMESTAMP
		 RETURNING count`,
		userID, name, window)
	var count int
	if err := row.Scan(&count); err != nil {
		slog.Error("SQLiteStore IncrementCounter failed", "error", err, "userID", userID, "name", name)
		return 0, fmt.Errorf("failed to increment counter %s for %s: %w", name, userID, err)
	}
	return count, nil
}

func (s *SQLiteStore) AddRecentMessage(userID, text string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO recent_messages (user_id, body, at) VALUES (?, ?, ?)`, userID, text, at)
	if err != nil {
		slog.Error("SQLiteStore AddRecentMessage insert failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to add recent message for %s: %w", userID, err)
	}
	_, err = s.db.Exec(
		`DELETE FROM recent_messages
		  WHERE user_id = ? AND id NOT IN (
		        SELECT id FROM recent_messages WHERE user_id = ?
		         ORDER BY at DESC, id DESC LIMIT ?)`,
		userID, userID, recentMessageKeep)
	if err != nil {
		slog.Error("SQLiteStore AddRecentMessage trim failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to trim recent messages for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(userID string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT body FROM recent_messages WHERE user_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query recent messages for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) SweepCountersBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM spam_counters WHERE updated_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore SweepCountersBefore counters failed", "error", err)
		return 0, fmt.Errorf("failed to sweep counters: %w", err)
	}
	swept, _ := res.RowsAffected()
	res, err = s.db.Exec(`DELETE FROM recent_messages WHERE at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore SweepCountersBefore messages failed", "error", err)
		return int(swept), fmt.Errorf("failed to sweep recent messages: %w", err)
	}
	msgs, _ := res.RowsAffected()
	slog.Debug("SQLiteStore SweepCountersBefore succeeded", "counters", swept, "messages", msgs)
	return int(swept + msgs), nil
}
