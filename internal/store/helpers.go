package store

import (
	"database/sql"
	"encoding/json"

	"github.com/tandaumarket/marketbot/internal/models"
)

// recentMessageKeep is how many recent messages are retained per user for
// identical-streak checks.
const recentMessageKeep = 5

// marshalPayload encodes a session data payload as JSON, mapping nil to an
// empty object so the column stays non-null.
func marshalPayload(data map[string]string) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scanInteractionState scans an InteractionState from a single row.
func scanInteractionState(row *sql.Row) (*models.InteractionState, error) {
	var st models.InteractionState
	var lastWelcome sql.NullTime
	err := row.Scan(
		&st.UserID, &st.Mode, &st.ModeChanges, &st.BotActive, &st.UserType,
		&st.WelcomeSent, &lastWelcome, &st.Interactions, &st.LastInteraction,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastWelcome.Valid {
		st.LastWelcomeAt = &lastWelcome.Time
	}
	return &st, nil
}

// scanListings drains a listing result set.
func scanListings(rows *sql.Rows) ([]models.Listing, error) {
	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		if err := rows.Scan(&l.ID, &l.UserID, &l.Title, &l.Price, &l.Description, &l.Active, &l.CreatedAt); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// scanStrings drains a single-column string result set.
func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
