// Package models defines session state structures for marketbot flows.
package models

import "time"

// Session is the persisted record of which flow (if any) a user is currently
// inside, plus that flow's private step and data payload. At most one session
// row exists per user; a nil/empty Flow means "no active flow".
type Session struct {
	UserID    string            `json:"user_id"`
	Flow      string            `json:"flow,omitempty"`
	Step      int               `json:"step"`
	Data      map[string]string `json:"data,omitempty"` // flow-private, arbitrary shape
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// InFlow reports whether the session has an active flow.
func (s *Session) InFlow() bool {
	return s != nil && s.Flow != ""
}

// DataValue returns the payload value for key, or empty string when the
// session or payload is absent.
func (s *Session) DataValue(key string) string {
	if s == nil || s.Data == nil {
		return ""
	}
	return s.Data[key]
}
