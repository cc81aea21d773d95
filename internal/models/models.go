// Package models defines the core data structures for the marketbot backend.
//
// It includes the inbound webhook event, user and session records, and the
// interaction-state types shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for inbound message text
	MaxMessageLength = 2000
	// MaxPostbackLength defines the maximum allowed length for postback payloads
	MaxPostbackLength = 256
	// MaxUserIDLength defines the maximum allowed length for a Facebook-scoped user id
	MaxUserIDLength = 64
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID        = errors.New("user id cannot be empty")
	ErrUserIDTooLong      = errors.New("user id exceeds maximum length")
	ErrEmptyEvent         = errors.New("event carries neither text nor postback")
	ErrMessageTooLong     = errors.New("message text exceeds maximum length")
	ErrPostbackTooLong    = errors.New("postback payload exceeds maximum length")
	ErrUserNotFound       = errors.New("user not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrBotStopped         = errors.New("bot is globally stopped")
	ErrDuplicateInFlight  = errors.New("message for this user is already being processed")
	ErrPipelineSaturated  = errors.New("pipeline concurrency limit reached")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrUnknownMode        = errors.New("unknown interaction mode")
	ErrInvalidTransition  = errors.New("invalid mode transition")
	ErrTakeoverNotActive  = errors.New("admin takeover is not active")
)

// Event is a single inbound webhook event: either a free-text message or a
// postback button tap from one user.
type Event struct {
	UserID     string `json:"user_id"`
	Text       string `json:"text,omitempty"`
	Postback   string `json:"postback,omitempty"`
	IsPostback bool   `json:"is_postback"`
	Time       int64  `json:"time,omitempty"`
}

// Validate performs input validation on an inbound event.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	if len(e.UserID) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	if e.IsPostback {
		if e.Postback == "" {
			return ErrEmptyEvent
		}
		if len(e.Postback) > MaxPostbackLength {
			return ErrPostbackTooLong
		}
		return nil
	}
	if e.Text == "" {
		return ErrEmptyEvent
	}
	if len(e.Text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// BotStatus is the global run state of the bot process.
type BotStatus string

const (
	BotStatusRunning BotStatus = "running"
	BotStatusStopped BotStatus = "stopped"
)

// QuickReply is one selectable option attached to an outbound prompt.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// WelcomeCooldown is how long after a full welcome the short returning-user
// notice is shown instead.
const WelcomeCooldown = 24 * time.Hour

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and
// optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
