// Package messenger provides a mock Service for tests.
package messenger

import (
	"context"
	"strings"
	"sync"

	"github.com/tandaumarket/marketbot/internal/models"
)

// SentMessage records one outbound call made through the mock.
type SentMessage struct {
	To           string
	Text         string
	QuickReplies []models.QuickReply
	Typing       bool
	Kind         string // "text", "quick_replies", "typing", "hide_buttons"
}

// MockService implements Service and records every call for assertions.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	SendErr error // returned by all send methods when non-nil
}

// NewMockService creates an empty recording mock.
func NewMockService() *MockService {
	return &MockService{}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	id := strings.TrimSpace(recipient)
	if id == "" {
		return "", models.ErrEmptyUserID
	}
	return id, nil
}

func (m *MockService) SendText(ctx context.Context, to string, text string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(SentMessage{To: to, Text: text, Kind: "text"})
	return nil
}

func (m *MockService) SendQuickReplies(ctx context.Context, to string, prompt string, options []models.QuickReply) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(SentMessage{To: to, Text: prompt, QuickReplies: options, Kind: "quick_replies"})
	return nil
}

func (m *MockService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(SentMessage{To: to, Typing: typing, Kind: "typing"})
	return nil
}

func (m *MockService) HideButtons(ctx context.Context, to string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(SentMessage{To: to, Kind: "hide_buttons"})
	return nil
}

func (m *MockService) record(msg SentMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

// Sent returns a copy of all recorded calls.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns recorded calls addressed to one recipient.
func (m *MockService) SentTo(to string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, msg := range m.sent {
		if msg.To == to {
			out = append(out, msg)
		}
	}
	return out
}

// MessageCount returns the number of message sends (text and quick replies),
// excluding typing indicators and button hides.
func (m *MockService) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent {
		if msg.Kind == "text" || msg.Kind == "quick_replies" {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
