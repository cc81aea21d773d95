package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio SMS reporter.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string
	AdminNumbers []string
}

// Option defines a configuration option for the Twilio SMS reporter.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

func WithAdminNumbers(numbers []string) Option {
	return func(o *Opts) { o.AdminNumbers = numbers }
}

// TwilioReporter sends notifiable error reports as SMS to the configured
// admin numbers. Low and medium severities are logged only.
type TwilioReporter struct {
	client       *twilio.RestClient
	fromNumber   string
	adminNumbers []string
}

// NewTwilioReporter creates a reporter, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and ADMIN_PHONE_NUMBERS (comma
// separated) when options are not provided.
func NewTwilioReporter(opts ...Option) (*TwilioReporter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if len(cfg.AdminNumbers) == 0 {
		if raw := os.Getenv("ADMIN_PHONE_NUMBERS"); raw != "" {
			for _, n := range strings.Split(raw, ",") {
				if n = strings.TrimSpace(n); n != "" {
					cfg.AdminNumbers = append(cfg.AdminNumbers, n)
				}
			}
		}
	}

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if len(cfg.AdminNumbers) == 0 {
		return nil, fmt.Errorf("at least one admin number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioReporter{
		client:       client,
		fromNumber:   cfg.FromNumber,
		adminNumbers: cfg.AdminNumbers,
	}, nil
}

// Report sends r as one SMS per admin number when the severity is
// notifiable. Send failures are logged per-number; the first failure is
// returned after all numbers were attempted.
func (t *TwilioReporter) Report(ctx context.Context, r Report) error {
	if !r.Severity.Notifiable() {
		slog.Debug("Alert below notification threshold", "severity", r.Severity, "user_id", r.UserID)
		return nil
	}
	body := fmt.Sprintf("[%s] marketbot error %s at stage %s (user %s): %s",
		strings.ToUpper(string(r.Severity)), r.ID, r.Stage, r.UserID, r.Message)

	var firstErr error
	for _, to := range t.adminNumbers {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(t.fromNumber)
		params.SetBody(body)
		if _, err := t.client.Api.CreateMessage(params); err != nil {
			slog.Error("Twilio alert delivery failed", "to", to, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to send alert to %s: %w", to, err)
			}
			continue
		}
		slog.Debug("Twilio alert sent", "to", to, "severity", r.Severity)
	}
	return firstErr
}

var _ Reporter = (*TwilioReporter)(nil)

// MockReporter records reports for tests.
type MockReporter struct {
	mu      sync.Mutex
	Reports []Report
}

func NewMockReporter() *MockReporter {
	return &MockReporter{}
}

func (m *MockReporter) Report(ctx context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reports = append(m.Reports, r)
	return nil
}

// Count returns the number of recorded reports.
func (m *MockReporter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Reports)
}

var _ Reporter = (*MockReporter)(nil)
