// Package alerts classifies processing errors by severity and pushes reports
// for the serious ones to admin phone numbers over SMS. Severity never
// changes what the end user sees; it only gates admin notification.
package alerts

import (
	"context"
	"strings"
)

// Severity buckets for error reports.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityMarkers maps error-text fragments to severities, checked in order
// from most to least severe.
var severityMarkers = []struct {
	severity  Severity
	fragments []string
}{
	{SeverityCritical, []string{"panic", "database", "circuit breaker open", "data corruption"}},
	{SeverityHigh, []string{"timeout", "connection refused", "connection reset", "unauthorized", "token"}},
	{SeverityMedium, []string{"not found", "invalid", "rate limit"}},
}

// Classify derives a severity from an error message by keyword match.
// Unmatched messages are low severity.
func Classify(errMsg string) Severity {
	msg := strings.ToLower(errMsg)
	for _, m := range severityMarkers {
		for _, frag := range m.fragments {
			if strings.Contains(msg, frag) {
				return m.severity
			}
		}
	}
	return SeverityLow
}

// Notifiable reports whether a severity warrants pushing a report to admins.
func (s Severity) Notifiable() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Report is one error occurrence with enough context to triage. ID
// correlates the report with the structured log entries for the same
// incident.
type Report struct {
	ID       string
	Severity Severity
	UserID   string
	Stage    string
	Message  string
}

// Reporter pushes error reports to admins. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// NopReporter discards all reports.
type NopReporter struct{}

func (NopReporter) Report(ctx context.Context, r Report) error { return nil }

var _ Reporter = NopReporter{}
