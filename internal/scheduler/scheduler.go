// Package scheduler provides cron-based maintenance jobs for marketbot:
// sweeping idle anti-spam counters and expiring lapsed memberships.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tandaumarket/marketbot/internal/store"
)

// Default job schedules (5-field cron: min, hour, dom, month, dow).
const (
	// DefaultSweepSchedule runs the counter sweep at the top of every hour
	DefaultSweepSchedule = "0 * * * *"
	// DefaultExpirySchedule runs membership expiry daily at 03:00
	DefaultExpirySchedule = "0 3 * * *"
	// jobTimeout bounds one maintenance job run
	jobTimeout = 5 * time.Minute
)

// Sweeper clears idle anti-spam state; satisfied by the rate-limit policy.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser and enable recovery so a panicking
	// job never kills the scheduler goroutine.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddSweepJob schedules the anti-spam sweep on the given expression.
func (s *Scheduler) AddSweepJob(expr string, sweeper Sweeper) error {
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			slog.Error("Scheduler anti-spam sweep failed", "error", err)
			return
		}
		slog.Debug("Scheduler anti-spam sweep done", "removed", n)
	})
}

// AddMembershipExpiryJob schedules the daily membership expiry pass.
func (s *Scheduler) AddMembershipExpiryJob(expr string, st store.Store) error {
	return s.AddJob(expr, func() {
		n, err := st.ExpireMemberships(time.Now())
		if err != nil {
			slog.Error("Scheduler membership expiry failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Scheduler expired lapsed memberships", "count", n)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
