// Package antispam: full rate-limiting policy.
package antispam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tandaumarket/marketbot/internal/store"
)

// Configuration defaults for the rate-limiting policy.
const (
	// DefaultPerMinuteLimit is the number of messages allowed per minute
	DefaultPerMinuteLimit = 10
	// DefaultPerHourLimit is the number of messages allowed per hour
	DefaultPerHourLimit = 100
	// DefaultIdenticalStreak is the identical-previous-message count that blocks
	DefaultIdenticalStreak = 2
	// DefaultNonButtonThreshold is the free-text streak that stops the bot for a user
	DefaultNonButtonThreshold = 8
	// DefaultBlockCooldown is how long a triggered block lasts
	DefaultBlockCooldown = 15 * time.Minute
	// DefaultIdleTTL is how long idle counter entries survive before the sweep
	DefaultIdleTTL = time.Hour
	// recentMessageWindow is how many stored messages the identical check inspects
	recentMessageWindow = 5
)

// Block reasons reported in verdicts.
const (
	ReasonRateLimited     = "rate_limited"
	ReasonIdenticalRepeat = "identical_messages_repeated"
	ReasonBotStopped      = "bot_stopped_for_user"
)

// RateLimitConfig tunes the full policy. Zero values take the defaults.
type RateLimitConfig struct {
	PerMinuteLimit     int
	PerHourLimit       int
	IdenticalStreak    int
	NonButtonThreshold int
	BlockCooldown      time.Duration
	IdleTTL            time.Duration
}

func (c *RateLimitConfig) fillDefaults() {
	if c.PerMinuteLimit <= 0 {
		c.PerMinuteLimit = DefaultPerMinuteLimit
	}
	if c.PerHourLimit <= 0 {
		c.PerHourLimit = DefaultPerHourLimit
	}
	if c.IdenticalStreak <= 0 {
		c.IdenticalStreak = DefaultIdenticalStreak
	}
	if c.NonButtonThreshold <= 0 {
		c.NonButtonThreshold = DefaultNonButtonThreshold
	}
	if c.BlockCooldown <= 0 {
		c.BlockCooldown = DefaultBlockCooldown
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
}

// userBlock tracks a temporary per-user block or bot stop.
type userBlock struct {
	until   time.Time
	reason  string
	touched time.Time
}

// nonButtonStreak tracks consecutive free-text messages outside a flow.
type nonButtonStreak struct {
	count   int
	started time.Time
	touched time.Time
}

// RateLimitPolicy is the full legacy strategy: sliding per-minute and
// per-hour caps, identical-message streak blocking, and a non-button streak
// that stops the bot for the user for a cooldown window. Counter state goes
// through the store's atomic counter primitives so single-process and
// multi-instance deployments share one contract; blocks and streak bookkeeping
// stay in process memory and reset on restart (an accepted tradeoff).
type RateLimitPolicy struct {
	store store.Store
	cfg   RateLimitConfig
	now   func() time.Time

	mu      sync.Mutex
	blocks  map[string]userBlock
	streaks map[string]nonButtonStreak
}

// NewRateLimitPolicy creates the full policy over the given store.
func NewRateLimitPolicy(st store.Store, cfg RateLimitConfig) *RateLimitPolicy {
	cfg.fillDefaults()
	return &RateLimitPolicy{
		store:   st,
		cfg:     cfg,
		now:     time.Now,
		blocks:  make(map[string]userBlock),
		streaks: make(map[string]nonButtonStreak),
	}
}

// SetClock injects a clock for tests.
func (p *RateLimitPolicy) SetClock(now func() time.Time) { p.now = now }

// CheckMessage applies the full policy to one free-text message. Users with
// an active flow session and recognized admins bypass all counters: legitimate
// free-text entry must never be penalized.
func (p *RateLimitPolicy) CheckMessage(ctx context.Context, userID, text string) Verdict {
	now := p.now()

	if exempt, err := p.isExempt(userID); err != nil {
		slog.Error("RateLimitPolicy exemption check failed, passing message", "error", err, "userID", userID)
		return Pass
	} else if exempt {
		return Pass
	}

	// Existing block still in force?
	if v, blocked := p.activeBlock(userID, now); blocked {
		return v
	}

	// Identical-message streak, checked against the stored recent messages.
	recent, err := p.store.RecentMessages(userID, recentMessageWindow)
	if err != nil {
		slog.Error("RateLimitPolicy recent messages read failed, skipping streak check", "error", err, "userID", userID)
	} else {
		streak := 0
		for _, prev := range recent {
			if prev != text {
				break
			}
			streak++
		}
		if streak >= p.cfg.IdenticalStreak {
			p.setBlock(userID, now, ReasonIdenticalRepeat)
			slog.Info("RateLimitPolicy blocked identical-message streak", "userID", userID, "streak", streak)
			p.recordMessage(userID, text, now)
			return Verdict{
				Blocked: true,
				Reason:  ReasonIdenticalRepeat,
				Notice:  "Bạn đã gửi cùng một tin nhắn nhiều lần. Vui lòng chờ ít phút rồi thử lại.",
			}
		}
	}
	p.recordMessage(userID, text, now)

	// Sliding per-minute and per-hour caps via atomic store counters.
	minuteWindow := now.Truncate(time.Minute)
	count, err := p.store.IncrementCounter(userID, "minute", minuteWindow)
	if err != nil {
		slog.Error("RateLimitPolicy minute counter failed, passing message", "error", err, "userID", userID)
		return Pass
	}
	if count > p.cfg.PerMinuteLimit {
		p.setBlock(userID, now, ReasonRateLimited)
		slog.Info("RateLimitPolicy blocked per-minute overflow", "userID", userID, "count", count)
		return Verdict{
			Blocked: true,
			Reason:  ReasonRateLimited,
			Notice:  "Bạn đang gửi tin nhắn quá nhanh. Vui lòng chậm lại.",
		}
	}
	hourWindow := now.Truncate(time.Hour)
	count, err = p.store.IncrementCounter(userID, "hour", hourWindow)
	if err != nil {
		slog.Error("RateLimitPolicy hour counter failed, passing message", "error", err, "userID", userID)
		return Pass
	}
	if count > p.cfg.PerHourLimit {
		p.setBlock(userID, now, ReasonRateLimited)
		slog.Info("RateLimitPolicy blocked per-hour overflow", "userID", userID, "count", count)
		return Verdict{
			Blocked: true,
			Reason:  ReasonRateLimited,
			Notice:  "Bạn đã gửi quá nhiều tin nhắn trong giờ qua. Vui lòng quay lại sau.",
		}
	}

	// Non-button streak: free text outside a flow accumulates toward a
	// temporary per-user bot stop.
	if v, stopped := p.bumpNonButtonStreak(userID, now); stopped {
		return v
	}

	return Pass
}

// CheckPostback never blocks; button taps also reset the non-button streak.
func (p *RateLimitPolicy) CheckPostback(ctx context.Context, userID, action string) Verdict {
	p.mu.Lock()
	delete(p.streaks, userID)
	p.mu.Unlock()
	return Pass
}

// Sweep removes counter entries, blocks, and streaks idle beyond the TTL.
// Expected to run periodically (the cron maintenance job calls it hourly).
func (p *RateLimitPolicy) Sweep(ctx context.Context) (int, error) {
	now := p.now()
	cutoff := now.Add(-p.cfg.IdleTTL)

	p.mu.Lock()
	swept := 0
	for id, b := range p.blocks {
		if b.touched.Before(cutoff) && now.After(b.until) {
			delete(p.blocks, id)
			swept++
		}
	}
	for id, s := range p.streaks {
		if s.touched.Before(cutoff) {
			delete(p.streaks, id)
			swept++
		}
	}
	p.mu.Unlock()

	stored, err := p.store.SweepCountersBefore(cutoff)
	if err != nil {
		return swept, fmt.Errorf("failed to sweep stored counters: %w", err)
	}
	slog.Debug("RateLimitPolicy sweep completed", "in_memory", swept, "stored", stored)
	return swept + stored, nil
}

// isExempt reports whether the user bypasses all counters: mid-flow users
// and recognized admins are never penalized.
func (p *RateLimitPolicy) isExempt(userID string) (bool, error) {
	sess, err := p.store.GetSession(userID)
	if err != nil {
		return false, err
	}
	if sess.InFlow() {
		return true, nil
	}
	user, err := p.store.GetUser(userID)
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmin, nil
}

func (p *RateLimitPolicy) activeBlock(userID string, now time.Time) (Verdict, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[userID]
	if !ok {
		return Pass, false
	}
	if now.After(b.until) {
		// Cooldown elapsed; block auto-clears.
		delete(p.blocks, userID)
		return Pass, false
	}
	b.touched = now
	p.blocks[userID] = b
	return Verdict{Blocked: true, Reason: b.reason}, true
}

func (p *RateLimitPolicy) setBlock(userID string, now time.Time, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[userID] = userBlock{until: now.Add(p.cfg.BlockCooldown), reason: reason, touched: now}
}

func (p *RateLimitPolicy) bumpNonButtonStreak(userID string, now time.Time) (Verdict, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streaks[userID]
	if !ok || now.Sub(s.started) > p.cfg.IdleTTL {
		s = nonButtonStreak{started: now}
	}
	s.count++
	s.touched = now
	if s.count >= p.cfg.NonButtonThreshold {
		delete(p.streaks, userID)
		p.blocks[userID] = userBlock{until: now.Add(p.cfg.BlockCooldown), reason: ReasonBotStopped, touched: now}
		slog.Info("RateLimitPolicy stopped bot for user after non-button streak", "userID", userID, "streak", s.count)
		return Verdict{
			Blocked: true,
			Reason:  ReasonBotStopped,
			Notice:  "Bot tạm dừng trả lời. Vui lòng dùng các nút bên dưới hoặc quay lại sau.",
		}, true
	}
	p.streaks[userID] = s
	return Pass, false
}

func (p *RateLimitPolicy) recordMessage(userID, text string, now time.Time) {
	if err := p.store.AddRecentMessage(userID, text, now); err != nil {
		slog.Error("RateLimitPolicy failed to record recent message", "error", err, "userID", userID)
	}
}
