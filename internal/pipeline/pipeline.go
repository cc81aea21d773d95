package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

// DefaultMaxConcurrent caps simultaneously processed events across all users.
const DefaultMaxConcurrent = 64

// Breaker names, one per external dependency.
const (
	BreakerDatabase  = "database"
	BreakerMessenger = "messenger"
)

// Handler is the business-logic stage: the routing layer that decides and
// sends the reply for one inbound event.
type Handler func(ctx context.Context, ev models.Event)

// Opts configures a Pipeline.
type Opts struct {
	Store         store.Store
	Messenger     messenger.Service
	Handler       Handler
	MaxConcurrent int64
	Retry         RetryConfig
	Threshold     int
}

// Option modifies Opts.
type Option func(*Opts)

// WithMaxConcurrent overrides the global concurrency cap.
func WithMaxConcurrent(n int64) Option {
	return func(o *Opts) { o.MaxConcurrent = n }
}

// WithRetry overrides the retry policy applied to guarded stages.
func WithRetry(cfg RetryConfig) Option {
	return func(o *Opts) { o.Retry = cfg }
}

// WithFailureThreshold overrides the consecutive-failure count that opens
// the dependency breakers.
func WithFailureThreshold(n int) Option {
	return func(o *Opts) { o.Threshold = n }
}

// Pipeline runs each inbound event through a fixed series of stages:
// validation, sender authentication, context analysis, then the business
// handler. Deliveries made by the handler go through the GuardedSender it is
// wired with, so the messenger breaker and retry policy cover the whole
// outbound path. Over-cap events are rejected rather than queued, and a
// second event from a user whose first is still in flight is dropped.
type Pipeline struct {
	store   store.Store
	handler Handler
	sender  *GuardedSender

	sem      *semaphore.Weighted
	dbBrk    *CircuitBreaker
	msgBrk   *CircuitBreaker
	retry    RetryConfig
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds a Pipeline. The returned pipeline's Sender must be the
// messenger.Service handed to routing and flow code, so their sends are
// breaker-guarded.
func New(st store.Store, msg messenger.Service, handler Handler, options ...Option) *Pipeline {
	opts := Opts{Store: st, Messenger: msg, Handler: handler, MaxConcurrent: DefaultMaxConcurrent}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	dbBrk := NewCircuitBreaker(BreakerDatabase, opts.Threshold, 0)
	msgBrk := NewCircuitBreaker(BreakerMessenger, opts.Threshold, 0)
	return &Pipeline{
		store:    opts.Store,
		handler:  opts.Handler,
		sender:   NewGuardedSender(opts.Messenger, msgBrk, opts.Retry),
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		dbBrk:    dbBrk,
		msgBrk:   msgBrk,
		retry:    opts.Retry,
		inflight: make(map[string]struct{}),
	}
}

// Sender returns the breaker-guarded messenger service.
func (p *Pipeline) Sender() messenger.Service {
	return p.sender
}

// Process runs one inbound event through the pipeline. It returns
// models.ErrPipelineSaturated when the concurrency cap is hit and
// models.ErrDuplicateInFlight when the user already has an event in flight;
// both mean the event was intentionally not processed.
func (p *Pipeline) Process(ctx context.Context, ev models.Event) error {
	if !p.sem.TryAcquire(1) {
		slog.Error("Pipeline over capacity, rejecting event", "user_id", ev.UserID)
		return models.ErrPipelineSaturated
	}
	defer p.sem.Release(1)

	if !p.markInflight(ev.UserID) {
		slog.Debug("Pipeline dropping duplicate in-flight event", "user_id", ev.UserID)
		return models.ErrDuplicateInFlight
	}
	defer p.clearInflight(ev.UserID)

	return p.run(ctx, ev)
}

func (p *Pipeline) run(ctx context.Context, ev models.Event) error {
	slog.Debug("Pipeline processing event", "user_id", ev.UserID, "is_postback", ev.IsPostback)

	// Stage 1: validate.
	if err := ev.Validate(); err != nil {
		slog.Debug("Pipeline rejecting invalid event", "user_id", ev.UserID, "error", err)
		return fmt.Errorf("validate event: %w", err)
	}

	// Stage 2: authenticate the sender id.
	canonical, err := p.sender.ValidateAndCanonicalizeRecipient(ev.UserID)
	if err != nil {
		slog.Debug("Pipeline rejecting unrecognized sender", "user_id", ev.UserID, "error", err)
		return fmt.Errorf("authenticate sender: %w", err)
	}
	ev.UserID = canonical

	// Stage 3: analyze context. A guarded read also serves as the database
	// health probe; a down database opens the breaker here instead of
	// failing deeper in the handler.
	var status models.BotStatus
	err = DoWithRetry(ctx, p.retry, func() error {
		return p.dbBrk.Do(func() error {
			var derr error
			status, derr = p.store.GetBotStatus()
			return derr
		})
	})
	if err != nil {
		slog.Error("Pipeline context analysis failed", "user_id", ev.UserID, "error", err)
		return fmt.Errorf("analyze context: %w", err)
	}
	if status == models.BotStatusStopped {
		slog.Debug("Pipeline dropping event, bot stopped globally", "user_id", ev.UserID)
		return nil
	}

	// Stage 4: business logic, response generation and delivery. The handler
	// owns precedence and replies through the guarded sender.
	p.handler(ctx, ev)
	return nil
}

func (p *Pipeline) markInflight(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[userID]; ok {
		return false
	}
	p.inflight[userID] = struct{}{}
	return true
}

func (p *Pipeline) clearInflight(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, userID)
}
