// Package router implements the entry point that sequences every gate and
// subsystem for one inbound webhook event. Precedence is the load-bearing
// contract: global stop, then admin takeover, then mode-transition postbacks,
// then active-session flow dispatch, then the anti-spam gate, then default
// routing. Dispatch never propagates an error; every failure ends in a log
// entry and one generic apology to the user.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tandaumarket/marketbot/internal/alerts"
	"github.com/tandaumarket/marketbot/internal/antispam"
	"github.com/tandaumarket/marketbot/internal/flow"
	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/state"
	"github.com/tandaumarket/marketbot/internal/store"
	"github.com/tandaumarket/marketbot/internal/takeover"
	"github.com/tandaumarket/marketbot/internal/util"
)

// Deps holds the collaborators the router sequences. All fields are
// required except Reporter, which defaults to a no-op.
type Deps struct {
	Store    store.Store
	Msg      messenger.Service
	Resolver *state.Resolver
	Takeover *takeover.Gate
	Spam     antispam.Policy
	Flows    *flow.Registry
	Reporter alerts.Reporter
}

// Router is the single entry point invoked per inbound webhook event.
type Router struct {
	store    store.Store
	msg      messenger.Service
	resolver *state.Resolver
	takeover *takeover.Gate
	spam     antispam.Policy
	flows    *flow.Registry
	reporter alerts.Reporter
	now      func() time.Time
}

// New creates a router from its collaborators.
func New(deps Deps) *Router {
	reporter := deps.Reporter
	if reporter == nil {
		reporter = alerts.NopReporter{}
	}
	return &Router{
		store:    deps.Store,
		msg:      deps.Msg,
		resolver: deps.Resolver,
		takeover: deps.Takeover,
		spam:     deps.Spam,
		flows:    deps.Flows,
		reporter: reporter,
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Dispatch routes one inbound event. It never panics and never returns an
// error: every failure is logged with full context and answered with one
// generic apology.
func (r *Router) Dispatch(ctx context.Context, ev models.Event) {
	start := r.now()
	stage := "start"
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(ctx, ev, stage, start, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := r.dispatch(ctx, ev, &stage); err != nil {
		r.fail(ctx, ev, stage, start, err)
		return
	}
	slog.Debug("Router handled event", "user_id", ev.UserID, "stage", stage,
		"duration", r.now().Sub(start))
}

func (r *Router) dispatch(ctx context.Context, ev models.Event, stage *string) error {
	// Gate 1: global stop. Operators expect total silence during
	// maintenance; a status read failure counts as running so an outage of
	// the settings row does not mute the bot.
	*stage = "bot_status"
	status, err := r.store.GetBotStatus()
	if err != nil {
		slog.Error("Router bot status check failed, assuming running", "error", err, "user_id", ev.UserID)
	} else if status == models.BotStatusStopped {
		slog.Debug("Router dropping event, bot stopped", "user_id", ev.UserID)
		return nil
	}

	// Gate 2: admin takeover. The bot never speaks over a human admin.
	*stage = "takeover"
	if r.takeover.IsActive(ctx, ev.UserID) {
		slog.Debug("Router dropping event, admin takeover active", "user_id", ev.UserID)
		return nil
	}

	// Resolve user, session, state. The user record is created lazily on
	// first contact so flows can rely on one existing.
	*stage = "analyze_context"
	rctx, err := r.resolver.AnalyzeContext(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if rctx.User == nil {
		rctx.User = &models.User{ID: ev.UserID, Status: models.UserStatusNew, CreatedAt: r.now()}
		if err := r.store.UpsertUser(*rctx.User); err != nil {
			return fmt.Errorf("failed to create user %s on first contact: %w", ev.UserID, err)
		}
		slog.Info("Router created user on first contact", "user_id", ev.UserID)
	}

	// Gate 3: mode-transition postbacks bypass all flow routing; they change
	// the mode rather than operate within it.
	if ev.IsPostback && state.IsModePostback(ev.Postback) {
		*stage = "mode_postback"
		return r.handleModePostback(ctx, rctx, ev.Postback)
	}

	// Gate 4: an active session short-circuits straight to its flow; a user
	// mid-flow must be able to type freely, including text that would look
	// like spam.
	if rctx.InFlow {
		*stage = "session_flow"
		handled, err := r.dispatchToFlow(ctx, rctx.User, ev, rctx.Session)
		if err != nil {
			return err
		}
		if handled {
			r.resolver.RecordInteraction(ctx, rctx.State)
			return nil
		}
		// Session names a flow that no longer exists; clear it and fall
		// through to mode routing.
		slog.Error("Router clearing session for unknown flow", "user_id", ev.UserID, "flow", rctx.Session.Flow)
		if err := r.store.DeleteSession(ev.UserID); err != nil {
			return fmt.Errorf("failed to clear stale session for %s: %w", ev.UserID, err)
		}
		rctx.Session = nil
		rctx.InFlow = false
	}

	// No session, no special postback: route by mode.
	*stage = "mode_routing"
	return r.routeByMode(ctx, rctx, ev, stage)
}

func (r *Router) routeByMode(ctx context.Context, rctx *state.Context, ev models.Event, stage *string) error {
	switch rctx.State.Mode {
	case models.ModeChattingAdmin:
		// Admin owns the channel until BACK_TO_MAIN.
		slog.Debug("Router dropping event, user chatting with admin", "user_id", ev.UserID)
		return nil

	case models.ModeUsingBot:
		*stage = "spam_gate"
		verdict := r.checkSpam(ctx, ev)
		if verdict.Blocked {
			slog.Info("Router blocked event",
				"user_id", ev.UserID, "reason", verdict.Reason)
			if verdict.Notice != "" {
				return r.msg.SendText(ctx, ev.UserID, verdict.Notice)
			}
			return nil
		}
		*stage = "bot_handlers"
		return r.handleUsingBot(ctx, rctx, ev)

	case models.ModeChoosing:
		*stage = "choosing"
		return r.handleChoosing(ctx, rctx, ev)

	default:
		// new_user, or an unknown mode from an older record: welcome branch.
		*stage = "welcome"
		return r.sendWelcome(ctx, rctx)
	}
}

// handleModePostback applies a mode-changing postback and sends the entry
// message for the resulting mode.
func (r *Router) handleModePostback(ctx context.Context, rctx *state.Context, postback string) error {
	mode, changed, err := r.resolver.Transition(ctx, rctx.State.UserID, postback)
	if err != nil {
		return err
	}
	if !changed {
		slog.Debug("Router ignoring repeated mode postback", "user_id", rctx.State.UserID, "postback", postback)
		return nil
	}
	switch postback {
	case models.PostbackUseBot:
		return r.msg.SendQuickReplies(ctx, rctx.State.UserID, msgBotActivated, botMenu())
	case models.PostbackChatAdmin:
		if err := r.takeover.MarkWaiting(ctx, rctx.State.UserID); err != nil {
			slog.Error("Router failed to mark user waiting for admin", "error", err, "user_id", rctx.State.UserID)
		}
		return r.msg.SendText(ctx, rctx.State.UserID, msgAdminComing)
	case models.PostbackStopBot:
		return r.msg.SendQuickReplies(ctx, rctx.State.UserID, msgBotStopped, mainMenu())
	case models.PostbackBackToMain:
		return r.sendWelcome(ctx, rctx)
	}
	slog.Error("Router unhandled mode postback", "postback", postback, "mode", mode)
	return nil
}

// handleUsingBot serves a user in using_bot mode: fixed keyword handlers
// first, then flow trigger matching, then the per-type default.
func (r *Router) handleUsingBot(ctx context.Context, rctx *state.Context, ev models.Event) error {
	defer r.resolver.RecordInteraction(ctx, rctx.State)

	if !ev.IsPostback {
		if reply, ok := r.matchUtilityKeyword(ev.Text); ok {
			if replies := reply.menu; replies != nil {
				return r.msg.SendQuickReplies(ctx, ev.UserID, reply.text, replies)
			}
			return r.msg.SendText(ctx, ev.UserID, reply.text)
		}
	}

	handled, err := r.dispatchToFlow(ctx, rctx.User, ev, nil)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	if ev.IsPostback {
		slog.Debug("Router unmatched postback", "user_id", ev.UserID, "postback", ev.Postback)
		return r.msg.SendText(ctx, ev.UserID, msgUnknownCommand)
	}
	return r.msg.SendText(ctx, ev.UserID, defaultMessageFor(rctx.UserType))
}

// handleChoosing serves a user at the main menu: postbacks may start flows,
// free text gets the per-type default.
func (r *Router) handleChoosing(ctx context.Context, rctx *state.Context, ev models.Event) error {
	defer r.resolver.RecordInteraction(ctx, rctx.State)

	if ev.IsPostback {
		handled, err := r.dispatchToFlow(ctx, rctx.User, ev, nil)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
		return r.msg.SendQuickReplies(ctx, ev.UserID, msgUnknownCommand, mainMenu())
	}
	return r.msg.SendQuickReplies(ctx, ev.UserID, defaultMessageFor(rctx.UserType), mainMenu())
}

// sendWelcome shows the full welcome plus menu, or only the short returning
// notice inside the 24-hour cooldown. The resolver is the sole authority for
// that decision.
func (r *Router) sendWelcome(ctx context.Context, rctx *state.Context) error {
	if !r.resolver.ShouldSendFullWelcome(rctx.State) {
		slog.Debug("Router sending returning-user notice", "user_id", rctx.State.UserID)
		return r.msg.SendText(ctx, rctx.State.UserID, msgReturningUser)
	}
	if err := r.msg.SendText(ctx, rctx.State.UserID, msgWelcome); err != nil {
		return err
	}
	if err := r.msg.SendQuickReplies(ctx, rctx.State.UserID, msgWelcomePrompt, mainMenu()); err != nil {
		return err
	}
	return r.resolver.MarkWelcomeSent(ctx, rctx.State)
}

// dispatchToFlow routes one event into the flow registry. With a session the
// session's flow wins; without one the registry trigger-matches in
// registration order.
func (r *Router) dispatchToFlow(ctx context.Context, user *models.User, ev models.Event, sess *models.Session) (bool, error) {
	if ev.IsPostback {
		return r.flows.HandlePostback(ctx, user, ev.Postback, sess)
	}
	return r.flows.HandleMessage(ctx, user, ev.Text, sess)
}

func (r *Router) checkSpam(ctx context.Context, ev models.Event) antispam.Verdict {
	if ev.IsPostback {
		return r.spam.CheckPostback(ctx, ev.UserID, ev.Postback)
	}
	return r.spam.CheckMessage(ctx, ev.UserID, ev.Text)
}

// utilityReply is a fixed-keyword response, optionally with a menu.
type utilityReply struct {
	text string
	menu []models.QuickReply
}

// matchUtilityKeyword serves the fixed utility keywords available while
// using the bot, checked before flow trigger matching.
func (r *Router) matchUtilityKeyword(text string) (utilityReply, bool) {
	lowered := strings.ToLower(strings.TrimSpace(text))
	switch {
	case lowered == "menu" || strings.Contains(lowered, "trợ giúp") || lowered == "help":
		return utilityReply{text: msgBotActivated, menu: botMenu()}, true
	case strings.Contains(lowered, "liên hệ") || strings.Contains(lowered, "lien he") || strings.Contains(lowered, "hotline"):
		return utilityReply{text: msgContactInfo}, true
	case strings.Contains(lowered, "quy định") || strings.Contains(lowered, "quy dinh") || lowered == "rules":
		return utilityReply{text: msgCommunityRules}, true
	}
	return utilityReply{}, false
}

// fail is the top-level catch: one structured log entry, an admin report for
// serious severities, and one generic apology to the user.
func (r *Router) fail(ctx context.Context, ev models.Event, stage string, start time.Time, err error) {
	errorID := util.GenerateErrorID()
	slog.Error("Router event handling failed",
		"error_id", errorID,
		"user_id", ev.UserID,
		"text", ev.Text,
		"postback", ev.Postback,
		"stage", stage,
		"duration", r.now().Sub(start),
		"error", err)

	severity := alerts.Classify(err.Error())
	if severity.Notifiable() {
		report := alerts.Report{ID: errorID, Severity: severity, UserID: ev.UserID, Stage: stage, Message: err.Error()}
		if rerr := r.reporter.Report(ctx, report); rerr != nil {
			slog.Error("Router failed to push admin alert", "error", rerr)
		}
	}

	if serr := r.msg.SendText(ctx, ev.UserID, msgGenericError); serr != nil {
		slog.Error("Router failed to send apology", "error", serr, "user_id", ev.UserID)
	}
}
