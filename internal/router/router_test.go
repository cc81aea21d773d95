package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tandaumarket/marketbot/internal/alerts"
	"github.com/tandaumarket/marketbot/internal/antispam"
	"github.com/tandaumarket/marketbot/internal/flow"
	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/state"
	"github.com/tandaumarket/marketbot/internal/store"
	"github.com/tandaumarket/marketbot/internal/takeover"
)

type routerFixture struct {
	router   *Router
	store    *store.InMemoryStore
	msg      *messenger.MockService
	resolver *state.Resolver
	gate     *takeover.Gate
	spam     *antispam.RateLimitPolicy
	reporter *alerts.MockReporter
	now      *time.Time
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := messenger.NewMockService()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	resolver := state.NewResolverWithClock(st, clock)
	gate := takeover.NewGate(st)
	spam := antispam.NewRateLimitPolicy(st, antispam.RateLimitConfig{})
	spam.SetClock(clock)
	reporter := alerts.NewMockReporter()

	reg := flow.NewRegistry()
	deps := flow.Deps{Store: st, Msg: msg}
	reg.Register(flow.NewRegistrationFlow(deps))
	reg.Register(flow.NewListingFlow(deps))
	reg.Register(flow.NewSearchFlow(deps))
	reg.Register(flow.NewCommunityFlow(deps))

	r := New(Deps{
		Store:    st,
		Msg:      msg,
		Resolver: resolver,
		Takeover: gate,
		Spam:     spam,
		Flows:    reg,
		Reporter: reporter,
	})
	r.SetClock(clock)

	f := &routerFixture{router: r, store: st, msg: msg, resolver: resolver,
		gate: gate, spam: spam, reporter: reporter, now: &now}
	return f
}

func (f *routerFixture) seedState(t *testing.T, userID string, mode models.Mode) {
	t.Helper()
	st := models.InteractionState{
		UserID:      userID,
		Mode:        mode,
		BotActive:   mode == models.ModeUsingBot,
		WelcomeSent: true,
	}
	welcomed := f.now.Add(-time.Hour)
	st.LastWelcomeAt = &welcomed
	if err := f.store.UpsertInteractionState(st); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}
}

func (f *routerFixture) seedUser(t *testing.T, userID string, status models.UserStatus) {
	t.Helper()
	if err := f.store.UpsertUser(models.User{ID: userID, Status: status}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func textEvent(userID, text string) models.Event {
	return models.Event{UserID: userID, Text: text}
}

func postbackEvent(userID, payload string) models.Event {
	return models.Event{UserID: userID, Postback: payload, IsPostback: true}
}

func TestBotStoppedIsTotalSilence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.SetBotStatus(models.BotStatusStopped); err != nil {
		t.Fatalf("SetBotStatus failed: %v", err)
	}

	f.router.Dispatch(ctx, textEvent("u1", "xin chào"))
	f.router.Dispatch(ctx, postbackEvent("u1", models.PostbackUseBot))

	if n := f.msg.MessageCount(); n != 0 {
		t.Errorf("%d messages sent while stopped, want 0", n)
	}
	// Nothing was created or mutated for the user.
	if u, _ := f.store.GetUser("u1"); u != nil {
		t.Errorf("user record created while stopped: %+v", u)
	}
	if is, _ := f.store.GetInteractionState("u1"); is != nil {
		t.Errorf("interaction state created while stopped: %+v", is)
	}
}

func TestTakeoverSilencesBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusActive)
	f.seedState(t, "u1", models.ModeUsingBot)
	if err := f.gate.Start(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("failed to start takeover: %v", err)
	}

	f.router.Dispatch(ctx, textEvent("u1", "menu"))
	if n := f.msg.MessageCount(); n != 0 {
		t.Errorf("%d messages sent during takeover, want 0", n)
	}

	// Other users are unaffected.
	f.seedUser(t, "u2", models.UserStatusActive)
	f.seedState(t, "u2", models.ModeUsingBot)
	f.router.Dispatch(ctx, textEvent("u2", "menu"))
	if len(f.msg.SentTo("u2")) == 0 {
		t.Error("takeover for u1 silenced u2")
	}
}

func TestNewUserGetsFullWelcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Dispatch(ctx, textEvent("u1", "xin chào"))

	sent := f.msg.SentTo("u1")
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want welcome + menu", len(sent))
	}
	if sent[0].Text != msgWelcome {
		t.Errorf("first message = %q, want the full welcome", sent[0].Text)
	}
	if sent[1].Kind != "quick_replies" || len(sent[1].QuickReplies) != 3 {
		t.Errorf("second message = %+v, want the three-option main menu", sent[1])
	}

	// First contact created the user and moved them to choosing mode with
	// the welcome recorded.
	u, _ := f.store.GetUser("u1")
	if u == nil || u.Status != models.UserStatusNew {
		t.Fatalf("user after first contact = %+v", u)
	}
	is, _ := f.store.GetInteractionState("u1")
	if is.Mode != models.ModeChoosing || !is.WelcomeSent {
		t.Errorf("state after welcome = %+v", is)
	}
}

func TestReturningUserWithinCooldownGetsShortNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	welcomed := f.now.Add(-2 * time.Hour)
	if err := f.store.UpsertInteractionState(models.InteractionState{
		UserID: "u1", Mode: models.ModeNewUser, WelcomeSent: true, LastWelcomeAt: &welcomed,
	}); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}

	f.router.Dispatch(ctx, textEvent("u1", "alo"))

	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Text != msgReturningUser {
		t.Errorf("sent = %+v, want only the returning notice", sent)
	}
}

func TestWelcomeRepeatsAfterCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	welcomed := f.now.Add(-25 * time.Hour)
	if err := f.store.UpsertInteractionState(models.InteractionState{
		UserID: "u1", Mode: models.ModeNewUser, WelcomeSent: true, LastWelcomeAt: &welcomed,
	}); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}

	f.router.Dispatch(ctx, textEvent("u1", "alo"))

	sent := f.msg.SentTo("u1")
	if len(sent) != 2 || sent[0].Text != msgWelcome {
		t.Errorf("sent = %+v, want the full welcome again", sent)
	}
}

func TestModePostbackUseBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeChoosing)

	f.router.Dispatch(ctx, postbackEvent("u1", models.PostbackUseBot))

	is, _ := f.store.GetInteractionState("u1")
	if is.Mode != models.ModeUsingBot || !is.BotActive {
		t.Errorf("state = %+v, want using_bot with bot active", is)
	}
	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Kind != "quick_replies" {
		t.Fatalf("sent = %+v, want the bot menu", sent)
	}
	if sent[0].Text != msgBotActivated {
		t.Errorf("activation text = %q", sent[0].Text)
	}
}

func TestModePostbackChatAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeChoosing)

	f.router.Dispatch(ctx, postbackEvent("u1", models.PostbackChatAdmin))

	is, _ := f.store.GetInteractionState("u1")
	if is.Mode != models.ModeChattingAdmin || is.BotActive {
		t.Errorf("state = %+v, want chatting_admin", is)
	}
	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Text != msgAdminComing {
		t.Errorf("sent = %+v, want the admin-coming notice", sent)
	}
	tk, _ := f.store.GetTakeover("u1")
	if tk == nil {
		t.Error("waiting-for-admin record was not created")
	}

	// Everything the user says after that is dropped until an admin or
	// BACK_TO_MAIN releases them.
	f.msg.Reset()
	f.router.Dispatch(ctx, textEvent("u1", "admin oi"))
	if n := f.msg.MessageCount(); n != 0 {
		t.Errorf("%d messages sent while chatting with admin, want 0", n)
	}
}

func TestRepeatedModePostbackIsSilentNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)

	f.router.Dispatch(ctx, postbackEvent("u1", models.PostbackUseBot))
	if n := f.msg.MessageCount(); n != 0 {
		t.Errorf("%d messages for repeated USE_BOT, want 0", n)
	}
	is, _ := f.store.GetInteractionState("u1")
	if is.ModeChanges != 0 {
		t.Errorf("ModeChanges = %d after no-op, want 0", is.ModeChanges)
	}
}

func TestBackToMainFromChattingAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeChattingAdmin)

	f.router.Dispatch(ctx, postbackEvent("u1", models.PostbackBackToMain))

	is, _ := f.store.GetInteractionState("u1")
	if is.Mode != models.ModeChoosing {
		t.Errorf("mode = %v, want choosing", is.Mode)
	}
	// Welcome was seeded an hour ago, so the short notice goes out.
	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Text != msgReturningUser {
		t.Errorf("sent = %+v, want the returning notice", sent)
	}
}

func TestActiveSessionBypassesSpamGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)
	if err := f.store.UpsertSession(models.Session{UserID: "u1", Flow: "search", Step: 1}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	// Identical text repeated past every spam threshold: flow input is
	// never penalized.
	for i := 0; i < 5; i++ {
		f.router.Dispatch(ctx, textEvent("u1", "iPhone 13"))
		sent := f.msg.SentTo("u1")
		if len(sent) == 0 || !strings.Contains(sent[len(sent)-1].Text, "iPhone 13") {
			t.Fatalf("iteration %d: flow did not answer: %v", i+1, sent)
		}
		// Each query ends the session; reopen for the next round.
		if err := f.store.UpsertSession(models.Session{UserID: "u1", Flow: "search", Step: 1}); err != nil {
			t.Fatalf("failed to reseed session: %v", err)
		}
	}
}

func TestStaleSessionIsClearedAndRoutingContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)
	if err := f.store.UpsertSession(models.Session{UserID: "u1", Flow: "retired_flow", Step: 3}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	f.router.Dispatch(ctx, textEvent("u1", "menu"))

	if sess, _ := f.store.GetSession("u1"); sess != nil {
		t.Errorf("stale session survived: %+v", sess)
	}
	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Text != msgBotActivated {
		t.Errorf("sent = %+v, want the bot menu from the fallthrough route", sent)
	}
}

func TestUsingBotUtilityKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"menu", "menu", msgBotActivated},
		{"help in Vietnamese", "cho mình trợ giúp với", msgBotActivated},
		{"contact", "cho xin hotline", msgContactInfo},
		{"rules", "quy định chợ là gì", msgCommunityRules},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedUser(t, "u1", models.UserStatusRegistered)
			f.seedState(t, "u1", models.ModeUsingBot)

			f.router.Dispatch(context.Background(), textEvent("u1", tt.text))

			sent := f.msg.SentTo("u1")
			if len(sent) != 1 || sent[0].Text != tt.want {
				t.Errorf("sent = %+v, want %q", sent, tt.want)
			}
		})
	}
}

func TestUsingBotPostbackStartsFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)

	f.router.Dispatch(ctx, postbackEvent("u1", flow.PostbackSearchStart))

	sess, _ := f.store.GetSession("u1")
	if sess == nil || sess.Flow != "search" {
		t.Errorf("session = %+v, want an open search flow", sess)
	}
}

func TestUsingBotUnknownPostback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)

	f.router.Dispatch(ctx, postbackEvent("u1", "LEGACY_BUTTON"))

	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Text != msgUnknownCommand {
		t.Errorf("sent = %+v, want the unknown-command reply", sent)
	}
}

func TestUsingBotDefaultReplyByUserType(t *testing.T) {
	tests := []struct {
		status models.UserStatus
		want   string
	}{
		{models.UserStatusNew, msgDefaultNewUser},
		{models.UserStatusPending, msgDefaultPending},
		{models.UserStatusRegistered, msgDefaultRegistered},
		{models.UserStatusExpired, msgDefaultExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t)
			f.seedUser(t, "u1", tt.status)
			f.seedState(t, "u1", models.ModeUsingBot)

			f.router.Dispatch(context.Background(), textEvent("u1", "hmm"))

			sent := f.msg.SentTo("u1")
			if len(sent) != 1 || sent[0].Text != tt.want {
				t.Errorf("sent = %+v, want %q", sent, tt.want)
			}
		})
	}
}

func TestChoosingModeFreeTextShowsMainMenu(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeChoosing)

	f.router.Dispatch(ctx, textEvent("u1", "alo"))

	sent := f.msg.SentTo("u1")
	if len(sent) != 1 || sent[0].Kind != "quick_replies" || len(sent[0].QuickReplies) != 3 {
		t.Errorf("sent = %+v, want the main menu", sent)
	}
}

func TestSpamBlockSendsNoticeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusNew)
	f.seedState(t, "u1", models.ModeUsingBot)

	// Three identical messages trip the identical-streak block. The first
	// two get the new-user default; the third gets the block notice; the
	// fourth is silently dropped (the active block carries no notice).
	for i := 0; i < 4; i++ {
		f.router.Dispatch(ctx, textEvent("u1", "ban xe khong"))
	}

	sent := f.msg.SentTo("u1")
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3 (two defaults + one notice)", len(sent))
	}
	if !strings.Contains(sent[2].Text, "cùng một tin nhắn") {
		t.Errorf("third reply = %q, want the identical-streak notice", sent[2].Text)
	}
}

func TestDispatchErrorSendsApologyAndReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)
	if err := f.store.UpsertSession(models.Session{UserID: "u1", Flow: "search", Step: 1}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	// The flow's send fails with a connection error; Dispatch must swallow
	// it, classify, and push one admin report.
	f.msg.SendErr = errFake("connection refused by graph api")
	f.router.Dispatch(ctx, textEvent("u1", "iPhone"))

	if f.reporter.Count() != 1 {
		t.Fatalf("reports = %d, want 1", f.reporter.Count())
	}
	report := f.reporter.Reports[0]
	if report.Severity != alerts.SeverityHigh {
		t.Errorf("severity = %v, want high", report.Severity)
	}
	if report.UserID != "u1" || report.Stage != "session_flow" {
		t.Errorf("report = %+v", report)
	}
	if report.ID == "" {
		t.Error("report is missing the error id")
	}
}

func TestDispatchRecoversFromPanicInFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "u1", models.UserStatusRegistered)
	f.seedState(t, "u1", models.ModeUsingBot)
	// A nil takeover gate panics inside dispatch; the top-level recovery
	// must contain it.
	broken := New(Deps{
		Store:    f.store,
		Msg:      f.msg,
		Resolver: f.resolver,
		Takeover: nil, // IsActive on nil gate panics
		Spam:     f.spam,
		Flows:    flow.NewRegistry(),
		Reporter: f.reporter,
	})

	// Must not panic out of Dispatch.
	broken.Dispatch(ctx, textEvent("u1", "alo"))

	if f.reporter.Count() == 0 {
		t.Error("panic was not reported")
	}
	sent := f.msg.SentTo("u1")
	if len(sent) == 0 || sent[len(sent)-1].Text != msgGenericError {
		t.Errorf("sent = %+v, want the generic apology", sent)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
