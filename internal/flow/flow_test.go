package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.InMemoryStore, *messenger.MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := messenger.NewMockService()
	deps := Deps{Store: st, Msg: msg}

	reg := NewRegistry()
	reg.Register(NewRegistrationFlow(deps))
	reg.Register(NewListingFlow(deps))
	reg.Register(NewSearchFlow(deps))
	reg.Register(NewCommunityFlow(deps))
	return reg, st, msg
}

func registeredUser(id string) *models.User {
	return &models.User{ID: id, Status: models.UserStatusRegistered}
}

func lastSent(t *testing.T, msg *messenger.MockService, to string) messenger.SentMessage {
	t.Helper()
	sent := msg.SentTo(to)
	if len(sent) == 0 {
		t.Fatalf("no messages sent to %s", to)
	}
	return sent[len(sent)-1]
}

func TestMatchTextIsDeterministic(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	user := &models.User{ID: "u1", Status: models.UserStatusNew}

	tests := []struct {
		text string
		want string
	}{
		{"tôi muốn đăng ký", "registration"},
		{"dang ky thanh vien", "registration"},
		{"đăng tin bán xe", ""}, // new users cannot list
		{"tim kiem iphone", "search"},
		{"mua xe may cu", "search"},
		{"cộng đồng có gì mới", "community"},
		{"xin chào", ""},
	}
	for _, tt := range tests {
		got := reg.MatchText(user, tt.text)
		name := ""
		if got != nil {
			name = got.Name()
		}
		if name != tt.want {
			t.Errorf("MatchText(%q) = %q, want %q", tt.text, name, tt.want)
		}
	}
}

func TestMatchPostbackRespectsMembership(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	newUser := &models.User{ID: "u1", Status: models.UserStatusNew}
	if f := reg.MatchPostback(newUser, PostbackListingStart); f != nil {
		t.Errorf("new user matched listing flow %q", f.Name())
	}
	member := registeredUser("u2")
	if f := reg.MatchPostback(member, PostbackListingStart); f == nil || f.Name() != "listing" {
		t.Errorf("member did not match listing flow: %v", f)
	}
	if f := reg.MatchPostback(member, PostbackSearchStart); f == nil || f.Name() != "search" {
		t.Errorf("member did not match search flow: %v", f)
	}
	// Registered members are past registration.
	if f := reg.MatchPostback(member, PostbackRegisterStart); f != nil {
		t.Errorf("registered member matched registration flow %q", f.Name())
	}
}

func TestSessionFlowWinsOverTriggers(t *testing.T) {
	reg, st, msg := newTestRegistry(t)
	user := registeredUser("u1")

	sess := &models.Session{UserID: "u1", Flow: "search", Step: searchStepKeyword}
	if err := st.UpsertSession(*sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	// "đăng ký" is a registration trigger, but the active search session
	// must consume it as the keyword.
	handled, err := reg.HandleMessage(context.Background(), user, "đăng ký", sess)
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !handled {
		t.Fatal("active session flow did not claim the message")
	}
	reply := lastSent(t, msg, "u1")
	if !strings.Contains(reply.Text, "Không tìm thấy") {
		t.Errorf("reply = %q, want empty search result", reply.Text)
	}
}

func TestUnknownSessionFlowFallsThrough(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	user := registeredUser("u1")
	sess := &models.Session{UserID: "u1", Flow: "retired_flow", Step: 1}

	handled, err := reg.HandleMessage(context.Background(), user, "alo", sess)
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if handled {
		t.Error("unknown session flow should not claim the message")
	}
}

func TestRegistrationWizardHappyPath(t *testing.T) {
	reg, st, msg := newTestRegistry(t)
	ctx := context.Background()
	user := &models.User{ID: "u1", Status: models.UserStatusNew}
	if err := st.UpsertUser(*user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	// Start via postback.
	handled, err := reg.HandlePostback(ctx, user, PostbackRegisterStart, nil)
	if err != nil || !handled {
		t.Fatalf("start: handled=%v err=%v", handled, err)
	}
	sess, _ := st.GetSession("u1")
	if sess == nil || sess.Flow != "registration" || sess.Step != regStepName {
		t.Fatalf("session after start = %+v", sess)
	}

	// Name step.
	if _, err := reg.HandleMessage(ctx, user, "Nguyễn Văn An", sess); err != nil {
		t.Fatalf("name step failed: %v", err)
	}
	sess, _ = st.GetSession("u1")
	if sess.Step != regStepPhone || sess.DataValue("name") != "Nguyễn Văn An" {
		t.Fatalf("session after name = %+v", sess)
	}

	// Invalid phone is re-asked without advancing.
	if _, err := reg.HandleMessage(ctx, user, "abc", sess); err != nil {
		t.Fatalf("invalid phone step failed: %v", err)
	}
	sess, _ = st.GetSession("u1")
	if sess.Step != regStepPhone {
		t.Fatalf("invalid phone advanced the wizard: %+v", sess)
	}

	// Valid phone moves to confirmation with quick replies.
	if _, err := reg.HandleMessage(ctx, user, "0901234567", sess); err != nil {
		t.Fatalf("phone step failed: %v", err)
	}
	sess, _ = st.GetSession("u1")
	if sess.Step != regStepConfirm {
		t.Fatalf("session after phone = %+v", sess)
	}
	confirm := lastSent(t, msg, "u1")
	if confirm.Kind != "quick_replies" || len(confirm.QuickReplies) != 2 {
		t.Fatalf("confirmation message = %+v, want two quick replies", confirm)
	}

	// Confirm completes: pending profile, session cleared.
	if _, err := reg.HandlePostback(ctx, user, PostbackRegisterConfirm, sess); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	saved, _ := st.GetUser("u1")
	if saved.Status != models.UserStatusPending {
		t.Errorf("user status = %v, want pending", saved.Status)
	}
	if saved.Name != "Nguyễn Văn An" || saved.Phone != "0901234567" {
		t.Errorf("profile = %q / %q, want collected name and phone", saved.Name, saved.Phone)
	}
	if sess, _ := st.GetSession("u1"); sess != nil {
		t.Errorf("session survived completion: %+v", sess)
	}
}

func TestRegistrationCancelWord(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()
	user := &models.User{ID: "u1", Status: models.UserStatusNew}

	if _, err := reg.HandlePostback(ctx, user, PostbackRegisterStart, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sess, _ := st.GetSession("u1")
	if _, err := reg.HandleMessage(ctx, user, "hủy", sess); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if sess, _ := st.GetSession("u1"); sess != nil {
		t.Errorf("session survived cancel: %+v", sess)
	}
}

func TestSearchMidFlowReturnsMatchesAndEndsSession(t *testing.T) {
	reg, st, msg := newTestRegistry(t)
	ctx := context.Background()
	user := registeredUser("u1")

	if err := st.CreateListing(models.Listing{ID: "l1", UserID: "u2", Title: "iPhone 13 cũ 90%", Price: "8 triệu", Active: true}); err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}
	sess := &models.Session{UserID: "u1", Flow: "search", Step: searchStepKeyword}
	if err := st.UpsertSession(*sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	handled, err := reg.HandleMessage(ctx, user, "iPhone 13", sess)
	if err != nil || !handled {
		t.Fatalf("search: handled=%v err=%v", handled, err)
	}
	reply := lastSent(t, msg, "u1")
	if !strings.Contains(reply.Text, "iPhone 13 cũ 90%") || !strings.Contains(reply.Text, "8 triệu") {
		t.Errorf("reply = %q, want listing title and price", reply.Text)
	}
	if sess, _ := st.GetSession("u1"); sess != nil {
		t.Errorf("search session survived the query: %+v", sess)
	}
}

func TestListingWizardPublishes(t *testing.T) {
	reg, st, msg := newTestRegistry(t)
	ctx := context.Background()
	user := registeredUser("u1")

	if _, err := reg.HandlePostback(ctx, user, PostbackListingStart, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sess, _ := st.GetSession("u1")
	if _, err := reg.HandleMessage(ctx, user, "Xe máy Honda Wave", sess); err != nil {
		t.Fatalf("title step failed: %v", err)
	}
	sess, _ = st.GetSession("u1")
	if _, err := reg.HandleMessage(ctx, user, "12 triệu", sess); err != nil {
		t.Fatalf("price step failed: %v", err)
	}
	sess, _ = st.GetSession("u1")

	// Skip the description with the quick-reply button.
	if _, err := reg.HandlePostback(ctx, user, PostbackListingSkipDesc, sess); err != nil {
		t.Fatalf("skip description failed: %v", err)
	}

	got, err := st.SearchListings("honda", 10)
	if err != nil {
		t.Fatalf("SearchListings failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("published %d listings, want 1", len(got))
	}
	if got[0].Title != "Xe máy Honda Wave" || got[0].Price != "12 triệu" || !got[0].Active {
		t.Errorf("listing = %+v", got[0])
	}
	if got[0].UserID != "u1" || got[0].ID == "" {
		t.Errorf("listing ownership/id = %+v", got[0])
	}
	if sess, _ := st.GetSession("u1"); sess != nil {
		t.Errorf("session survived publish: %+v", sess)
	}
	done := lastSent(t, msg, "u1")
	if !strings.Contains(done.Text, "đã được đăng") {
		t.Errorf("confirmation = %q", done.Text)
	}
}

func TestCommunityMenuAndAnnouncements(t *testing.T) {
	reg, _, msg := newTestRegistry(t)
	ctx := context.Background()
	user := &models.User{ID: "u1", Status: models.UserStatusNew}

	handled, err := reg.HandlePostback(ctx, user, PostbackCommunityMenu, nil)
	if err != nil || !handled {
		t.Fatalf("menu: handled=%v err=%v", handled, err)
	}
	menu := lastSent(t, msg, "u1")
	if menu.Kind != "quick_replies" || len(menu.QuickReplies) != 2 {
		t.Fatalf("menu = %+v, want two quick replies", menu)
	}

	if _, err := reg.HandlePostback(ctx, user, PostbackCommunityNews, nil); err != nil {
		t.Fatalf("news failed: %v", err)
	}
	news := lastSent(t, msg, "u1")
	if !strings.Contains(news.Text, "Thông báo") {
		t.Errorf("news reply = %q", news.Text)
	}
}

func TestPhoneValidation(t *testing.T) {
	tests := []struct {
		phone string
		want  bool
	}{
		{"0901234567", true},
		{"+84901234567", true},
		{"123456789", true},
		{"12345678", false},
		{"090123456789", false},
		{"09012a4567", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isValidPhone(tt.phone); got != tt.want {
			t.Errorf("isValidPhone(%q) = %v, want %v", tt.phone, got, tt.want)
		}
	}
}
