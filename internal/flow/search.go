package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandaumarket/marketbot/internal/models"
)

// searchResultLimit caps how many listings a search reply shows.
const searchResultLimit = 5

// searchStepKeyword is the single wizard step: waiting for a keyword.
const searchStepKeyword = 1

// PostbackSearchStart opens the search wizard from a menu button.
const PostbackSearchStart = "SEARCH_START"

// SearchFlow lets any member search active listings by keyword.
type SearchFlow struct {
	deps Deps
}

// NewSearchFlow creates the search flow.
func NewSearchFlow(deps Deps) *SearchFlow {
	return &SearchFlow{deps: deps}
}

func (f *SearchFlow) Name() string { return "search" }

func (f *SearchFlow) TextTriggers() []string {
	return []string{"tìm kiếm", "tim kiem", "search", "mua"}
}

func (f *SearchFlow) PostbackTriggers() []string {
	return []string{"SEARCH"}
}

// CanHandle accepts everyone; browsing is open to the whole community.
func (f *SearchFlow) CanHandle(user *models.User, sess *models.Session) bool {
	return sess == nil || sess.Flow == f.Name()
}

func (f *SearchFlow) HandleMessage(ctx context.Context, user *models.User, text string, sess *models.Session) error {
	if sess == nil {
		return f.start(ctx, user)
	}
	if isCancel(text) {
		if err := f.deps.Store.DeleteSession(user.ID); err != nil {
			return fmt.Errorf("search: failed to cancel session: %w", err)
		}
		return f.deps.Msg.SendText(ctx, user.ID, "Đã thoát tìm kiếm.")
	}
	return f.runSearch(ctx, user, strings.TrimSpace(text))
}

func (f *SearchFlow) HandlePostback(ctx context.Context, user *models.User, payload string, sess *models.Session) error {
	return f.start(ctx, user)
}

func (f *SearchFlow) start(ctx context.Context, user *models.User) error {
	sess := models.Session{UserID: user.ID, Flow: f.Name(), Step: searchStepKeyword}
	if err := f.deps.Store.UpsertSession(sess); err != nil {
		return fmt.Errorf("search: failed to start session: %w", err)
	}
	slog.Debug("SearchFlow started", "userID", user.ID)
	return f.deps.Msg.SendText(ctx, user.ID, "🔍 Bạn muốn tìm gì? Nhập từ khóa:")
}

func (f *SearchFlow) runSearch(ctx context.Context, user *models.User, keyword string) error {
	if keyword == "" {
		return f.deps.Msg.SendText(ctx, user.ID, "Vui lòng nhập từ khóa tìm kiếm:")
	}
	listings, err := f.deps.Store.SearchListings(keyword, searchResultLimit)
	if err != nil {
		return fmt.Errorf("search: query failed for %q: %w", keyword, err)
	}
	if err := f.deps.Store.DeleteSession(user.ID); err != nil {
		return fmt.Errorf("search: failed to clear session: %w", err)
	}
	if len(listings) == 0 {
		slog.Debug("SearchFlow no results", "userID", user.ID, "keyword", keyword)
		return f.deps.Msg.SendText(ctx, user.ID,
			fmt.Sprintf("Không tìm thấy tin nào cho \"%s\". Thử từ khóa khác nhé!", keyword))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Kết quả cho \"%s\":\n", keyword)
	for i, l := range listings {
		fmt.Fprintf(&b, "%d. %s", i+1, l.Title)
		if l.Price != "" {
			fmt.Fprintf(&b, " — %s", l.Price)
		}
		b.WriteString("\n")
	}
	slog.Info("SearchFlow results sent", "userID", user.ID, "keyword", keyword, "count", len(listings))
	return f.deps.Msg.SendText(ctx, user.ID, b.String())
}
