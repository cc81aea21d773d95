package flow

import (
	"context"
	"log/slog"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Community postback payloads.
const (
	PostbackCommunityMenu    = "COMMUNITY_MENU"
	PostbackCommunityNews    = "COMMUNITY_NEWS"
	PostbackCommunitySupport = "COMMUNITY_SUPPORT"
)

// CommunityFlow serves the community menu: announcements and support
// contacts. It is stateless and never opens a session.
type CommunityFlow struct {
	deps Deps
}

// NewCommunityFlow creates the community flow.
func NewCommunityFlow(deps Deps) *CommunityFlow {
	return &CommunityFlow{deps: deps}
}

func (f *CommunityFlow) Name() string { return "community" }

func (f *CommunityFlow) TextTriggers() []string {
	return []string{"cộng đồng", "cong dong", "community"}
}

func (f *CommunityFlow) PostbackTriggers() []string {
	return []string{"COMMUNITY"}
}

func (f *CommunityFlow) CanHandle(user *models.User, sess *models.Session) bool {
	return sess == nil || sess.Flow == f.Name()
}

func (f *CommunityFlow) HandleMessage(ctx context.Context, user *models.User, text string, sess *models.Session) error {
	return f.menu(ctx, user.ID)
}

func (f *CommunityFlow) HandlePostback(ctx context.Context, user *models.User, payload string, sess *models.Session) error {
	switch payload {
	case PostbackCommunityNews:
		slog.Debug("CommunityFlow announcements requested", "userID", user.ID)
		return f.deps.Msg.SendText(ctx, user.ID,
			"📢 Thông báo cộng đồng Tân Dậu:\n• Chợ phiên cuối tuần diễn ra như thường lệ.\n• Vui lòng đọc nội quy trước khi đăng tin.")
	case PostbackCommunitySupport:
		return f.deps.Msg.SendText(ctx, user.ID,
			"🤝 Cần hỗ trợ? Bấm \"Chat với Admin\" ở menu chính, đội ngũ quản trị sẽ trả lời bạn sớm nhất.")
	default:
		return f.menu(ctx, user.ID)
	}
}

func (f *CommunityFlow) menu(ctx context.Context, userID string) error {
	return f.deps.Msg.SendQuickReplies(ctx, userID, "Cộng đồng Tân Dậu:", []models.QuickReply{
		{Title: "📢 Thông báo", Payload: PostbackCommunityNews},
		{Title: "🤝 Hỗ trợ", Payload: PostbackCommunitySupport},
	})
}
