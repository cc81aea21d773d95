package router

import (
	"github.com/tandaumarket/marketbot/internal/flow"
	"github.com/tandaumarket/marketbot/internal/models"
)

// User-facing copy. All strings are Vietnamese-first since the community is
// Vietnamese; payload constants stay English for log readability.
const (
	msgWelcome = "Chào mừng bạn đến với Chợ Tân Dậu! 🏪\n" +
		"Đây là chợ trực tuyến dành riêng cho cộng đồng Tân Dậu.\n" +
		"Bạn muốn làm gì hôm nay?"
	msgWelcomePrompt  = "Hãy chọn một trong các lựa chọn sau:"
	msgReturningUser  = "Chào mừng bạn quay lại! Gõ \"menu\" để xem các lựa chọn."
	msgBotActivated   = "🤖 Bot đã sẵn sàng! Bạn muốn làm gì?"
	msgBotStopped     = "Bot đã tạm dừng. Bạn muốn làm gì tiếp theo?"
	msgAdminComing    = "Đã ghi nhận yêu cầu của bạn. Quản trị viên sẽ trả lời trong thời gian sớm nhất. 🧑‍💼"
	msgGenericError   = "Xin lỗi, đã có lỗi xảy ra. Bạn vui lòng thử lại sau ít phút nhé. 🙏"
	msgUnknownCommand = "Mình chưa hiểu yêu cầu này. Gõ \"menu\" để xem các lựa chọn nhé."

	msgDefaultNewUser = "Bạn chưa là thành viên của Chợ Tân Dậu. " +
		"Hãy đăng ký để bắt đầu mua bán nhé!"
	msgDefaultPending = "Hồ sơ của bạn đang chờ duyệt. " +
		"Quản trị viên sẽ kích hoạt tài khoản trong thời gian sớm nhất."
	msgDefaultRegistered = "Bạn có thể tìm kiếm hoặc đăng tin ngay. " +
		"Bấm \"Dùng bot\" hoặc gõ \"menu\" để bắt đầu."
	msgDefaultExpired = "Tài khoản của bạn đã hết hạn thành viên. " +
		"Vui lòng liên hệ quản trị viên để gia hạn."

	msgContactInfo = "📞 Liên hệ ban quản trị: nhắn \"Gặp admin\" tại menu chính " +
		"hoặc gọi hotline của cộng đồng Tân Dậu."
	msgCommunityRules = "📋 Quy định chợ: chỉ thành viên Tân Dậu, " +
		"đăng tin trung thực, không spam, tôn trọng lẫn nhau."
)

// mainMenu is the choosing-mode menu shown with the welcome.
func mainMenu() []models.QuickReply {
	return []models.QuickReply{
		{Title: "🤖 Dùng bot", Payload: models.PostbackUseBot},
		{Title: "📝 Đăng ký thành viên", Payload: flow.PostbackRegisterStart},
		{Title: "🧑‍💼 Gặp admin", Payload: models.PostbackChatAdmin},
	}
}

// botMenu is shown on entering using_bot mode.
func botMenu() []models.QuickReply {
	return []models.QuickReply{
		{Title: "🔍 Tìm kiếm", Payload: flow.PostbackSearchStart},
		{Title: "📦 Đăng tin", Payload: flow.PostbackListingStart},
		{Title: "👥 Cộng đồng", Payload: flow.PostbackCommunityMenu},
		{Title: "⏹ Dừng bot", Payload: models.PostbackStopBot},
	}
}

// defaultMessageFor is the per-user-type default reply when no flow or
// keyword matched.
func defaultMessageFor(t models.UserType) string {
	switch t {
	case models.UserTypePending:
		return msgDefaultPending
	case models.UserTypeRegistered, models.UserTypeTrial:
		return msgDefaultRegistered
	case models.UserTypeExpired:
		return msgDefaultExpired
	default:
		return msgDefaultNewUser
	}
}
