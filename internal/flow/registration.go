package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Registration wizard steps.
const (
	regStepName    = 1
	regStepPhone   = 2
	regStepConfirm = 3
)

// Registration postback payloads.
const (
	PostbackRegisterStart   = "REGISTER_START"
	PostbackRegisterConfirm = "REGISTER_CONFIRM"
	PostbackRegisterCancel  = "REGISTER_CANCEL"
)

// RegistrationFlow walks a new member through name and phone collection and
// leaves the profile in pending status for admin approval.
type RegistrationFlow struct {
	deps Deps
}

// NewRegistrationFlow creates the registration flow.
func NewRegistrationFlow(deps Deps) *RegistrationFlow {
	return &RegistrationFlow{deps: deps}
}

func (f *RegistrationFlow) Name() string { return "registration" }

func (f *RegistrationFlow) TextTriggers() []string {
	return []string{"đăng ký", "dang ky", "register"}
}

func (f *RegistrationFlow) PostbackTriggers() []string {
	return []string{"REGISTER"}
}

// CanHandle declines users who are already registered members.
func (f *RegistrationFlow) CanHandle(user *models.User, sess *models.Session) bool {
	if sess != nil && sess.Flow != f.Name() {
		return false
	}
	return user.Type() != models.UserTypeRegistered
}

func (f *RegistrationFlow) HandleMessage(ctx context.Context, user *models.User, text string, sess *models.Session) error {
	if sess == nil {
		return f.start(ctx, user)
	}
	if isCancel(text) {
		return f.cancel(ctx, user.ID)
	}

	switch sess.Step {
	case regStepName:
		name := strings.TrimSpace(text)
		if name == "" {
			return f.deps.Msg.SendText(ctx, user.ID, "Tên không được để trống. Vui lòng nhập họ tên của bạn:")
		}
		sess.Step = regStepPhone
		setData(sess, dataKeyName, name)
		if err := f.deps.Store.UpsertSession(*sess); err != nil {
			return fmt.Errorf("registration: failed to save name step: %w", err)
		}
		return f.deps.Msg.SendText(ctx, user.ID, "Cảm ơn "+name+"! Vui lòng nhập số điện thoại của bạn:")

	case regStepPhone:
		phone := strings.TrimSpace(text)
		if !isValidPhone(phone) {
			return f.deps.Msg.SendText(ctx, user.ID, "Số điện thoại không hợp lệ. Vui lòng nhập lại (ví dụ: 0901234567):")
		}
		sess.Step = regStepConfirm
		setData(sess, dataKeyPhone, phone)
		if err := f.deps.Store.UpsertSession(*sess); err != nil {
			return fmt.Errorf("registration: failed to save phone step: %w", err)
		}
		summary := fmt.Sprintf("Xác nhận đăng ký:\n• Họ tên: %s\n• SĐT: %s", sess.DataValue(dataKeyName), phone)
		return f.deps.Msg.SendQuickReplies(ctx, user.ID, summary, []models.QuickReply{
			{Title: "✅ Xác nhận", Payload: PostbackRegisterConfirm},
			{Title: "❌ Hủy", Payload: PostbackRegisterCancel},
		})

	case regStepConfirm:
		// Waiting on a button; remind rather than advance.
		return f.deps.Msg.SendText(ctx, user.ID, "Vui lòng bấm nút Xác nhận hoặc Hủy ở trên.")

	default:
		slog.Error("RegistrationFlow unknown step, restarting", "userID", user.ID, "step", sess.Step)
		return f.start(ctx, user)
	}
}

func (f *RegistrationFlow) HandlePostback(ctx context.Context, user *models.User, payload string, sess *models.Session) error {
	switch payload {
	case PostbackRegisterConfirm:
		if sess == nil || sess.Step != regStepConfirm {
			return f.start(ctx, user)
		}
		updated := *user
		updated.Name = sess.DataValue(dataKeyName)
		updated.Phone = sess.DataValue(dataKeyPhone)
		updated.Status = models.UserStatusPending
		if err := f.deps.Store.UpsertUser(updated); err != nil {
			return fmt.Errorf("registration: failed to save pending user: %w", err)
		}
		if err := f.deps.Store.DeleteSession(user.ID); err != nil {
			return fmt.Errorf("registration: failed to clear session: %w", err)
		}
		slog.Info("RegistrationFlow completed", "userID", user.ID)
		return f.deps.Msg.SendText(ctx, user.ID,
			"🎉 Đăng ký thành công! Hồ sơ của bạn đang chờ duyệt. Chúng tôi sẽ thông báo khi được kích hoạt.")

	case PostbackRegisterCancel:
		return f.cancel(ctx, user.ID)

	default:
		// Any other REGISTER* payload starts the wizard.
		return f.start(ctx, user)
	}
}

func (f *RegistrationFlow) start(ctx context.Context, user *models.User) error {
	sess := models.Session{UserID: user.ID, Flow: f.Name(), Step: regStepName}
	if err := f.deps.Store.UpsertSession(sess); err != nil {
		return fmt.Errorf("registration: failed to start session: %w", err)
	}
	slog.Debug("RegistrationFlow started", "userID", user.ID)
	return f.deps.Msg.SendText(ctx, user.ID, "📝 Đăng ký thành viên Tân Dậu.\nVui lòng nhập họ tên của bạn:")
}

func (f *RegistrationFlow) cancel(ctx context.Context, userID string) error {
	if err := f.deps.Store.DeleteSession(userID); err != nil {
		return fmt.Errorf("registration: failed to cancel session: %w", err)
	}
	return f.deps.Msg.SendText(ctx, userID, "Đã hủy đăng ký. Gõ \"đăng ký\" khi bạn muốn bắt đầu lại.")
}

// isValidPhone accepts Vietnamese mobile numbers: digits only, 9 to 11 long,
// optionally starting with 0 or +84.
func isValidPhone(phone string) bool {
	phone = strings.TrimPrefix(phone, "+84")
	if len(phone) < 9 || len(phone) > 11 {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isCancel(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, w := range cancelWords {
		if lowered == w {
			return true
		}
	}
	return false
}

func setData(sess *models.Session, key, value string) {
	if sess.Data == nil {
		sess.Data = make(map[string]string)
	}
	sess.Data[key] = value
}
