package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tandaumarket/marketbot/internal/models"
)

// Listing wizard steps.
const (
	listingStepTitle       = 1
	listingStepPrice       = 2
	listingStepDescription = 3
)

// Listing postback payloads.
const (
	// PostbackListingStart opens the listing wizard from a menu button.
	PostbackListingStart = "LISTING_START"
	// PostbackListingSkipDesc lets the seller publish without a description.
	PostbackListingSkipDesc = "LISTING_SKIP_DESC"
)

// ListingFlow walks a member through creating a marketplace listing:
// title, price, then an optional description.
type ListingFlow struct {
	deps Deps
}

// NewListingFlow creates the listing flow.
func NewListingFlow(deps Deps) *ListingFlow {
	return &ListingFlow{deps: deps}
}

func (f *ListingFlow) Name() string { return "listing" }

func (f *ListingFlow) TextTriggers() []string {
	return []string{"đăng tin", "dang tin", "bán hàng", "ban hang", "sell"}
}

func (f *ListingFlow) PostbackTriggers() []string {
	return []string{"LISTING"}
}

// CanHandle requires an active membership: registered or trial users only.
func (f *ListingFlow) CanHandle(user *models.User, sess *models.Session) bool {
	if sess != nil && sess.Flow != f.Name() {
		return false
	}
	t := user.Type()
	return t == models.UserTypeRegistered || t == models.UserTypeTrial
}

func (f *ListingFlow) HandleMessage(ctx context.Context, user *models.User, text string, sess *models.Session) error {
	if sess == nil {
		return f.start(ctx, user)
	}
	if isCancel(text) {
		return f.cancel(ctx, user.ID)
	}

	switch sess.Step {
	case listingStepTitle:
		title := strings.TrimSpace(text)
		if title == "" {
			return f.deps.Msg.SendText(ctx, user.ID, "Tiêu đề không được để trống. Bạn muốn bán gì?")
		}
		sess.Step = listingStepPrice
		setData(sess, dataKeyTitle, title)
		if err := f.deps.Store.UpsertSession(*sess); err != nil {
			return fmt.Errorf("listing: failed to save title step: %w", err)
		}
		return f.deps.Msg.SendText(ctx, user.ID, "Giá bán là bao nhiêu? (ví dụ: 500.000đ)")

	case listingStepPrice:
		sess.Step = listingStepDescription
		setData(sess, dataKeyPrice, strings.TrimSpace(text))
		if err := f.deps.Store.UpsertSession(*sess); err != nil {
			return fmt.Errorf("listing: failed to save price step: %w", err)
		}
		return f.deps.Msg.SendQuickReplies(ctx, user.ID, "Mô tả thêm về sản phẩm (hoặc bỏ qua):", []models.QuickReply{
			{Title: "Bỏ qua", Payload: PostbackListingSkipDesc},
		})

	case listingStepDescription:
		return f.publish(ctx, user, sess, strings.TrimSpace(text))

	default:
		slog.Error("ListingFlow unknown step, restarting", "userID", user.ID, "step", sess.Step)
		return f.start(ctx, user)
	}
}

func (f *ListingFlow) HandlePostback(ctx context.Context, user *models.User, payload string, sess *models.Session) error {
	if payload == PostbackListingSkipDesc && sess != nil && sess.Step == listingStepDescription {
		return f.publish(ctx, user, sess, "")
	}
	if sess == nil {
		return f.start(ctx, user)
	}
	return f.deps.Msg.SendText(ctx, user.ID, "Vui lòng trả lời câu hỏi ở trên hoặc gõ \"hủy\" để thoát.")
}

func (f *ListingFlow) start(ctx context.Context, user *models.User) error {
	sess := models.Session{UserID: user.ID, Flow: f.Name(), Step: listingStepTitle}
	if err := f.deps.Store.UpsertSession(sess); err != nil {
		return fmt.Errorf("listing: failed to start session: %w", err)
	}
	slog.Debug("ListingFlow started", "userID", user.ID)
	return f.deps.Msg.SendText(ctx, user.ID, "🛒 Đăng tin bán hàng.\nBạn muốn bán gì? Nhập tiêu đề tin:")
}

func (f *ListingFlow) publish(ctx context.Context, user *models.User, sess *models.Session, description string) error {
	listing := models.Listing{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Title:       sess.DataValue(dataKeyTitle),
		Price:       sess.DataValue(dataKeyPrice),
		Description: description,
		Active:      true,
	}
	if err := f.deps.Store.CreateListing(listing); err != nil {
		return fmt.Errorf("listing: failed to create listing: %w", err)
	}
	if err := f.deps.Store.DeleteSession(user.ID); err != nil {
		return fmt.Errorf("listing: failed to clear session: %w", err)
	}
	slog.Info("ListingFlow published listing", "userID", user.ID, "listingID", listing.ID)
	return f.deps.Msg.SendText(ctx, user.ID,
		fmt.Sprintf("✅ Tin \"%s\" đã được đăng! Người mua sẽ tìm thấy tin của bạn qua tìm kiếm.", listing.Title))
}

func (f *ListingFlow) cancel(ctx context.Context, userID string) error {
	if err := f.deps.Store.DeleteSession(userID); err != nil {
		return fmt.Errorf("listing: failed to cancel session: %w", err)
	}
	return f.deps.Msg.SendText(ctx, userID, "Đã hủy đăng tin.")
}
