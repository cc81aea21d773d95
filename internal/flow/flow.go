// Package flow defines the conversational flow abstraction and the ordered
// registry that routes messages and postbacks to flows.
package flow

import (
	"context"

	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

// Flow is a registered, named conversational sub-program. A flow owns its
// multi-step state inside the Session's data payload; the registry and router
// never look inside it.
type Flow interface {
	// Name is the stable flow name stored in Session.Flow.
	Name() string

	// CanHandle reports whether the flow can act for this user and session
	// right now.
	CanHandle(user *models.User, sess *models.Session) bool

	// TextTriggers are lower-case substrings that start the flow from a
	// free-text message when no session is active.
	TextTriggers() []string

	// PostbackTriggers are substrings matched against postback payloads when
	// no session is active.
	PostbackTriggers() []string

	// HandleMessage processes a free-text message for a user inside (or
	// entering) the flow.
	HandleMessage(ctx context.Context, user *models.User, text string, sess *models.Session) error

	// HandlePostback processes a postback payload for a user inside (or
	// entering) the flow.
	HandlePostback(ctx context.Context, user *models.User, payload string, sess *models.Session) error
}

// Deps holds the collaborators injected into flows.
type Deps struct {
	Store store.Store
	Msg   messenger.Service
}

// Session data keys shared by the wizard flows.
const (
	dataKeyName        = "name"
	dataKeyPhone       = "phone"
	dataKeyTitle       = "title"
	dataKeyPrice       = "price"
	dataKeyDescription = "description"
)

// cancelWords end any wizard flow when typed.
var cancelWords = []string{"hủy", "huy", "cancel", "thoát", "thoat"}
