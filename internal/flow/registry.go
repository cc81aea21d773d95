package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Registry holds the registered flows in a fixed order. Registration order is
// match order, so flows must be registered deterministically at startup
// (registration before marketplace flows before community).
type Registry struct {
	flows  []Flow
	byName map[string]Flow
}

// NewRegistry creates an empty flow registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Flow)}
}

// Register appends a flow. Registering a duplicate name replaces the lookup
// entry but keeps the original match position.
func (r *Registry) Register(f Flow) {
	if _, exists := r.byName[f.Name()]; !exists {
		r.flows = append(r.flows, f)
	}
	r.byName[f.Name()] = f
	slog.Debug("Registry flow registered", "flow", f.Name(), "position", len(r.flows))
}

// Get retrieves a flow by name.
func (r *Registry) Get(name string) (Flow, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Flows returns the flows in registration order.
func (r *Registry) Flows() []Flow {
	return r.flows
}

// MatchText returns the first registered flow whose text trigger list
// matches the lower-cased message, or nil.
func (r *Registry) MatchText(user *models.User, text string) Flow {
	lowered := strings.ToLower(text)
	for _, f := range r.flows {
		for _, trigger := range f.TextTriggers() {
			if strings.Contains(lowered, trigger) && f.CanHandle(user, nil) {
				return f
			}
		}
	}
	return nil
}

// MatchPostback returns the first registered flow whose postback trigger
// list matches the payload, or nil.
func (r *Registry) MatchPostback(user *models.User, payload string) Flow {
	for _, f := range r.flows {
		for _, trigger := range f.PostbackTriggers() {
			if strings.Contains(payload, trigger) && f.CanHandle(user, nil) {
				return f
			}
		}
	}
	return nil
}

// HandleMessage routes a free-text message: the active session's flow wins;
// otherwise the first trigger match starts a flow. Returns false when no flow
// claimed the message, so the caller can fall back to default handling.
// Flow errors propagate untouched; the router's top-level recovery owns them.
func (r *Registry) HandleMessage(ctx context.Context, user *models.User, text string, sess *models.Session) (bool, error) {
	if sess.InFlow() {
		f, ok := r.byName[sess.Flow]
		if !ok {
			slog.Error("Registry session names unknown flow", "flow", sess.Flow, "userID", sess.UserID)
			return false, nil
		}
		if !f.CanHandle(user, sess) {
			slog.Debug("Registry session flow declined", "flow", sess.Flow, "userID", sess.UserID)
			return false, nil
		}
		return true, f.HandleMessage(ctx, user, text, sess)
	}
	if f := r.MatchText(user, text); f != nil {
		slog.Debug("Registry text trigger matched", "flow", f.Name())
		return true, f.HandleMessage(ctx, user, text, nil)
	}
	return false, nil
}

// HandlePostback routes a postback the same way HandleMessage routes text.
func (r *Registry) HandlePostback(ctx context.Context, user *models.User, payload string, sess *models.Session) (bool, error) {
	if sess.InFlow() {
		f, ok := r.byName[sess.Flow]
		if !ok {
			slog.Error("Registry session names unknown flow", "flow", sess.Flow, "userID", sess.UserID)
			return false, nil
		}
		if !f.CanHandle(user, sess) {
			return false, nil
		}
		return true, f.HandlePostback(ctx, user, payload, sess)
	}
	if f := r.MatchPostback(user, payload); f != nil {
		slog.Debug("Registry postback trigger matched", "flow", f.Name(), "payload", payload)
		return true, f.HandlePostback(ctx, user, payload, nil)
	}
	return false, nil
}
