package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
)

// webhookProcessTimeout bounds the async handling of one webhook delivery.
const webhookProcessTimeout = 60 * time.Second

// facebookEvent mirrors the Messenger Platform webhook envelope.
type facebookEvent struct {
	Object string          `json:"object"`
	Entry  []facebookEntry `json:"entry"`
}

type facebookEntry struct {
	ID        string              `json:"id"`
	Time      int64               `json:"time"`
	Messaging []facebookMessaging `json:"messaging"`
}

type facebookMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message,omitempty"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback,omitempty"`
}

// verifyHandler answers the Messenger Platform subscription handshake: echo
// hub.challenge when hub.verify_token matches.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == s.opts.VerifyToken {
		slog.Info("Server webhook verification succeeded")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			slog.Error("Server failed to write webhook challenge", "error", err)
		}
		return
	}
	slog.Error("Server webhook verification failed", "mode", mode)
	writeJSONResponse(w, http.StatusForbidden, models.Error("invalid verification token"))
}

// webhookHandler acknowledges the delivery immediately with 200 and processes
// the contained events asynchronously; Facebook retries slow or non-200
// responses, so nothing here may block on the pipeline.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var event facebookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Error("Server failed to decode webhook payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON payload"))
		return
	}
	if event.Object != "page" {
		slog.Debug("Server ignoring unsupported webhook object", "object", event.Object)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("unsupported webhook object"))
		return
	}

	w.WriteHeader(http.StatusOK)

	go s.processEvents(event)
}

func (s *Server) processEvents(event facebookEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessTimeout)
	defer cancel()

	for _, entry := range event.Entry {
		for _, m := range entry.Messaging {
			ev, ok := toEvent(m)
			if !ok {
				continue
			}
			if err := s.pipe.Process(ctx, ev); err != nil {
				// Saturation and duplicate drops are deliberate non-errors.
				if errors.Is(err, models.ErrPipelineSaturated) || errors.Is(err, models.ErrDuplicateInFlight) {
					continue
				}
				slog.Error("Server webhook event processing failed", "user_id", ev.UserID, "error", err)
			}
		}
	}
}

// toEvent converts one messaging entry into the internal event shape. Echoes
// of the bot's own messages and empty deliveries are skipped.
func toEvent(m facebookMessaging) (models.Event, bool) {
	if m.Sender.ID == "" {
		return models.Event{}, false
	}
	if m.Postback != nil && m.Postback.Payload != "" {
		return models.Event{
			UserID:     m.Sender.ID,
			Postback:   m.Postback.Payload,
			IsPostback: true,
			Time:       m.Timestamp,
		}, true
	}
	if m.Message != nil && !m.Message.IsEcho && m.Message.Text != "" {
		return models.Event{
			UserID: m.Sender.ID,
			Text:   m.Message.Text,
			Time:   m.Timestamp,
		}, true
	}
	return models.Event{}, false
}
