// Package messenger provides the Facebook Send API client implementation.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Constants for Send API configuration
const (
	// DefaultGraphBaseURL is the Facebook Graph API endpoint prefix
	DefaultGraphBaseURL = "https://graph.facebook.com"
	// DefaultGraphVersion is the Graph API version used for Send API calls
	DefaultGraphVersion = "v19.0"
	// DefaultRequestTimeout bounds each outbound Send API call
	DefaultRequestTimeout = 10 * time.Second
	// MaxQuickReplies is the Send API limit on quick-reply buttons per message
	MaxQuickReplies = 13
)

// Opts holds configuration options for the Messenger client.
type Opts struct {
	PageToken  string
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Messenger client.
type Option func(*Opts)

// WithPageToken sets the page access token used to authenticate Send API calls.
func WithPageToken(token string) Option {
	return func(o *Opts) { o.PageToken = token }
}

// WithBaseURL overrides the Graph API base URL (used by tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIVersion overrides the Graph API version.
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithHTTPClient overrides the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client implements Service against the Facebook Graph Send API.
type Client struct {
	token      string
	baseURL    string
	apiVersion string
	http       *http.Client
}

// NewClient creates a Messenger Send API client. The page token falls back
// to $MESSENGER_PAGE_TOKEN when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PageToken == "" {
		cfg.PageToken = os.Getenv("MESSENGER_PAGE_TOKEN")
	}
	slog.Debug("Messenger client config loaded", "PageToken_set", cfg.PageToken != "")
	if cfg.PageToken == "" {
		return nil, fmt.Errorf("messenger page token not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultGraphVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{
		token:      cfg.PageToken,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		http:       cfg.HTTPClient,
	}, nil
}

// ValidateAndCanonicalizeRecipient trims whitespace and rejects ids that are
// empty or not purely numeric (Facebook-scoped ids are numeric strings).
func (c *Client) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	id := strings.TrimSpace(recipient)
	if id == "" {
		return "", models.ErrEmptyUserID
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid recipient id %q", recipient)
		}
	}
	return id, nil
}

// sendPayload is the Send API request envelope.
type sendPayload struct {
	Recipient    recipientRef `json:"recipient"`
	Message      *messageBody `json:"message,omitempty"`
	SenderAction string       `json:"sender_action,omitempty"`
}

type recipientRef struct {
	ID string `json:"id"`
}

type messageBody struct {
	Text         string           `json:"text"`
	QuickReplies []quickReplyBody `json:"quick_replies,omitempty"`
}

type quickReplyBody struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

func (c *Client) SendText(ctx context.Context, to string, text string) error {
	slog.Debug("Messenger SendText invoked", "to", to, "text_length", len(text))
	return c.post(ctx, sendPayload{
		Recipient: recipientRef{ID: to},
		Message:   &messageBody{Text: text},
	})
}

func (c *Client) SendQuickReplies(ctx context.Context, to string, prompt string, options []models.QuickReply) error {
	slog.Debug("Messenger SendQuickReplies invoked", "to", to, "options", len(options))
	if len(options) > MaxQuickReplies {
		options = options[:MaxQuickReplies]
	}
	replies := make([]quickReplyBody, 0, len(options))
	for _, opt := range options {
		replies = append(replies, quickReplyBody{
			ContentType: "text",
			Title:       opt.Title,
			Payload:     opt.Payload,
		})
	}
	return c.post(ctx, sendPayload{
		Recipient: recipientRef{ID: to},
		Message:   &messageBody{Text: prompt, QuickReplies: replies},
	})
}

func (c *Client) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	action := "typing_on"
	if !typing {
		action = "typing_off"
	}
	slog.Debug("Messenger SendTypingIndicator invoked", "to", to, "action", action)
	return c.post(ctx, sendPayload{
		Recipient:    recipientRef{ID: to},
		SenderAction: action,
	})
}

// HideButtons clears pending quick replies. The Send API has no dedicated
// call for this; any plain message collapses the buttons, so a typing_off
// action is sent to nudge clients without adding visible chatter.
func (c *Client) HideButtons(ctx context.Context, to string) error {
	slog.Debug("Messenger HideButtons invoked", "to", to)
	return c.post(ctx, sendPayload{
		Recipient:    recipientRef{ID: to},
		SenderAction: "typing_off",
	})
}

// graphError is the error envelope the Graph API returns on failure.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, payload sendPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode send payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/me/messages?access_token=%s", c.baseURL, c.apiVersion, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Messenger Send API request failed", "error", err, "to", payload.Recipient.ID)
		return fmt.Errorf("send api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ge graphError
		if json.Unmarshal(data, &ge) == nil && ge.Error.Message != "" {
			slog.Error("Messenger Send API error response", "to", payload.Recipient.ID,
				"status", resp.StatusCode, "fb_code", ge.Error.Code, "fb_message", ge.Error.Message)
			return fmt.Errorf("send api error %d (code %d): %s", resp.StatusCode, ge.Error.Code, ge.Error.Message)
		}
		slog.Error("Messenger Send API unexpected status", "to", payload.Recipient.ID, "status", resp.StatusCode)
		return fmt.Errorf("send api returned status %d", resp.StatusCode)
	}
	slog.Debug("Messenger Send API call succeeded", "to", payload.Recipient.ID)
	return nil
}
