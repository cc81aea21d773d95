package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tandaumarket/marketbot/internal/models"
)

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	c, err := NewClient(WithPageToken("tok"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1234567890", "1234567890", false},
		{"  1234567890  ", "1234567890", false},
		{"", "", true},
		{"   ", "", true},
		{"12ab34", "", true},
		{"user-1", "", true},
	}
	for _, tt := range tests {
		got, err := c.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewClientRequiresPageToken(t *testing.T) {
	t.Setenv("MESSENGER_PAGE_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without a page token")
	}
}

func TestSendTextPostsGraphPayload(t *testing.T) {
	var got sendPayload
	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Write([]byte(`{"recipient_id":"1234","message_id":"m1"}`))
	}))
	defer srv.Close()

	c, err := NewClient(WithPageToken("tok"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.SendText(context.Background(), "1234", "xin chào"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	if gotPath != "/"+DefaultGraphVersion+"/me/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotToken != "tok" {
		t.Errorf("access_token = %q", gotToken)
	}
	if got.Recipient.ID != "1234" || got.Message == nil || got.Message.Text != "xin chào" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSendQuickRepliesCapsOptions(t *testing.T) {
	var got sendPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(WithPageToken("tok"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	options := make([]models.QuickReply, MaxQuickReplies+5)
	for i := range options {
		options[i] = models.QuickReply{Title: "opt", Payload: "P"}
	}
	if err := c.SendQuickReplies(context.Background(), "1234", "chọn đi", options); err != nil {
		t.Fatalf("SendQuickReplies failed: %v", err)
	}
	if len(got.Message.QuickReplies) != MaxQuickReplies {
		t.Errorf("sent %d quick replies, want capped at %d", len(got.Message.QuickReplies), MaxQuickReplies)
	}
	if got.Message.QuickReplies[0].ContentType != "text" {
		t.Errorf("content type = %q, want text", got.Message.QuickReplies[0].ContentType)
	}
}

func TestSendTypingIndicatorActions(t *testing.T) {
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p sendPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		actions = append(actions, p.SenderAction)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(WithPageToken("tok"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()
	if err := c.SendTypingIndicator(ctx, "1234", true); err != nil {
		t.Fatalf("typing on failed: %v", err)
	}
	if err := c.SendTypingIndicator(ctx, "1234", false); err != nil {
		t.Fatalf("typing off failed: %v", err)
	}
	if len(actions) != 2 || actions[0] != "typing_on" || actions[1] != "typing_off" {
		t.Errorf("actions = %v", actions)
	}
}

func TestSendSurfacesGraphErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	c, err := NewClient(WithPageToken("bad"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	err = c.SendText(context.Background(), "1234", "hi")
	if err == nil {
		t.Fatal("expected an error from the graph failure")
	}
	if !strings.Contains(err.Error(), "code 190") || !strings.Contains(err.Error(), "Invalid OAuth access token") {
		t.Errorf("error = %v, want the graph code and message", err)
	}
}

func TestSendSurfacesOpaqueStatusFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream choked"))
	}))
	defer srv.Close()

	c, err := NewClient(WithPageToken("tok"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	err = c.SendText(context.Background(), "1234", "hi")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want the raw status", err)
	}
}
