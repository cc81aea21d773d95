// Package testutil provides common test utilities and helpers for marketbot tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

// Fixed tokens for API tests.
const (
	TestVerifyToken = "test-verify-token"
	TestAdminToken  = "test-admin-token"
)

// TextEvent builds an inbound free-text event.
func TextEvent(userID, text string) models.Event {
	return models.Event{UserID: userID, Text: text}
}

// PostbackEvent builds an inbound postback event.
func PostbackEvent(userID, payload string) models.Event {
	return models.Event{UserID: userID, Postback: payload, IsPostback: true}
}

// SeedUser inserts a user with the given status and fails the test on error.
func SeedUser(t *testing.T, st store.Store, userID string, status models.UserStatus) *models.User {
	t.Helper()
	u := models.User{ID: userID, Status: status, CreatedAt: time.Now()}
	if err := st.UpsertUser(u); err != nil {
		t.Fatalf("failed to seed user %s: %v", userID, err)
	}
	return &u
}

// SeedSession inserts an active session row and fails the test on error.
func SeedSession(t *testing.T, st store.Store, userID, flowName string, step int) *models.Session {
	t.Helper()
	s := models.Session{UserID: userID, Flow: flowName, Step: step}
	if err := st.UpsertSession(s); err != nil {
		t.Fatalf("failed to seed session for %s: %v", userID, err)
	}
	return &s
}

// SeedState inserts an interaction state with the given mode.
func SeedState(t *testing.T, st store.Store, userID string, mode models.Mode) *models.InteractionState {
	t.Helper()
	is := models.InteractionState{
		UserID:          userID,
		Mode:            mode,
		BotActive:       mode == models.ModeUsingBot,
		LastInteraction: time.Now(),
	}
	if err := st.UpsertInteractionState(is); err != nil {
		t.Fatalf("failed to seed interaction state for %s: %v", userID, err)
	}
	return &is
}

// SeedListings inserts sample listings for search tests.
func SeedListings(t *testing.T, st store.Store, listings ...models.Listing) {
	t.Helper()
	for _, l := range listings {
		if err := st.CreateListing(l); err != nil {
			t.Fatalf("failed to seed listing %s: %v", l.ID, err)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response body and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
