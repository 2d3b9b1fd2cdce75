package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL + "/", Token: StaticToken("tok")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, value any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{Token: StaticToken("t")}); err == nil {
		t.Fatal("expected base url error")
	}
	if _, err := NewClient(Config{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected token error")
	}
}

func TestChannelsSendsBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if r.Method != http.MethodGet || r.URL.Path != "/api/channels" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, ChannelsResponse{Channels: []chat.Channel{{ID: "c1", Name: "General", Type: chat.ChannelGeneral}}})
	})

	channels, err := client.Channels(context.Background())
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "c1" || channels[0].Type != chat.ChannelGeneral {
		t.Fatalf("channels = %+v", channels)
	}
}

func TestSendMessageFlattensAttachment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/channels/c1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var input MessageInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if input.FileURL != "https://files/report.pdf" || input.FileSize != 42 || input.ClientMessageID != "cm1" {
			t.Errorf("input = %+v", input)
		}
		writeJSON(t, w, http.StatusCreated, MessageResponse{Message: chat.Message{
			ID: "m1", ClientMessageID: input.ClientMessageID, ChannelID: "c1", Body: input.Body, Status: chat.StatusSent,
		}})
	})

	msg, err := client.SendMessage(context.Background(), "c1", chat.OutboundMessage{
		ClientMessageID: "cm1",
		Draft:           chat.Draft{Body: "see attached", Attachment: &chat.Attachment{URL: "https://files/report.pdf", Type: "pdf", Size: 42}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m1" || msg.ClientMessageID != "cm1" || msg.Status != chat.StatusSent {
		t.Fatalf("message = %+v", msg)
	}
}

func TestMessagesPassesPaging(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %q", got)
		}
		if got := r.URL.Query().Get("offset"); got != "40" {
			t.Errorf("offset = %q", got)
		}
		writeJSON(t, w, http.StatusOK, MessagesResponse{Messages: []chat.Message{{ID: "m"}}})
	})
	msgs, err := client.Messages(context.Background(), "c", Page{Limit: 20, Offset: 40})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %v, %v", msgs, err)
	}
}

func TestSearchMessagesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "budget" || q.Get("channel_id") != "c1" || q.Get("limit") != "5" {
			t.Errorf("query = %v", q)
		}
		writeJSON(t, w, http.StatusOK, MessagesResponse{})
	})
	if _, err := client.SearchMessages(context.Background(), SearchQuery{Query: "budget", ChannelID: "c1", Limit: 5}); err != nil {
		t.Fatalf("search: %v", err)
	}
}

func TestStatusMapsToErrorCodes(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Code
	}{
		{http.StatusUnauthorized, apperrors.CodeNotAuthenticated},
		{http.StatusForbidden, apperrors.CodePermissionDenied},
		{http.StatusNotFound, apperrors.CodeNotFound},
		{http.StatusBadRequest, apperrors.CodeValidation},
		{http.StatusUnprocessableEntity, apperrors.CodeValidation},
		{http.StatusInternalServerError, apperrors.CodeConnectionError},
		{http.StatusBadGateway, apperrors.CodeConnectionError},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tc.status, ErrorResponse{Error: ErrorBody{Code: "X", Message: "nope"}})
			})
			_, err := client.Channel(context.Background(), "c")
			if !apperrors.IsCode(err, tc.want) {
				t.Fatalf("code = %s, want %s (%v)", apperrors.CodeOf(err), tc.want, err)
			}
		})
	}
}

func TestUnmappedStatusUsesBodyCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusConflict, ErrorResponse{Error: ErrorBody{Code: "VALIDATION_ERROR", Message: "duplicate"}})
	})
	err := client.AddMember(context.Background(), "c", "u")
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("code = %s, want validation", apperrors.CodeOf(err))
	}
	if meta := apperrors.MetadataOf(err); meta["Status"] != "409" {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestTransportFailureIsConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, err := NewClient(Config{BaseURL: baseURL, Token: StaticToken("tok")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.MarkRead(context.Background(), "c")
	if !apperrors.IsCode(err, apperrors.CodeConnectionError) {
		t.Fatalf("code = %s, want connection error", apperrors.CodeOf(err))
	}
}

func TestMissingTokenIsNotAuthenticated(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, Token: func(context.Context) (string, error) {
		return "", errors.New("session expired")
	}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Channels(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeNotAuthenticated) {
		t.Fatalf("code = %s, want not authenticated", apperrors.CodeOf(err))
	}

	client.token = StaticToken("")
	if _, err := client.Channels(context.Background()); !apperrors.IsCode(err, apperrors.CodeNotAuthenticated) {
		t.Fatalf("empty token code = %s", apperrors.CodeOf(err))
	}
	if called {
		t.Fatal("request should not reach the server without a token")
	}
}

func TestDeleteAndRemoveMemberPaths(t *testing.T) {
	var seen []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	if err := client.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.RemoveMember(context.Background(), "c1", "u1"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	want := []string{"DELETE /api/messages/m1", "DELETE /api/channels/c1/members/u1"}
	if len(seen) != 2 || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("requests = %v", seen)
	}
}

func TestMessageInputRoundTrip(t *testing.T) {
	msg := chat.OutboundMessage{ClientMessageID: "c", Draft: chat.Draft{Body: "b", Attachment: &chat.Attachment{URL: "u", Type: "t", Size: 1}}}
	back := NewMessageInput(msg).Outbound()
	if back.ClientMessageID != "c" || back.Attachment == nil || back.Attachment.URL != "u" {
		t.Fatalf("round trip = %+v", back)
	}
	if NewMessageInput(chat.OutboundMessage{Draft: chat.Draft{Body: "x"}}).Outbound().Attachment != nil {
		t.Fatal("no attachment should stay nil")
	}
}

func TestRouteOf(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/api/channels", "/api/channels"},
		{"/api/channels/abc", "/api/channels/{id}"},
		{"/api/channels/abc/members/u1", "/api/channels/{id}/members/{id}"},
		{"/api/messages/search", "/api/messages/search"},
		{"/api/channels/abc/messages", "/api/channels/{id}/messages"},
	}
	for _, tc := range tests {
		if got := routeOf(tc.in); got != tc.want {
			t.Fatalf("routeOf(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
