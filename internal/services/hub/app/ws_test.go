package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/switchboard/internal/chat/hub"
)

func dialWSWithServerURL(httpURL, path string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	return websocket.Dial(wsURL, "", httpURL)
}

func dialAs(t *testing.T, srv *httptest.Server, authority *TokenAuthority, userID string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, "/ws?access_token="+issueToken(t, authority, userID))
	if err != nil {
		t.Fatalf("dial websocket as %s: %v", userID, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func newWSServer(t *testing.T) (*httptest.Server, *TokenAuthority) {
	t.Helper()
	handler, authority := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, authority
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) hub.Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got hub.Frame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// readFrameOfType skips presence and other unrelated frames.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) hub.Frame {
	t.Helper()
	for range 16 {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return hub.Frame{}
}

func joinChannel(t *testing.T, conn *websocket.Conn, channelID string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       hub.TypeJoinChannel,
		"request_id": "join-" + channelID,
		"payload":    map[string]any{"channel_id": channelID},
	})
	frame := readFrameOfType(t, conn, hub.TypeCompletion)
	if frame.RequestID != "join-"+channelID {
		t.Fatalf("join completion request_id = %q, want %q", frame.RequestID, "join-"+channelID)
	}
}

func sendFrame(channelID, requestID, clientMessageID, body string) map[string]any {
	return map[string]any{
		"type":       hub.TypeSendMessage,
		"request_id": requestID,
		"payload": map[string]any{
			"channel_id":        channelID,
			"client_message_id": clientMessageID,
			"body":              body,
		},
	}
}

func decodeWireError(t *testing.T, frame hub.Frame) hub.WireError {
	t.Helper()
	if frame.Type != hub.TypeError {
		t.Fatalf("frame type = %q, want %q", frame.Type, hub.TypeError)
	}
	var payload hub.ErrorPayload
	if err := frame.Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error == nil {
		t.Fatal("expected error body")
	}
	return *payload.Error
}

func TestWebSocketRequiresToken(t *testing.T) {
	srv, _ := newWSServer(t)

	conn, err := dialWSWithServerURL(srv.URL, "/ws")
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("expected websocket dial error")
	}
	if !strings.Contains(err.Error(), "bad status") {
		t.Fatalf("dial error = %v, expected bad status", err)
	}
}

func TestWebSocketJoinReturnsCompletion(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "emp-eng")

	joinChannel(t, conn, "dept-eng")
}

func TestWebSocketJoinHiddenChannelReturnsNotFound(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "emp-sales")

	writeFrame(t, conn, map[string]any{
		"type":       hub.TypeJoinChannel,
		"request_id": "join-1",
		"payload":    map[string]any{"channel_id": "dept-eng"},
	})
	wire := decodeWireError(t, readFrame(t, conn))
	if wire.Code != "NOT_FOUND" {
		t.Fatalf("error code = %q, want NOT_FOUND", wire.Code)
	}
}

func TestWebSocketUnknownTypeReturnsError(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "ceo")

	writeFrame(t, conn, map[string]any{"type": "Bogus", "request_id": "req-1"})
	frame := readFrame(t, conn)
	wire := decodeWireError(t, frame)
	if wire.Code != "VALIDATION_ERROR" || frame.RequestID != "req-1" {
		t.Fatalf("error = %+v request_id = %q", wire, frame.RequestID)
	}
}

func TestWebSocketSendBroadcastsToChannelSubscribers(t *testing.T) {
	srv, authority := newWSServer(t)
	sender := dialAs(t, srv, authority, "ceo")
	receiver := dialAs(t, srv, authority, "emp-eng")
	outsider := dialAs(t, srv, authority, "emp-sales")

	joinChannel(t, sender, "general")
	joinChannel(t, receiver, "general")

	writeFrame(t, sender, sendFrame("general", "req-send-1", "cli-1", "hello everyone"))

	completion := readFrameOfType(t, sender, hub.TypeCompletion)
	var done hub.CompletionPayload
	if err := completion.Decode(&done); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if completion.RequestID != "req-send-1" || done.Message == nil || done.Message.ID == "" {
		t.Fatalf("completion = %+v", completion)
	}
	if done.Message.ClientMessageID != "cli-1" || done.Message.SenderID != "ceo" {
		t.Fatalf("completion message = %+v", done.Message)
	}

	for _, conn := range []*websocket.Conn{sender, receiver} {
		frame := readFrameOfType(t, conn, hub.TypeNewMessage)
		var payload hub.MessagePayload
		if err := frame.Decode(&payload); err != nil {
			t.Fatalf("decode new message: %v", err)
		}
		if payload.Message.ID != done.Message.ID || payload.Message.Body != "hello everyone" {
			t.Fatalf("broadcast message = %+v", payload.Message)
		}
	}

	// the outsider never joined; the next frame it sees is its own reply
	writeFrame(t, outsider, map[string]any{"type": "Bogus", "request_id": "probe"})
	if frame := readFrameOfType(t, outsider, hub.TypeError); frame.RequestID != "probe" {
		t.Fatalf("outsider frame = %+v", frame)
	}
}

func TestWebSocketSendIsIdempotentByClientMessageID(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "ceo")
	joinChannel(t, conn, "general")

	writeFrame(t, conn, sendFrame("general", "req-send-1", "cli-dup-1", "hello once"))
	firstFrame := readFrame(t, conn)
	if firstFrame.Type != hub.TypeCompletion {
		t.Fatalf("first frame type = %q, want %q", firstFrame.Type, hub.TypeCompletion)
	}
	if frame := readFrame(t, conn); frame.Type != hub.TypeNewMessage {
		t.Fatalf("second frame type = %q, want %q", frame.Type, hub.TypeNewMessage)
	}

	writeFrame(t, conn, sendFrame("general", "req-send-2", "cli-dup-1", "hello twice"))
	secondFrame := readFrame(t, conn)
	if secondFrame.Type != hub.TypeCompletion {
		t.Fatalf("retry frame type = %q, want %q", secondFrame.Type, hub.TypeCompletion)
	}

	var first, second hub.CompletionPayload
	if err := firstFrame.Decode(&first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := secondFrame.Decode(&second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Message.ID != second.Message.ID || second.Message.Body != "hello once" {
		t.Fatalf("retry message = %+v, want %+v", second.Message, first.Message)
	}

	// no second broadcast: the next frame answers the probe
	writeFrame(t, conn, map[string]any{"type": "Bogus", "request_id": "probe"})
	if frame := readFrame(t, conn); frame.Type != hub.TypeError || frame.RequestID != "probe" {
		t.Fatalf("frame after retry = %+v", frame)
	}
}

func TestWebSocketSendDeniedByPolicy(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "emp-eng")

	writeFrame(t, conn, sendFrame("general", "req-1", "cli-1", "can I?"))
	wire := decodeWireError(t, readFrame(t, conn))
	if wire.Code != "PERMISSION_DENIED" || wire.Retryable {
		t.Fatalf("error = %+v", wire)
	}
}

func TestWebSocketSendRequiresClientMessageID(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "ceo")

	writeFrame(t, conn, sendFrame("general", "req-1", "", "hello"))
	wire := decodeWireError(t, readFrame(t, conn))
	if wire.Code != "VALIDATION_ERROR" {
		t.Fatalf("error code = %q, want VALIDATION_ERROR", wire.Code)
	}
}

func TestWebSocketLeaveStopsBroadcasts(t *testing.T) {
	srv, authority := newWSServer(t)
	sender := dialAs(t, srv, authority, "ceo")
	receiver := dialAs(t, srv, authority, "pmo")
	joinChannel(t, sender, "general")
	joinChannel(t, receiver, "general")

	writeFrame(t, receiver, map[string]any{
		"type":       hub.TypeLeaveChannel,
		"request_id": "leave-1",
		"payload":    map[string]any{"channel_id": "general"},
	})
	readFrameOfType(t, receiver, hub.TypeCompletion)

	writeFrame(t, sender, sendFrame("general", "req-1", "cli-1", "anyone?"))
	readFrameOfType(t, sender, hub.TypeNewMessage)

	writeFrame(t, receiver, map[string]any{"type": "Bogus", "request_id": "probe"})
	for {
		frame := readFrame(t, receiver)
		if frame.Type == hub.TypeNewMessage {
			t.Fatal("left channel still receives messages")
		}
		if frame.Type == hub.TypeError {
			break
		}
	}
}

func TestWebSocketPresence(t *testing.T) {
	srv, authority := newWSServer(t)
	watcher := dialAs(t, srv, authority, "ceo")
	joinChannel(t, watcher, "general")

	peer := dialAs(t, srv, authority, "pmo")
	online := readFrameOfType(t, watcher, hub.TypeUserOnline)
	var payload hub.UserPayload
	if err := online.Decode(&payload); err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if payload.UserID != "pmo" {
		t.Fatalf("online user = %q, want pmo", payload.UserID)
	}

	snapshot := readFrameOfType(t, peer, hub.TypeUserOnline)
	if err := snapshot.Decode(&payload); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if payload.UserID != "ceo" {
		t.Fatalf("snapshot user = %q, want ceo", payload.UserID)
	}

	_ = peer.Close()
	offline := readFrameOfType(t, watcher, hub.TypeUserOffline)
	if err := offline.Decode(&payload); err != nil {
		t.Fatalf("decode offline: %v", err)
	}
	if payload.UserID != "pmo" {
		t.Fatalf("offline user = %q, want pmo", payload.UserID)
	}
}

func TestWebSocketRateLimitClosesConnection(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "ceo")

	// Twice the burst cannot refill in the time it takes to write.
	encoder := json.NewEncoder(conn)
	for i := 0; i < 2*maxFramesPerSecond; i++ {
		if err := encoder.Encode(map[string]any{"type": "Bogus", "request_id": "flood"}); err != nil {
			break
		}
	}

	var sawRateLimit bool
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	decoder := json.NewDecoder(conn)
	for {
		var frame hub.Frame
		if err := decoder.Decode(&frame); err != nil {
			break
		}
		var payload hub.ErrorPayload
		if frame.Decode(&payload) == nil && payload.Error != nil && payload.Error.Code == "RATE_LIMITED" {
			sawRateLimit = true
		}
	}
	if !sawRateLimit {
		t.Fatal("expected RATE_LIMITED before close")
	}
}

func TestWebSocketArchiveBroadcasts(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "ceo")
	joinChannel(t, conn, "dept-eng")

	if _, err := newAPIClient(t, srv, authority, "ceo").ArchiveChannel(t.Context(), "dept-eng"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	frame := readFrameOfType(t, conn, hub.TypeChannelArchived)
	var payload hub.ChannelPayload
	if err := frame.Decode(&payload); err != nil {
		t.Fatalf("decode archived: %v", err)
	}
	if payload.ChannelID != "dept-eng" {
		t.Fatalf("archived channel = %q, want dept-eng", payload.ChannelID)
	}
}

func TestWebSocketEditAndDeleteBroadcast(t *testing.T) {
	srv, authority := newWSServer(t)
	conn := dialAs(t, srv, authority, "ceo")
	joinChannel(t, conn, "general")
	client := newAPIClient(t, srv, authority, "ceo")

	writeFrame(t, conn, sendFrame("general", "req-1", "cli-1", "typo"))
	completion := readFrameOfType(t, conn, hub.TypeCompletion)
	var done hub.CompletionPayload
	if err := completion.Decode(&done); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	readFrameOfType(t, conn, hub.TypeNewMessage)

	if _, err := client.UpdateMessage(t.Context(), done.Message.ID, "fixed"); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated := readFrameOfType(t, conn, hub.TypeMessageUpdated)
	var msg hub.MessagePayload
	if err := updated.Decode(&msg); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if msg.Message.Body != "fixed" {
		t.Fatalf("updated body = %q, want fixed", msg.Message.Body)
	}

	if err := client.DeleteMessage(t.Context(), done.Message.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	deleted := readFrameOfType(t, conn, hub.TypeMessageDeleted)
	var gone hub.MessageDeletedPayload
	if err := deleted.Decode(&gone); err != nil {
		t.Fatalf("decode deleted: %v", err)
	}
	if gone.MessageID != done.Message.ID || gone.ChannelID != "general" {
		t.Fatalf("deleted = %+v", gone)
	}
}
