package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/hub"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

type wsUserContextKey struct{}

func (h *hubServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	wsHandler := websocket.Handler(h.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		accessToken := accessTokenFromRequest(r)
		if accessToken == "" {
			h.logger.Info("websocket unauthorized: missing access token", zap.String("remote", r.RemoteAddr))
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		identity, err := h.authority.Authenticate(accessToken)
		if err != nil {
			h.logger.Info("websocket unauthorized", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		user := h.store.user(identity)
		r = r.WithContext(context.WithValue(r.Context(), wsUserContextKey{}, user))
		wsHandler.ServeHTTP(w, r)
	})

	h.apiRoutes(mux)
	return mux
}

// accessTokenFromRequest reads the bearer token from the access_token query
// parameter or the Authorization header.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (h *hubServer) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	var user chat.User
	if request := conn.Request(); request != nil {
		user, _ = request.Context().Value(wsUserContextKey{}).(chat.User)
	}
	if user.ID == "" {
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(user.ID, json.NewEncoder(conn))
	if h.rooms.connect(peer) {
		h.broadcast(h.rooms.everyone(peer), hub.TypeUserOnline, hub.UserPayload{UserID: user.ID})
	}
	for _, onlineID := range h.rooms.onlineUsers(user.ID) {
		h.broadcast([]*wsPeer{peer}, hub.TypeUserOnline, hub.UserPayload{UserID: onlineID})
	}
	h.metrics.AddHubConnections(1)
	defer func() {
		h.metrics.AddHubConnections(-1)
		if h.rooms.disconnect(peer) {
			h.broadcast(h.rooms.everyone(peer), hub.TypeUserOffline, hub.UserPayload{UserID: user.ID})
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0

	for {
		var frame hub.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.New(apperrors.CodeValidation, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0
		h.metrics.ObserveHubFrame(frame.Type)

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "payload too large"))
			continue
		}

		if !limiter.Allow() {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		switch frame.Type {
		case hub.TypeSendMessage:
			h.handleSendFrame(user, peer, frame)
		case hub.TypeJoinChannel:
			h.handleChannelFrame(peer, frame, func(channelID string) error {
				if _, err := h.store.channel(user, channelID); err != nil {
					return err
				}
				h.rooms.join(channelID, peer)
				return nil
			})
		case hub.TypeLeaveChannel:
			h.handleChannelFrame(peer, frame, func(channelID string) error {
				h.rooms.leave(channelID, peer)
				return nil
			})
		case hub.TypeUpdateReadStatus:
			h.handleChannelFrame(peer, frame, func(channelID string) error {
				return h.store.markRead(user, channelID)
			})
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "unsupported frame type"))
		}
	}
}

func (h *hubServer) handleSendFrame(user chat.User, peer *wsPeer, frame hub.Frame) {
	var payload hub.SendMessagePayload
	if err := frame.Decode(&payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "invalid send payload"))
		return
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	if channelID == "" {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "channel_id is required"))
		return
	}
	if strings.TrimSpace(payload.ClientMessageID) == "" {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "client_message_id is required"))
		return
	}

	msg, duplicate, err := h.store.post(user, channelID, payload.Outbound())
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	_ = peer.writeFrame(hub.Frame{
		Type:      hub.TypeCompletion,
		RequestID: frame.RequestID,
		Payload:   mustJSON(hub.CompletionPayload{Message: &msg}),
	})
	if duplicate {
		return
	}
	h.broadcast(h.rooms.subscribers(channelID), hub.TypeNewMessage, hub.MessagePayload{Message: msg})
}

func (h *hubServer) handleChannelFrame(peer *wsPeer, frame hub.Frame, apply func(channelID string) error) {
	var payload hub.ChannelPayload
	if err := frame.Decode(&payload); err != nil || strings.TrimSpace(payload.ChannelID) == "" {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "channel_id is required"))
		return
	}
	if err := apply(strings.TrimSpace(payload.ChannelID)); err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	_ = peer.writeFrame(hub.Frame{
		Type:      hub.TypeCompletion,
		RequestID: frame.RequestID,
		Payload:   mustJSON(hub.CompletionPayload{}),
	})
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	wire := hub.NewWireError(err)
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		wire.Message = appErr.Message
	}
	return peer.writeFrame(hub.Frame{
		Type:      hub.TypeError,
		RequestID: requestID,
		Payload:   mustJSON(hub.ErrorPayload{Error: &wire}),
	})
}
