package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/api"
	"github.com/louisbranch/switchboard/internal/chat/hub"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// TokenRequest asks the dev hub to issue a token for a seeded user.
type TokenRequest struct {
	UserID string `json:"user_id"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user chat.User)

func (h *hubServer) apiRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/channels", h.authed(h.listChannels))
	mux.HandleFunc("POST /api/channels", h.authed(h.createChannel))
	mux.HandleFunc("GET /api/channels/{id}", h.authed(h.getChannel))
	mux.HandleFunc("POST /api/channels/{id}/archive", h.authed(h.archiveChannel))
	mux.HandleFunc("GET /api/channels/{id}/members", h.authed(h.listMembers))
	mux.HandleFunc("POST /api/channels/{id}/members", h.authed(h.addMember))
	mux.HandleFunc("DELETE /api/channels/{id}/members/{userID}", h.authed(h.removeMember))
	mux.HandleFunc("GET /api/channels/{id}/messages", h.authed(h.listMessages))
	mux.HandleFunc("POST /api/channels/{id}/messages", h.authed(h.createMessage))
	mux.HandleFunc("POST /api/channels/{id}/read", h.authed(h.markRead))
	mux.HandleFunc("GET /api/messages/search", h.authed(h.searchMessages))
	mux.HandleFunc("PUT /api/messages/{id}", h.authed(h.updateMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", h.authed(h.deleteMessage))
	mux.HandleFunc("POST /dev/token", h.issueToken)
}

func (h *hubServer) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, apperrors.New(apperrors.CodeNotAuthenticated, "authentication required"))
			return
		}
		identity, err := h.authority.Authenticate(token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, h.store.user(identity))
	}
}

func (h *hubServer) listChannels(w http.ResponseWriter, _ *http.Request, user chat.User) {
	writeJSON(w, http.StatusOK, api.ChannelsResponse{Channels: h.store.visibleChannels(user)})
}

func (h *hubServer) getChannel(w http.ResponseWriter, r *http.Request, user chat.User) {
	channel, err := h.store.channel(user, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ChannelResponse{Channel: channel})
}

func (h *hubServer) createChannel(w http.ResponseWriter, r *http.Request, user chat.User) {
	var in chat.Channel
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	channel, err := h.store.createChannel(user, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.ChannelResponse{Channel: channel})
}

func (h *hubServer) archiveChannel(w http.ResponseWriter, r *http.Request, user chat.User) {
	channelID := r.PathValue("id")
	channel, changed, err := h.store.archiveChannel(user, channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if changed {
		h.broadcast(h.rooms.subscribers(channelID), hub.TypeChannelArchived, hub.ChannelPayload{ChannelID: channelID})
	}
	writeJSON(w, http.StatusOK, api.ChannelResponse{Channel: channel})
}

func (h *hubServer) listMembers(w http.ResponseWriter, r *http.Request, user chat.User) {
	members, err := h.store.members(user, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MembersResponse{Members: members})
}

func (h *hubServer) addMember(w http.ResponseWriter, r *http.Request, user chat.User) {
	var in api.AddMemberInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.addMember(user, r.PathValue("id"), strings.TrimSpace(in.UserID)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hubServer) removeMember(w http.ResponseWriter, r *http.Request, user chat.User) {
	if err := h.store.removeMember(user, r.PathValue("id"), r.PathValue("userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hubServer) listMessages(w http.ResponseWriter, r *http.Request, user chat.User) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.store.history(user, r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MessagesResponse{Messages: msgs})
}

func (h *hubServer) createMessage(w http.ResponseWriter, r *http.Request, user chat.User) {
	var in api.MessageInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	channelID := r.PathValue("id")
	msg, duplicate, err := h.store.post(user, channelID, in.Outbound())
	if err != nil {
		writeError(w, err)
		return
	}
	if !duplicate {
		h.broadcast(h.rooms.subscribers(channelID), hub.TypeNewMessage, hub.MessagePayload{Message: msg})
	}
	writeJSON(w, http.StatusCreated, api.MessageResponse{Message: msg})
}

func (h *hubServer) markRead(w http.ResponseWriter, r *http.Request, user chat.User) {
	if err := h.store.markRead(user, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hubServer) updateMessage(w http.ResponseWriter, r *http.Request, user chat.User) {
	var in api.UpdateMessageInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	msg, err := h.store.updateMessage(user, r.PathValue("id"), in.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	h.broadcast(h.rooms.subscribers(msg.ChannelID), hub.TypeMessageUpdated, hub.MessagePayload{Message: msg})
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: msg})
}

func (h *hubServer) deleteMessage(w http.ResponseWriter, r *http.Request, user chat.User) {
	msg, err := h.store.deleteMessage(user, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.broadcast(h.rooms.subscribers(msg.ChannelID), hub.TypeMessageDeleted, hub.MessageDeletedPayload{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *hubServer) searchMessages(w http.ResponseWriter, r *http.Request, user chat.User) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	msgs, err := h.store.search(user, query.Get("q"), strings.TrimSpace(query.Get("channel_id")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MessagesResponse{Messages: msgs})
}

// issueToken signs a token for a user known to the seed.
func (h *hubServer) issueToken(w http.ResponseWriter, r *http.Request) {
	var in TokenRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	h.store.mu.Lock()
	user, ok := h.store.users[strings.TrimSpace(in.UserID)]
	h.store.mu.Unlock()
	if !ok {
		writeError(w, apperrors.WithMetadata(apperrors.CodeNotFound, "user not found", map[string]string{"UserID": in.UserID}))
		return
	}
	token, err := h.authority.Issue(user, 0)
	if err != nil {
		h.logger.Error("issue token", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperrors.WithMetadata(apperrors.CodeValidation, name+" must be a non-negative integer", map[string]string{
			"Param": name,
		})
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, code.HTTPStatus(), api.ErrorResponse{Error: api.ErrorBody{Code: string(code), Message: message}})
}
