package hub

import (
	"encoding/json"
	"fmt"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/api"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// Invocation frame types sent by clients.
const (
	TypeSendMessage      = "SendMessage"
	TypeJoinChannel      = "JoinChannel"
	TypeLeaveChannel     = "LeaveChannel"
	TypeUpdateReadStatus = "UpdateReadStatus"
)

// Reply frame types carrying the invocation's request id.
const (
	TypeCompletion = "Completion"
	TypeError      = "Error"
)

// Event frame types pushed by the hub.
const (
	TypeNewMessage      = "NewMessage"
	TypeMessageUpdated  = "MessageUpdated"
	TypeMessageDeleted  = "MessageDeleted"
	TypeChannelArchived = "ChannelArchived"
	TypeUserOnline      = "UserOnline"
	TypeUserOffline     = "UserOffline"
)

// Frame is the envelope of every websocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SendMessagePayload is the SendMessage invocation body.
type SendMessagePayload struct {
	ChannelID string `json:"channel_id"`
	api.MessageInput
}

// ChannelPayload addresses a channel; used by JoinChannel, LeaveChannel,
// UpdateReadStatus and ChannelArchived.
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

// CompletionPayload is the successful reply to an invocation.
type CompletionPayload struct {
	Message *chat.Message `json:"message,omitempty"`
}

// ErrorPayload is either an invocation failure (Error set) or an
// unsolicited hub error (Reason set).
type ErrorPayload struct {
	Error  *WireError `json:"error,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// WireError is a structured invocation failure.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Err converts the wire error to a domain error.
func (e WireError) Err() *apperrors.Error {
	return apperrors.WithMetadata(apperrors.ParseCode(e.Code), "hub: "+e.Message, map[string]string{
		"WireCode":  e.Code,
		"Retryable": fmt.Sprint(e.Retryable),
	})
}

// NewWireError builds the wire form of err.
func NewWireError(err error) WireError {
	code := apperrors.CodeOf(err)
	return WireError{Code: string(code), Message: err.Error(), Retryable: code.Retryable()}
}

// MessagePayload carries a message for NewMessage and MessageUpdated.
type MessagePayload struct {
	Message chat.Message `json:"message"`
}

// MessageDeletedPayload identifies a deleted message.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

// UserPayload identifies a user for presence events.
type UserPayload struct {
	UserID string `json:"user_id"`
}

// NewFrame encodes payload into a frame.
func NewFrame(frameType, requestID string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return frame, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("hub: encode %s payload: %w", frameType, err)
	}
	frame.Payload = encoded
	return frame, nil
}

// Decode unmarshals the frame payload into out.
func (f Frame) Decode(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("hub: %s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("hub: decode %s payload: %w", f.Type, err)
	}
	return nil
}
