package api

import "github.com/louisbranch/switchboard/internal/chat"

// MessageInput is the JSON body for creating a message. The hub's
// SendMessage invocation carries the same fields.
type MessageInput struct {
	Body            string              `json:"body"`
	FileURL         string              `json:"file_url,omitempty"`
	FileType        string              `json:"file_type,omitempty"`
	FileSize        int64               `json:"file_size,omitempty"`
	ClientMessageID string              `json:"client_message_id,omitempty"`
	Payload         *chat.SystemPayload `json:"payload,omitempty"`
}

// NewMessageInput flattens an outbound message into its wire form.
func NewMessageInput(msg chat.OutboundMessage) MessageInput {
	input := MessageInput{
		Body:            msg.Body,
		ClientMessageID: msg.ClientMessageID,
		Payload:         msg.Payload.Clone(),
	}
	if msg.Attachment != nil {
		input.FileURL = msg.Attachment.URL
		input.FileType = msg.Attachment.Type
		input.FileSize = msg.Attachment.Size
	}
	return input
}

// Outbound converts the wire form back into an outbound message.
func (in MessageInput) Outbound() chat.OutboundMessage {
	msg := chat.OutboundMessage{
		ClientMessageID: in.ClientMessageID,
		Draft: chat.Draft{
			Body:    in.Body,
			Payload: in.Payload.Clone(),
		},
	}
	if in.FileURL != "" || in.FileType != "" || in.FileSize != 0 {
		msg.Attachment = &chat.Attachment{URL: in.FileURL, Type: in.FileType, Size: in.FileSize}
	}
	return msg
}

// UpdateMessageInput is the JSON body for editing a message.
type UpdateMessageInput struct {
	Body string `json:"body"`
}

// AddMemberInput is the JSON body for adding a channel member.
type AddMemberInput struct {
	UserID string `json:"user_id"`
}

// ChannelsResponse wraps a channel list.
type ChannelsResponse struct {
	Channels []chat.Channel `json:"channels"`
}

// ChannelResponse wraps a single channel.
type ChannelResponse struct {
	Channel chat.Channel `json:"channel"`
}

// MembersResponse wraps a member list.
type MembersResponse struct {
	Members []chat.Member `json:"members"`
}

// MessagesResponse wraps a message list.
type MessagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message chat.Message `json:"message"`
}

// ErrorBody is the payload of a non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Page selects a window of channel history, newest first.
type Page struct {
	Limit  int
	Offset int
}

// SearchQuery filters message search.
type SearchQuery struct {
	Query     string
	ChannelID string
	Limit     int
}
