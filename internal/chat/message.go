package chat

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

var (
	// ErrEmptyMessage indicates a draft with neither body nor attachment.
	ErrEmptyMessage = apperrors.New(apperrors.CodeValidation, "message body or attachment is required")
	// ErrAttachmentURLRequired indicates an attachment without a location.
	ErrAttachmentURLRequired = apperrors.New(apperrors.CodeValidation, "attachment url is required")
	// ErrAttachmentSize indicates a negative attachment size.
	ErrAttachmentSize = apperrors.New(apperrors.CodeValidation, "attachment size must not be negative")
	// ErrPayloadTypeRequired indicates a system payload without a type.
	ErrPayloadTypeRequired = apperrors.New(apperrors.CodeValidation, "system payload type is required")
)

// Attachment describes a file shared with a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is a single channel message.
type Message struct {
	ID              string         `json:"id"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
	ChannelID       string         `json:"channel_id"`
	SenderID        string         `json:"sender_id"`
	Body            string         `json:"body"`
	Edited          bool           `json:"edited,omitempty"`
	Deleted         bool           `json:"deleted,omitempty"`
	Attachment      *Attachment    `json:"attachment,omitempty"`
	Payload         *SystemPayload `json:"payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at,omitzero"`
	UpdatedAt       time.Time      `json:"updated_at,omitzero"`
	Status          DeliveryStatus `json:"status,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		attachment := *m.Attachment
		out.Attachment = &attachment
	}
	out.Payload = m.Payload.Clone()
	return out
}

// SameAs reports whether m and other describe the same logical message,
// matching by server id or by client correlation id.
func (m Message) SameAs(other Message) bool {
	if m.ID != "" && m.ID == other.ID {
		return true
	}
	return m.ClientMessageID != "" && m.ClientMessageID == other.ClientMessageID
}

// Draft is an outbound message being composed.
type Draft struct {
	Body       string
	Attachment *Attachment
	Payload    *SystemPayload
}

// Validate rejects drafts that cannot be sent.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Body) == "" && d.Attachment == nil {
		return ErrEmptyMessage
	}
	if d.Attachment != nil {
		if strings.TrimSpace(d.Attachment.URL) == "" {
			return ErrAttachmentURLRequired
		}
		if d.Attachment.Size < 0 {
			return ErrAttachmentSize
		}
	}
	if d.Payload != nil && strings.TrimSpace(d.Payload.Type) == "" {
		return ErrPayloadTypeRequired
	}
	return nil
}

// OutboundMessage is a draft tagged with its client correlation id.
type OutboundMessage struct {
	ClientMessageID string
	Draft
}
