package chat

import "fmt"

// DeliveryStatus tracks an outbound message from echo to read receipt.
type DeliveryStatus int

const (
	// StatusUnspecified is the zero value for messages without tracking.
	StatusUnspecified DeliveryStatus = iota
	// StatusSending is an optimistic echo awaiting confirmation.
	StatusSending
	// StatusSent is a message the server accepted.
	StatusSent
	// StatusDelivered is a message fanned out to recipients.
	StatusDelivered
	// StatusRead is a message a recipient has read.
	StatusRead
	// StatusFailed is a terminal send failure.
	StatusFailed
)

var statusNames = map[DeliveryStatus]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

// String returns the wire name of the status.
func (s DeliveryStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unspecified"
}

// Confirmed reports whether the server has accepted the message.
func (s DeliveryStatus) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// Advance returns the status after observing next.
//
// Progress along Sending, Sent, Delivered, Read never regresses. Failed is
// reachable only from Sending (or an untracked message), and a confirmed
// status from the server supersedes Failed.
func (s DeliveryStatus) Advance(next DeliveryStatus) DeliveryStatus {
	switch {
	case next == StatusFailed:
		if s == StatusSending || s == StatusUnspecified {
			return StatusFailed
		}
		return s
	case s == StatusFailed:
		if next.Confirmed() {
			return next
		}
		return s
	case next > s && next <= StatusRead:
		return next
	default:
		return s
	}
}

// MarshalText encodes the status by name.
func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name; unknown names decode to StatusUnspecified.
func (s *DeliveryStatus) UnmarshalText(text []byte) error {
	if s == nil {
		return fmt.Errorf("chat: unmarshal status into nil")
	}
	*s = StatusUnspecified
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			break
		}
	}
	return nil
}
