package policy

import (
	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

var (
	// ErrNotAuthor indicates an edit or delete of someone else's message.
	ErrNotAuthor = apperrors.New(apperrors.CodePermissionDenied, "only the author may change this message")
	// ErrMessageDeleted indicates an edit of a deleted message.
	ErrMessageDeleted = apperrors.New(apperrors.CodeValidation, "message is deleted")
	// ErrChannelArchived indicates a change inside an archived channel.
	ErrChannelArchived = apperrors.New(apperrors.CodePermissionDenied, "channel is archived")
)

// CheckEdit allows authors to edit their own live messages.
func CheckEdit(user chat.User, channel chat.Channel, message chat.Message) error {
	if channel.Archived {
		return ErrChannelArchived
	}
	if message.Deleted {
		return ErrMessageDeleted
	}
	if user.ID == "" || message.SenderID != user.ID {
		return ErrNotAuthor
	}
	return nil
}

// CheckDelete allows authors to delete their own messages and admins to
// delete any message.
func CheckDelete(user chat.User, channel chat.Channel, message chat.Message) error {
	if channel.Archived {
		return ErrChannelArchived
	}
	if user.Role == chat.RoleAdmin {
		return nil
	}
	if user.ID == "" || message.SenderID != user.ID {
		return ErrNotAuthor
	}
	return nil
}
