package hub

import "github.com/louisbranch/switchboard/internal/chat"

// EventHandler receives hub events. Methods run on the connection's read
// loop, one at a time and in hub emission order; they must not call
// Manager.Disconnect.
type EventHandler interface {
	OnNewMessage(chat.Message)
	OnMessageUpdated(chat.Message)
	OnMessageDeleted(channelID, messageID string)
	OnChannelArchived(channelID string)
	OnPresence(userID string, online bool)
	OnHubError(reason string)
	// OnReconnected runs after a dropped link is re-established and the
	// listed channels were rejoined.
	OnReconnected(channelIDs []string)
}

// HandlerFuncs adapts optional functions to EventHandler. Nil fields are
// ignored.
type HandlerFuncs struct {
	NewMessage      func(chat.Message)
	MessageUpdated  func(chat.Message)
	MessageDeleted  func(channelID, messageID string)
	ChannelArchived func(channelID string)
	Presence        func(userID string, online bool)
	HubError        func(reason string)
	Reconnected     func(channelIDs []string)
}

func (h HandlerFuncs) OnNewMessage(msg chat.Message) {
	if h.NewMessage != nil {
		h.NewMessage(msg)
	}
}

func (h HandlerFuncs) OnMessageUpdated(msg chat.Message) {
	if h.MessageUpdated != nil {
		h.MessageUpdated(msg)
	}
}

func (h HandlerFuncs) OnMessageDeleted(channelID, messageID string) {
	if h.MessageDeleted != nil {
		h.MessageDeleted(channelID, messageID)
	}
}

func (h HandlerFuncs) OnChannelArchived(channelID string) {
	if h.ChannelArchived != nil {
		h.ChannelArchived(channelID)
	}
}

func (h HandlerFuncs) OnPresence(userID string, online bool) {
	if h.Presence != nil {
		h.Presence(userID, online)
	}
}

func (h HandlerFuncs) OnHubError(reason string) {
	if h.HubError != nil {
		h.HubError(reason)
	}
}

func (h HandlerFuncs) OnReconnected(channelIDs []string) {
	if h.Reconnected != nil {
		h.Reconnected(channelIDs)
	}
}
