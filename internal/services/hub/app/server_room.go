package server

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/louisbranch/switchboard/internal/chat/hub"
)

type wsPeer struct {
	userID string

	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(userID string, encoder *json.Encoder) *wsPeer {
	return &wsPeer{userID: userID, encoder: encoder}
}

func (p *wsPeer) writeFrame(frame hub.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// roomHub tracks live connections, the channels each has joined, and how
// many connections every user holds.
type roomHub struct {
	mu     sync.Mutex
	rooms  map[string]map[*wsPeer]struct{}
	peers  map[*wsPeer]struct{}
	online map[string]int
}

func newRoomHub() *roomHub {
	return &roomHub{
		rooms:  make(map[string]map[*wsPeer]struct{}),
		peers:  make(map[*wsPeer]struct{}),
		online: make(map[string]int),
	}
}

// connect registers peer and reports whether it is its user's first
// connection.
func (h *roomHub) connect(peer *wsPeer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[peer] = struct{}{}
	h.online[peer.userID]++
	return h.online[peer.userID] == 1
}

// disconnect drops peer from every room and reports whether its user has no
// connection left.
func (h *roomHub) disconnect(peer *wsPeer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[peer]; !ok {
		return false
	}
	delete(h.peers, peer)
	for channelID, subscribers := range h.rooms {
		delete(subscribers, peer)
		if len(subscribers) == 0 {
			delete(h.rooms, channelID)
		}
	}
	h.online[peer.userID]--
	if h.online[peer.userID] > 0 {
		return false
	}
	delete(h.online, peer.userID)
	return true
}

func (h *roomHub) join(channelID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.rooms[channelID]
	if !ok {
		subscribers = make(map[*wsPeer]struct{})
		h.rooms[channelID] = subscribers
	}
	subscribers[peer] = struct{}{}
}

func (h *roomHub) leave(channelID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.rooms[channelID]
	if !ok {
		return
	}
	delete(subscribers, peer)
	if len(subscribers) == 0 {
		delete(h.rooms, channelID)
	}
}

// onlineUsers lists users holding at least one connection, except userID.
func (h *roomHub) onlineUsers(except string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.online))
	for userID := range h.online {
		if userID != except {
			out = append(out, userID)
		}
	}
	slices.Sort(out)
	return out
}

func (h *roomHub) subscribers(channelID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsPeer, 0, len(h.rooms[channelID]))
	for peer := range h.rooms[channelID] {
		out = append(out, peer)
	}
	return out
}

func (h *roomHub) everyone(except *wsPeer) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsPeer, 0, len(h.peers))
	for peer := range h.peers {
		if peer != except {
			out = append(out, peer)
		}
	}
	return out
}
