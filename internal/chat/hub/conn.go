package hub

import (
	"encoding/json"
	"sync"

	"golang.org/x/net/websocket"
)

// connection is one live websocket link and its in-flight invocations.
type connection struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	encoder *json.Encoder

	mu      sync.Mutex
	pending map[string]chan Frame

	// done closes when the read loop has exited.
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:      ws,
		encoder: json.NewEncoder(ws),
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
}

func (c *connection) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(frame)
}

func (c *connection) expect(requestID string) chan Frame {
	reply := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[requestID] = reply
	c.mu.Unlock()
	return reply
}

func (c *connection) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// resolve hands a reply frame to its waiting invocation.
func (c *connection) resolve(frame Frame) bool {
	c.mu.Lock()
	reply, ok := c.pending[frame.RequestID]
	delete(c.pending, frame.RequestID)
	c.mu.Unlock()
	if ok {
		reply <- frame
	}
	return ok
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}
