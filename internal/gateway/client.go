package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Client is one WebSocket connection: a visitor tab or an authenticated
// agent/admin console. It implements agentreg.Handle so the Agent
// Registry can address it directly once agent_auth succeeds.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan *protocol.EventFrame

	mu             sync.Mutex
	rooms          map[string]bool
	agentID        string // set once agent_auth succeeds
	visitorSession string // set on visitor_join, feeds the live-visitors snapshot
	closed         bool
}

// NewClient wraps conn in a Client joined to no rooms yet.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan *protocol.EventFrame, sendBufferSize),
		rooms:  make(map[string]bool),
	}
}

// ID satisfies agentreg.Handle.
func (c *Client) ID() string { return c.id }

// Join adds room to the client's subscription set; events with a Room()
// matching it are then forwarded by the server's bus subscription.
func (c *Client) Join(room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *Client) setAgentID(agentID string) {
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
}

func (c *Client) getAgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Client) setVisitorSession(sessionID string) {
	c.mu.Lock()
	c.visitorSession = sessionID
	c.mu.Unlock()
}

func (c *Client) getVisitorSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visitorSession
}

// SendEvent satisfies agentreg.Handle and is also used by the server's
// bus subscription. Never blocks indefinitely: with a full send buffer the
// frame is dropped and errSendBufferFull returned rather than stalling a
// broadcast; the client itself stays connected.
// The closed check and the channel send share the mutex so a concurrent
// Close cannot close the channel between them.
func (c *Client) SendEvent(name string, payload interface{}) error {
	frame := protocol.NewEvent(name, payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		slog.Warn("gateway.client_send_buffer_full", "clientId", c.id, "event", name)
		return errSendBufferFull
	}
}

// Close satisfies agentreg.Handle. reason is logged, not sent to the peer
// (the caller, e.g. Registry.Bind, already sent an agent_superseded event
// before calling Close).
func (c *Client) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	slog.Info("gateway.client_closed", "clientId", c.id, "reason", reason)
	close(c.send)
	_ = c.conn.Close()
}

// Run drives the client's read and write pumps until the connection ends.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(ctx)
	<-done
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("gateway.read_error", "clientId", c.id, "error", err)
			}
			return
		}

		var frame protocol.EventFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = c.SendEvent(protocol.EventSessionError, map[string]string{"error": "malformed frame"})
			continue
		}

		c.server.router.Dispatch(ctx, c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Warn("gateway.write_error", "clientId", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// busHandler returns the bus.EventHandler the server subscribes on this
// client's behalf: internal cache events never reach the socket, and
// room-targeted payloads are dropped unless the client has joined that
// room.
func (c *Client) busHandler() bus.EventHandler {
	return func(event bus.Event) {
		if event.Name == protocol.EventCacheInvalidate {
			return
		}
		if targeted, ok := event.Payload.(bus.Targeted); ok {
			if !c.inRoom(targeted.Room()) {
				return
			}
		}
		_ = c.SendEvent(event.Name, event.Payload)
	}
}
