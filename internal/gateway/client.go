package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawd-io/clawd/pkg/protocol"
)

// sendQueueDepth bounds per-client outbound buffering; a client that can't
// keep up has each new event dropped while its buffer is full, rather than
// blocking the broadcaster, mirroring the original's tokio broadcast-channel lag
// handling (a slow client skips events, it is never the reason a healthy
// client stalls).
const sendQueueDepth = 64

// Client is one authenticated WebSocket connection: a client-supplied RPC
// stream in one direction, broadcast events fanned out in the other.
type Client struct {
	id   string
	conn *websocket.Conn
	ip   net.IP

	authenticated bool
	token         string

	rpcLimiter *RpcRateLimiter
	send       chan []byte
	log        *slog.Logger

	server *Server
}

// NewClient wraps conn for server.
func NewClient(conn *websocket.Conn, server *Server, ip net.IP) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		ip:     ip,
		send:   make(chan []byte, sendQueueDepth),
		log:    server.log,
		server: server,
	}
}

// SendEvent enqueues a broadcast event frame for delivery, dropping it
// (with a warning) if the client's send buffer is full rather than
// blocking the broadcaster.
func (c *Client) SendEvent(frame protocol.EventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal event frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full — dropping event", "client", c.id, "event", frame.Event)
	}
}

// Run drives the client's read and write pumps until the connection closes
// or ctx is cancelled. It blocks until the connection ends.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(ctx)
	close(done)
}

func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		resp := c.server.dispatch(ctx, c, data)
		if resp == nil {
			continue
		}
		select {
		case c.send <- resp:
		default:
			c.log.Warn("client send buffer full — dropping RPC response", "client", c.id)
		}
	}
}

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Close closes the underlying connection and send channel.
func (c *Client) Close() {
	close(c.send)
	c.conn.Close()
}
