package ws

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"

	"github.com/helpinghands/assist-chat/internal/auth"
)

const sendBuffer = 256

// Conn is the subset of *websocket.Conn the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one authenticated socket.
type Client struct {
	ID       string
	Identity auth.Identity
	Send     chan []byte

	conn    Conn
	limiter *rate.Limiter
}

func newClient(id string, identity auth.Identity, conn Conn, limiter *rate.Limiter) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		Send:     make(chan []byte, sendBuffer),
		conn:     conn,
		limiter:  limiter,
	}
}

func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (g *Gateway) readPump(c *Client) {
	defer func() {
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(g.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debugw("read error", "conn_id", c.ID, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		// in-flight sends finish even if the socket drops
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.EventTimeout)
		g.HandleEvent(ctx, c, data)
		cancel()
	}
}

func (g *Gateway) writePump(c *Client) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				g.log.Warnw("write msg error", "conn_id", c.ID, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
