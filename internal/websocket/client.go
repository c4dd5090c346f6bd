package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tullo/livecore/config"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
	"golang.org/x/time/rate"
)

const sendBuffer = 256

// Dispatcher handles one decoded inbound message. It is called from the
// connection's read loop, so messages of one connection are handled in
// the order they arrived.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Client, msg models.WSInbound)
}

// Client represents a WebSocket client
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	info        models.ConnInfo
	connectedAt time.Time

	router  Dispatcher
	limiter *rate.Limiter
	cfg     config.WebSocketConfig
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, info models.ConnInfo, router Dispatcher, cfg config.WebSocketConfig) *Client {
	perSec := cfg.MessagesPerSec
	if perSec <= 0 {
		perSec = 20
	}
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		info:        info,
		connectedAt: time.Now(),
		router:      router,
		limiter:     rate.NewLimiter(rate.Limit(perSec), perSec),
		cfg:         cfg,
	}
}

// Info returns who is behind the connection.
func (c *Client) Info() models.ConnInfo {
	return c.info
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.info.ID
}

// ReadPump reads messages from the WebSocket connection and dispatches them
// one at a time.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	log := logger.Ctx(ctx).With().Str(logger.FieldConnID, c.info.ID).Logger()
	if !c.info.IsGuest() {
		log = log.With().Str(logger.FieldUserID, c.info.UserID.String()).Logger()
	}
	ctx = logger.WithLogger(ctx, log)

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", models.ErrRateLimited)
			continue
		}

		var in models.WSInbound
		if err := json.Unmarshal(message, &in); err != nil || in.Event == "" {
			c.sendError("", fmt.Errorf("%w: invalid message format", models.ErrInvalidMessage))
			continue
		}
		c.router.Dispatch(ctx, c, in)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError answers the client directly. The hub owns c.send, so this goes
// through it like any other message.
func (c *Client) sendError(event string, err error) {
	c.hub.SendToConn(context.Background(), c.info.ID, errorMessage(event, err))
}

func errorMessage(event string, err error) models.WSMessage {
	code := models.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return models.WSMessage{
		Event: models.EventError,
		Payload: models.WSErrorPayload{
			Event:   event,
			Message: msg,
			Code:    code,
		},
	}
}
