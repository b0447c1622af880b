package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pliu/relaychat/internal/auth"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/middleware"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 * 1024

	// Consecutive undecodable frames tolerated before the connection is dropped.
	maxDecodeErrors = 3

	sendBufferSize = 256
)

// Verifier checks a session token presented on the handshake.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Client is one authenticated websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames. Closed by the hub only.
	send chan []byte

	id     string
	userID string
	email  string

	// Rooms this connection belongs to. Owned by the hub goroutine.
	rooms map[string]struct{}

	limiter *rate.Limiter
	logger  logging.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity, limiter *rate.Limiter, logger logging.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		id:      id,
		userID:  identity.UserID,
		email:   identity.Email,
		rooms:   make(map[string]struct{}),
		limiter: limiter,
		logger:  logger.With("conn_id", id, "user_id", identity.UserID),
	}
}

// readPump pumps frames from the websocket connection to the hub. The
// connection itself is closed by writePump once the hub lets go of the client.
func (c *Client) readPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	decodeErrors := 0
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn(context.Background(), "websocket read failed", "err", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn(context.Background(), "frame rate exceeded")
			c.hub.Reply(c, errorFrame(CodeRateLimited, "rate limit exceeded"))
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			c.hub.Reply(c, errorFrame(CodeInvalidFrame, "invalid frame"))
			if decodeErrors >= maxDecodeErrors {
				c.logger.Warn(context.Background(), "too many invalid frames")
				return
			}
			continue
		}
		decodeErrors = 0

		c.handle(frame)
	}
}

// handle dispatches one decoded frame to the hub. Peer ids are not checked
// against the user directory, but an empty otherUserId is answered with an
// invalid_payload error frame and never reaches the hub.
func (c *Client) handle(frame Frame) {
	switch frame.Type {
	case TypeJoinChat:
		var p JoinChatPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.hub.Reply(c, errorFrame(CodeInvalidPayload, "invalid join_chat payload"))
			return
		}
		if p.OtherUserID == "" {
			c.hub.Reply(c, errorFrame(CodeInvalidPayload, "otherUserId is required"))
			return
		}
		c.hub.JoinChat(c, p.OtherUserID)

	case TypeSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.hub.Reply(c, errorFrame(CodeInvalidPayload, "invalid send_message payload"))
			return
		}
		if p.OtherUserID == "" {
			c.hub.Reply(c, errorFrame(CodeInvalidPayload, "otherUserId is required"))
			return
		}
		c.hub.SendMessage(c, p.OtherUserID, p.Text)

	default:
		c.hub.Reply(c, errorFrame(CodeUnsupported, "unsupported frame type"))
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Gateway authenticates websocket handshakes and hands connections to a Hub.
type Gateway struct {
	Hub      *Hub
	Verifier Verifier
	Logger   logging.Logger

	// AllowedOrigin is matched against the Origin header. Empty or "*"
	// accepts any origin.
	AllowedOrigin string

	// FrameRate and FrameBurst bound inbound frames per connection. A zero
	// FrameRate disables the limit.
	FrameRate  rate.Limit
	FrameBurst int
}

// ServeWs handles websocket requests from the peer. The credential is read
// from the token query parameter or a bearer Authorization header and checked
// before the upgrade.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	if token == "" {
		middleware.Unauthorized(w, "No token")
		return
	}
	identity, err := g.Verifier.Verify(token)
	if err != nil {
		middleware.Unauthorized(w, "Invalid token")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}

	var limiter *rate.Limiter
	if g.FrameRate > 0 {
		burst := g.FrameBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(g.FrameRate, burst)
	}

	client := newClient(g.Hub, conn, identity, limiter, g.Logger)
	if !g.Hub.Register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || g.AllowedOrigin == "" || g.AllowedOrigin == "*" {
		return true
	}
	return origin == g.AllowedOrigin
}
