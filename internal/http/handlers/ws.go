package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"forge3d/internal/infra"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 4 << 10
)

var (
	errSocketClosed = errors.New("socket closed")
	errSocketSlow   = errors.New("socket send buffer full")
)


// wsConn adapts a websocket to broadcast.Conn. Sends are queued and written
// by a single goroutine; a full queue drops the event.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger infra.Logger
}

func newWSConn(conn *websocket.Conn, logger infra.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errSocketClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errSocketClosed
	default:
		return errSocketSlow
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("ws: write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and returns when the peer goes away or
// stops answering pings.
func (c *wsConn) readLoop(ping time.Duration) {
	defer c.close()
	wait := 2 * ping
	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	}
}

// Subscribe handles GET /v1/channels/{channel_id}/ws. The socket receives
// every message_update for the channel until either side closes it.
func (a *App) Subscribe(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel_id")
	if channelID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "channel_id required")
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// nil falls back to a same-host check.
		CheckOrigin: a.CheckOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		a.Logger.Debug().Err(err).Str("channel_id", channelID).Msg("ws: upgrade failed")
		return
	}

	ping := a.WSPingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	log := a.Logger.With().Str("channel_id", channelID).Str("user_id", a.currentUserID(r)).Logger()
	conn := newWSConn(ws, log)
	a.Registry.Subscribe(channelID, conn)
	log.Debug().Int("subscribers", a.Registry.Subscribers(channelID)).Msg("ws: subscribed")

	go conn.writeLoop(ping)
	conn.readLoop(ping)

	a.Registry.Unsubscribe(channelID, conn)
	log.Debug().Msg("ws: unsubscribed")
}
