package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/fleet"
)

const (
	// frameTimeout bounds the store writes triggered by one device frame.
	frameTimeout = 10 * time.Second

	// sessionCloseTimeout bounds the disconnect transition of one session.
	sessionCloseTimeout = 5 * time.Second
)

var (
	errConnClosed     = errors.New("websocket connection closed")
	errSendBufferFull = errors.New("websocket send buffer full")
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// wsConn is one upgraded socket with a buffered outbound queue drained by
// writePump. It serves as a fleet.Channel for devices and a fleet.Observer
// for dashboards.
type wsConn struct {
	conn *websocket.Conn
	kind string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newWSConn(conn *websocket.Conn, kind string, buffer int) *wsConn {
	return &wsConn{
		conn: conn,
		kind: kind,
		send: make(chan []byte, buffer),
	}
}

// Send queues frame without blocking. A full buffer is a transport
// failure; the caller closes the channel.
func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Deliver implements fleet.Observer. Slow observers miss frames.
func (c *wsConn) Deliver(frame []byte) bool {
	return c.Send(frame) == nil
}

// Close stops the outbound queue. writePump then sends a close frame and
// closes the socket, which ends readPump. Safe to call more than once.
func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) track(c *wsConn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// closeSockets closes every live device and observer socket.
func (s *Server) closeSockets() {
	s.connsMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// handleDeviceSocket upgrades a device agent connection and hands it to a
// new fleet session.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("device websocket upgrade failed", "error", err)
		return
	}

	c := newWSConn(conn, "device", s.wsCfg.SendBuffer)
	session := s.core.NewSession(c)
	s.track(c)
	s.logger.Debug("device socket connected", "session_id", session.ID(), "remote_addr", r.RemoteAddr)

	s.pumps.Add(2)
	go s.writePump(c)
	go s.deviceReadPump(c, session)
}

// handleObserverSocket upgrades a dashboard connection and subscribes it to
// real-time updates. When operator auth is enabled the token comes from
// the token query parameter or the Authorization header.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	if s.authEnabled() {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = bearerToken(r)
		}
		if token == "" {
			writeUnauthorized(w, "token query parameter is required")
			return
		}
		claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		if !auth.HasPermission(claims.Role, auth.PermEventsObserve) {
			writeForbidden(w, "insufficient permissions")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("observer websocket upgrade failed", "error", err)
		return
	}

	c := newWSConn(conn, "observer", s.wsCfg.SendBuffer)
	s.track(c)
	s.core.AddObserver(c)

	s.pumps.Add(2)
	go s.writePump(c)
	go s.observerReadPump(c)
}

// prepareRead applies the read limit and the ping/pong liveness deadline.
func (s *Server) prepareRead(c *wsConn) time.Duration {
	c.conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	wait := time.Duration(s.wsCfg.PingInterval+s.wsCfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	return wait
}

// deviceReadPump feeds inbound frames to the session in order and closes
// it when the socket ends.
func (s *Server) deviceReadPump(c *wsConn, session *fleet.Session) {
	defer s.pumps.Done()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		session.Close(ctx)
		cancel()

		s.untrack(c)
		c.Close()
		c.conn.Close()
	}()

	wait := s.prepareRead(c)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			s.logReadError(c, err, "device_id", session.DeviceID())
			return
		}
		// Any frame proves liveness, even without protocol-level pongs.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wait))

		ctx, cancel := context.WithTimeout(s.ctx, frameTimeout)
		err = session.HandleFrame(ctx, message)
		cancel()
		if errors.Is(err, fleet.ErrSessionClosed) {
			return
		}
		if err != nil {
			s.logger.Debug("device frame rejected",
				"session_id", session.ID(),
				"device_id", session.DeviceID(),
				"error", err,
			)
		}
	}
}

// observerReadPump discards inbound frames; it exists to service pongs and
// detect the close.
func (s *Server) observerReadPump(c *wsConn) {
	defer s.pumps.Done()
	defer func() {
		s.core.RemoveObserver(c)
		s.untrack(c)
		c.Close()
		c.conn.Close()
	}()

	wait := s.prepareRead(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.logReadError(c, err)
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wait))
	}
}

func (s *Server) logReadError(c *wsConn, err error, args ...any) {
	args = append(args, "kind", c.kind, "error", err)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		s.logger.Warn("websocket read error", args...)
		return
	}
	s.logger.Debug("websocket closed", args...)
}

// writePump writes queued frames and pings to the socket.
func (s *Server) writePump(c *wsConn) {
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	writeWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		s.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
