package server

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/redditagent/bridge/internal/errors"
	"github.com/redditagent/bridge/internal/metrics"
)

var errConnClosed = errors.New("connection closed")

// conn is one extension socket. It implements auth.Peer.
type conn struct {
	id         string
	server     *Server
	ws         *websocket.Conn
	remoteAddr string
	limiter    *rate.Limiter

	send chan []byte
	done chan struct{}
	open atomic.Bool

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	closeMetric metrics.CloseReason

	// Guarded by server.mu.
	authed     bool
	deviceID   string
	deviceName string
}

func newConn(s *Server, ws *websocket.Conn, remoteAddr string) *conn {
	c := &conn{
		id:         uuid.NewString(),
		server:     s,
		ws:         ws,
		remoteAddr: remoteAddr,
		limiter:    rate.NewLimiter(s.opts.InboundRate, s.opts.InboundBurst),
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

// ID identifies the connection in logs.
func (c *conn) ID() string { return c.id }

// Open reports whether the connection still accepts frames.
func (c *conn) Open() bool { return c.open.Load() }

// closeWith closes the socket with a close frame. Only the first call wins;
// later calls keep the original code and reason.
func (c *conn) closeWith(code int, reason string, why metrics.CloseReason) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = truncateReason(reason)
		c.closeMetric = why
		c.open.Store(false)
		close(c.done)
	})
}

// violation closes the socket for a malformed or unexpected frame.
func (c *conn) violation(err error) {
	detail := apperrors.GetMessage(err)
	c.server.log.Warnf("bridge: protocol violation from %s (%s): %s", c.remoteAddr, c.id, detail)
	c.closeWith(websocket.CloseProtocolError, "protocol violation: "+detail, metrics.CloseReasonProtocolViolation)
}

// sendJSON queues a frame. A full buffer means the peer stopped reading;
// the connection is dropped rather than blocking the caller.
func (c *conn) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !c.Open() {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.server.log.Warnf("bridge: send buffer full for %s, closing", c.id)
		c.closeWith(websocket.CloseTryAgainLater, "send buffer full", metrics.CloseReasonWriteError)
		return errConnClosed
	}
}

// writePump sends queued frames and periodic pings until the connection closes.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			// Drain frames queued before the close so a final pairing_approved
			// or identified still reaches the peer.
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.log.Debugf("bridge: write error on %s: %v", c.id, err)
				c.closeWith(websocket.CloseAbnormalClosure, "", metrics.CloseReasonWriteError)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "", metrics.CloseReasonWriteError)
				return
			}
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump reads frames in arrival order and dispatches them. It owns the
// connection's cleanup.
func (c *conn) readPump() {
	defer func() {
		c.closeWith(websocket.CloseNormalClosure, "", metrics.CloseReasonPeerClosed)
		c.server.release(c)
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.server.log.Debugf("bridge: read error on %s: %v", c.id, err)
			}
			return
		}
		if !c.Open() {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.server.log.Warnf("bridge: %s exceeded the inbound frame rate, closing", c.remoteAddr)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded", metrics.CloseReasonPolicyDenied)
			return
		}

		if msgType != websocket.TextMessage {
			c.violation(apperrors.ProtocolViolation("binary frames are not accepted"))
			return
		}

		frame, err := decodeInbound(data)
		if err != nil {
			c.violation(err)
			return
		}
		if err := c.server.handleFrame(c, frame); err != nil {
			if apperrors.IsCode(err, apperrors.CodeProtocolViolation) {
				c.violation(err)
			} else {
				c.server.log.Errorf("bridge: closing %s: %v", c.id, err)
				c.closeWith(websocket.CloseInternalServerErr, "internal error", metrics.CloseReasonWriteError)
			}
			return
		}
	}
}
