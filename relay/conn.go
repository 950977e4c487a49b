package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/session"
)

// Conn is one accepted client connection. Frames on a connection are handled
// sequentially: a frame is fully processed, including storage I/O and
// broadcast fan-out, before the next one is read. Different connections
// proceed concurrently.
type Conn struct {
	id      string
	sock    *websocket.Conn
	session *session.Session
	server  *Server
	logger  *slog.Logger
	limiter *rate.Limiter

	// gorilla/websocket forbids concurrent writers; broadcasts from other
	// connections' handlers serialize here
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(s *Server, sock *websocket.Conn, remote string) *Conn {
	id := newConnID()
	return &Conn{
		id:      id,
		sock:    sock,
		session: session.New(id, remote, s.cfg.RelayURL, s.cfg.Limits),
		server:  s,
		logger:  s.logger.With("conn_id", id, "remote", remote),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Limits.MessageRate), s.cfg.Limits.MessageBurst),
	}
}

// readLoop reads and dispatches inbound frames until the connection dies
func (c *Conn) readLoop() {
	defer c.server.wg.Done()
	defer c.close()

	c.sock.SetReadLimit(maxFrameBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(readTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		select {
		case <-c.server.shutdown:
			return
		default:
		}

		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(readTimeout))

		if !c.limiter.Allow() {
			// Rate limiting rejects the frame, never the connection
			c.sendNotice(errors.Reason(errors.PrefixRateLimited, "slow down"))
			continue
		}

		c.dispatch(context.Background(), data)
	}
}

// dispatch parses one inbound frame and routes it. Malformed frames get a
// NOTICE; they never terminate the connection.
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	envelope := nostr.ParseMessage(string(data))
	if envelope == nil {
		c.countFrame("malformed")
		c.sendNotice(errors.Reason(errors.PrefixInvalid, "could not parse message"))
		return
	}

	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		c.countFrame("EVENT")
		c.server.handleEvent(ctx, c, &env.Event)
	case *nostr.ReqEnvelope:
		c.countFrame("REQ")
		c.server.handleReq(ctx, c, env.SubscriptionID, env.Filters)
	case *nostr.CloseEnvelope:
		c.countFrame("CLOSE")
		c.server.handleCloseSub(ctx, c, string(*env))
	case *nostr.AuthEnvelope:
		c.countFrame("AUTH")
		c.server.handleAuth(ctx, c, &env.Event)
	default:
		c.countFrame("unsupported")
		c.sendNotice(errors.Reason(errors.PrefixInvalid, "unsupported message type "+envelope.Label()))
	}
}

// send marshals and writes one outbound frame with a write deadline.
// Best-effort: an error closes this connection only.
func (c *Conn) send(envelope nostr.Envelope) error {
	if c.closed.Load() {
		return errors.ErrShuttingDown
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return errors.WrapInvalid(err, "Conn", "send", "marshal envelope")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		c.close()
		return errors.WrapTransient(err, "Conn", "send", "write frame")
	}
	return nil
}

func (c *Conn) sendNotice(message string) {
	notice := nostr.NoticeEnvelope(message)
	_ = c.send(&notice)
}

func (c *Conn) sendOK(eventID string, ok bool, reason string) {
	_ = c.send(&nostr.OKEnvelope{EventID: eventID, OK: ok, Reason: reason})
}

func (c *Conn) sendClosed(subID, reason string) {
	_ = c.send(&nostr.ClosedEnvelope{SubscriptionID: subID, Reason: reason})
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.sock.WriteMessage(websocket.PingMessage, nil)
}

// close tears down the socket and deregisters the connection. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.sock.Close()
		c.server.removeConn(c)
	})
}

func (c *Conn) countFrame(frameType string) {
	if c.server.metrics != nil {
		c.server.metrics.framesTotal.WithLabelValues(frameType).Inc()
	}
}
