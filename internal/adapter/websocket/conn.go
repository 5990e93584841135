package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/pscheid92/eggstream/internal/domain"
)

const (
	writeWait       = 5 * time.Second
	pingInterval    = 30 * time.Second
	pongWait        = 60 * time.Second
	sendQueueSize   = 16
	maxInboundBytes = 4096
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("send queue full")
)

var _ domain.Connection = (*Conn)(nil)

// Conn adapts a gorilla connection to domain.Connection. Send only enqueues;
// a dedicated writer goroutine owns every write to the socket, including
// pings and the final close frame.
type Conn struct {
	id      string
	ws      *websocket.Conn
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics

	queue      chan []byte
	done       chan struct{}
	writerDone chan struct{}

	stopOnce    sync.Once
	closeCode   int
	closeReason string
}

func NewConn(ws *websocket.Conn, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Conn {
	c := &Conn{
		id:         uuid.NewString(),
		ws:         ws,
		clock:      clock,
		metrics:    m,
		queue:      make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	ws.SetReadLimit(maxInboundBytes)
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	go c.writeLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues payload for the writer. It never waits on the peer: a full
// queue or a closed connection is reported as an error right away.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.queue <- payload:
		return nil
	default:
		if c.metrics != nil {
			c.metrics.QueueOverflows.Inc()
		}
		return ErrQueueFull
	}
}

// Done is closed once the connection stops accepting frames.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the writer, sends a close frame with code and reason when code
// is non-zero, and waits until the socket is closed.
func (c *Conn) Close(code int, reason string) {
	c.stop(code, reason)
	<-c.writerDone
}

// Abort drops the connection without a close frame and without waiting.
func (c *Conn) Abort() {
	c.stop(0, "")
}

func (c *Conn) stop(code int, reason string) {
	c.stopOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.queue:
			start := time.Now()
			c.extendWriteDeadline()
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.stop(0, "")
				return
			}
			if c.metrics != nil {
				c.metrics.SendDuration.Observe(time.Since(start).Seconds())
			}

		case <-ticker.Chan():
			c.extendWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				if c.metrics != nil {
					c.metrics.PingFailures.Inc()
				}
				c.stop(0, "")
				return
			}

		case <-c.done:
			// closeCode is written before done is closed.
			if c.closeCode != 0 {
				c.extendWriteDeadline()
				frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.ws.WriteMessage(websocket.CloseMessage, frame)
			}
			return
		}
	}
}

// Deadlines are wall-clock because the network stack enforces them.
func (c *Conn) extendWriteDeadline() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
}

func (c *Conn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
}
