package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

// State is a connection's liveness state. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one accepted signaling socket. Outbound envelopes go through a
// bounded queue drained by a single writer goroutine, so Send never blocks on
// the network and per-sender order is preserved.
type Conn struct {
	ws *websocket.Conn

	// lifecycle serializes admission with the disconnect path.
	lifecycle sync.Mutex

	id    atomic.Value // string, set once registered
	state atomic.Int32

	send chan []byte
	done chan struct{}

	pingInterval time.Duration

	closeOnce  sync.Once
	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, queueSize int, pingInterval time.Duration) *Conn {
	if queueSize < 1 {
		queueSize = 1
	}
	c := &Conn{
		ws:           ws,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
	c.id.Store("")
	return c
}

// ID returns the registered identity, or "" before registration.
func (c *Conn) ID() string {
	return c.id.Load().(string)
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Send enqueues payload without blocking. It fails with ErrConnClosed unless
// the connection is open, and with ErrSendQueueFull when the queue is full.
func (c *Conn) Send(payload []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Conn) open() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// beginClosing moves the connection to closing. Only the first caller gets
// true.
func (c *Conn) beginClosing() bool {
	for {
		cur := c.state.Load()
		if State(cur) >= StateClosing {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(StateClosing)) {
			return true
		}
	}
}

// discardQueued drops anything queued before the writer started.
func (c *Conn) discardQueued() {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// startWriter launches the writer goroutine. onError is called once if a
// write fails.
func (c *Conn) startWriter(onError func(error)) {
	c.writerDone = make(chan struct{})
	go func() {
		defer close(c.writerDone)
		if err := c.writeLoop(); err != nil {
			onError(err)
		}
	}()
}

func (c *Conn) writeLoop() error {
	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-c.done:
			return nil
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		case <-pings:
			// WriteControl is safe to call concurrently with WriteMessage.
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}

// shutdown sends a close frame, tears down the socket and waits for the
// writer to exit. Safe to call more than once.
func (c *Conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		writeClose(c.ws, code, reason)
		_ = c.ws.Close()
	})
}

// wait blocks until the writer goroutine, if started, has exited.
func (c *Conn) wait() {
	if c.writerDone != nil {
		<-c.writerDone
	}
}

func (c *Conn) markClosed() {
	c.state.Store(int32(StateClosed))
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
