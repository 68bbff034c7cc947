package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fluxbridge/logging"
)

const (
	defaultWriteTimeout = 30 * time.Second
	closeFlushTimeout   = 2 * time.Second
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateIdle        ConnectionState = "idle"
	StateConnecting  ConnectionState = "connecting"
	StateHandshaking ConnectionState = "handshaking"
	StateConnected   ConnectionState = "connected"
	StateClosing     ConnectionState = "closing"
	StateClosed      ConnectionState = "closed"
	StateFailed      ConnectionState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Connection is one framed, authenticated TCP session with a peer. A single
// writer goroutine drains the outbound queue so frames never interleave.
type Connection struct {
	conn     net.Conn
	address  string
	outbound bool
	localID  string

	peerID          string
	peerName        string
	protocolVersion int

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	onState           func(*Connection, ConnectionState, error)
	onMessage         func(*Connection, Message)

	stateMu sync.RWMutex
	state   ConnectionState
	silent  atomic.Bool
	started atomic.Bool

	writeQueue  chan Message
	closing     chan struct{}
	closingOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
	writerDone  chan struct{}

	errMu    sync.RWMutex
	closeErr error

	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time
}

func newConnection(address string, outbound bool, opts HandshakeOptions) *Connection {
	return &Connection{
		address:           address,
		outbound:          outbound,
		localID:           opts.Identity.PeerID,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		onState:           opts.OnState,
		onMessage:         opts.OnMessage,
		state:             StateIdle,
		writeQueue:        make(chan Message, opts.WriteQueueSize),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
		writerDone:        make(chan struct{}),
	}
}

func (c *Connection) attach(conn net.Conn) {
	c.conn = conn
	if c.address == "" && conn.RemoteAddr() != nil {
		c.address = conn.RemoteAddr().String()
	}
	c.touchActivity()
}

// start launches the reader, writer and keep-alive loops after a successful handshake.
func (c *Connection) start() {
	c.started.Store(true)
	c.touchActivity()
	c.setState(StateConnected, nil)
	go c.writeLoop()
	go c.readLoop()
	go c.keepAliveLoop()
}

// PeerID returns the remote stable id learned during the handshake.
func (c *Connection) PeerID() string { return c.peerID }

// PeerName returns the remote display name learned during the handshake.
func (c *Connection) PeerName() string { return c.peerName }

// ProtocolVersion returns the negotiated protocol version.
func (c *Connection) ProtocolVersion() int { return c.protocolVersion }

// Address returns the remote "ip:port".
func (c *Connection) Address() string { return c.address }

// Outbound reports whether this side dialed the connection.
func (c *Connection) Outbound() bool { return c.outbound }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection reached a terminal state.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *Connection) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// dialerID is the id of the side that opened the TCP stream.
func (c *Connection) dialerID() string {
	if c.outbound {
		return c.localID
	}
	return c.peerID
}

// Send queues one frame. It blocks while the queue is full and fails once the
// connection is closing.
func (c *Connection) Send(msg Message) error {
	if !msg.Type.Valid() {
		return &ProtocolError{Reason: "send " + msg.Type.String(), Err: ErrUnknownMessageType}
	}
	select {
	case <-c.closing:
		return c.sendErr()
	default:
	}

	select {
	case c.writeQueue <- msg:
		return nil
	case <-c.closing:
		return c.sendErr()
	case <-c.closed:
		return c.sendErr()
	}
}

// SendJSON encodes v and queues it as a frame of type t.
func (c *Connection) SendJSON(t MessageType, v any) error {
	msg, err := NewJSONMessage(t, v)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Connection) sendErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Connection) trySend(msg Message) {
	select {
	case c.writeQueue <- msg:
	case <-c.closing:
	default:
		logging.Debugf("connection %s: write queue full, dropped %s", c.peerID, msg.Type)
	}
}

// Close shuts the connection down gracefully: a close notice is queued behind
// pending frames, the writer drains, then the socket closes.
func (c *Connection) Close() error {
	if c.State().Terminal() {
		return nil
	}
	if !c.started.Load() {
		c.closeWith(StateClosed, nil)
		return nil
	}

	c.closingOnce.Do(func() {
		c.setState(StateClosing, nil)
		select {
		case c.writeQueue <- controlMessage(ActionClose):
		case <-c.closed:
		case <-time.After(closeFlushTimeout):
		}
		close(c.closing)
	})

	select {
	case <-c.writerDone:
	case <-c.closed:
	case <-time.After(closeFlushTimeout):
	}
	c.closeWith(StateClosed, nil)
	return nil
}

// abort drops the socket without notifying the peer.
func (c *Connection) abort(err error) {
	c.closeWith(StateFailed, err)
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.writeQueue:
			if err := c.write(msg); err != nil {
				c.closeWith(StateFailed, err)
				return
			}
		case <-c.closing:
			c.drain()
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) drain() {
	for {
		select {
		case msg := <-c.writeQueue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(msg Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(c.conn, msg); err != nil {
		return err
	}
	c.touchActivity()
	return nil
}

func (c *Connection) readLoop() {
	for {
		msg, err := ReadFrame(c.conn)
		if err != nil {
			var protoErr *ProtocolError
			switch {
			case errors.As(err, &protoErr):
				logging.Warnf("connection %s: %v", c.peerID, err)
				c.closeWith(StateFailed, err)
			case c.isShuttingDown():
				c.closeWith(StateClosed, nil)
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				c.closeWith(StateClosed, fmt.Errorf("%w: peer disconnected", ErrClosed))
			default:
				c.closeWith(StateFailed, err)
			}
			return
		}

		c.touchActivity()
		handled, stop := c.handleConnectionFrame(msg)
		if stop {
			return
		}
		if handled || c.onMessage == nil {
			continue
		}
		c.onMessage(c, msg)
	}
}

// handleConnectionFrame consumes frames addressed to the connection itself.
func (c *Connection) handleConnectionFrame(msg Message) (handled bool, stop bool) {
	switch msg.Type {
	case TypeHandshake:
		var hs HandshakeMessage
		if err := DecodeJSON(msg, &hs); err != nil {
			c.closeWith(StateFailed, err)
			return true, true
		}
		if hs.Stage == StageReject {
			c.closeWith(StateFailed, &ConnectionError{Kind: ErrHandshakeMismatch, PeerID: c.peerID, Err: errors.New(hs.Error)})
			return true, true
		}
		c.closeWith(StateFailed, &ProtocolError{Reason: "unexpected handshake stage " + hs.Stage})
		return true, true
	case TypeControl:
		var ctrl Control
		if err := DecodeJSON(msg, &ctrl); err != nil {
			c.closeWith(StateFailed, err)
			return true, true
		}
		if ctrl.SessionID != "" {
			return false, false
		}
		switch ctrl.Action {
		case ActionClipboard:
			return false, false
		case ActionPing:
			c.trySend(controlMessage(ActionPong))
		case ActionPong:
			c.ackPong()
		case ActionClose:
			c.closingOnce.Do(func() {
				c.setState(StateClosing, nil)
				close(c.closing)
			})
			c.closeWith(StateClosed, nil)
			return true, true
		}
		return true, false
	}
	return false, false
}

func (c *Connection) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWith(StateFailed, ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval || c.isWaitingPong() {
				continue
			}

			c.trySend(controlMessage(ActionPing))
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
		case <-c.closing:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) isShuttingDown() bool {
	select {
	case <-c.closing:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) setState(state ConnectionState, err error) {
	c.stateMu.Lock()
	if c.state == state || c.state.Terminal() {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	if c.onState != nil && !c.silent.Load() {
		c.onState(c, state, err)
	}
}

func (c *Connection) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Connection) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Connection) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Connection) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

// closeWith moves the connection to a terminal state exactly once.
func (c *Connection) closeWith(state ConnectionState, err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.closingOnce.Do(func() { close(c.closing) })
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.closed)
		c.setState(state, err)
	})
}

// fail terminates a connection that never became usable, without notifying observers.
func (c *Connection) fail(err error) {
	c.silent.Store(true)
	c.closeWith(StateFailed, err)
}
