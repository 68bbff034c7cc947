package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fluxbridge/crypto"
	"fluxbridge/logging"
	"fluxbridge/models"
)

const (
	// DefaultRetryAttempts caps dial attempts for transient failures.
	DefaultRetryAttempts = 3
	// DefaultRetryInitialInterval is the first backoff delay.
	DefaultRetryInitialInterval = 200 * time.Millisecond
)

// PeerDirectory resolves peer ids to advertised endpoints.
type PeerDirectory interface {
	Get(id string) (models.Peer, bool)
	FindByAddress(ip string, port int) (models.Peer, bool)
}

// MessageHandler receives every non-connection frame. It runs on the
// connection's read goroutine, so frames from one peer arrive in order.
type MessageHandler func(conn *Connection, msg Message)

// StateChange describes one connection lifecycle transition.
type StateChange struct {
	PeerID   string
	PeerName string
	Address  string
	Outbound bool
	State    ConnectionState
	Err      error
}

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	Identity      Identity
	ListenAddress string
	// AuthSecret enables handshake authentication when non-empty.
	AuthSecret string
	Directory  PeerDirectory

	HandshakeTimeout     time.Duration
	DialTimeout          time.Duration
	KeepAliveInterval    time.Duration
	KeepAliveTimeout     time.Duration
	RetryAttempts        int
	RetryInitialInterval time.Duration
}

// Manager owns every live connection and keeps at most one per peer id.
type Manager struct {
	options ManagerOptions
	authKey []byte

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu      sync.RWMutex
	connections map[string]*Connection

	handlerMu      sync.RWMutex
	messageHandler []MessageHandler
	connectedFns   []func(*Connection)
	disconnectFns  []func(peerID string, err error)
	stateFns       []func(StateChange)
}

// NewManager creates a connection manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Identity.PeerID == "" {
		return nil, errors.New("identity.peer_id is required")
	}
	if options.RetryAttempts <= 0 {
		options.RetryAttempts = DefaultRetryAttempts
	}
	if options.RetryInitialInterval <= 0 {
		options.RetryInitialInterval = DefaultRetryInitialInterval
	}

	authKey, err := crypto.DeriveAuthKey(options.AuthSecret)
	if err != nil {
		return nil, err
	}

	return &Manager{
		options:     options,
		authKey:     authKey,
		connections: make(map[string]*Connection),
	}, nil
}

// Start begins listening for inbound connections.
func (m *Manager) Start(ctx context.Context) error {
	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		m.cancel()
		return err
	}
	m.server = server
	logging.Infof("network: listening on %s", server.Addr())

	m.wg.Add(1)
	go m.serverLoop()
	return nil
}

// Stop closes the listener and every live connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.connMu.RLock()
		conns := make([]*Connection, 0, len(m.connections))
		for _, conn := range m.connections {
			conns = append(conns, conn)
		}
		m.connMu.RUnlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
		m.wg.Wait()
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Port returns the bound listening port.
func (m *Manager) Port() int {
	if m.server == nil {
		return 0
	}
	return m.server.Port()
}

// OnMessage registers a handler for transfer frames.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.messageHandler = append(m.messageHandler, handler)
}

// OnConnected registers fn to run after a connection becomes the peer's live connection.
func (m *Manager) OnConnected(fn func(*Connection)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.connectedFns = append(m.connectedFns, fn)
}

// OnDisconnected registers fn to run when a peer's live connection ends.
func (m *Manager) OnDisconnected(fn func(peerID string, err error)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.disconnectFns = append(m.disconnectFns, fn)
}

// OnStateChange registers fn for every connection state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.stateFns = append(m.stateFns, fn)
}

// Get returns the live connection to peerID.
func (m *Manager) Get(peerID string) (*Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.connections[peerID]
	if !ok || conn.State() != StateConnected {
		return nil, false
	}
	return conn, true
}

// ConnectedPeers returns the ids of every peer with a live connection.
func (m *Manager) ConnectedPeers() []string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	out := make([]string, 0, len(m.connections))
	for id, conn := range m.connections {
		if conn.State() == StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Send queues msg on the live connection to peerID.
func (m *Manager) Send(peerID string, msg Message) error {
	conn, ok := m.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return conn.Send(msg)
}

// Broadcast queues msg on every live connection and returns how many peers took it.
func (m *Manager) Broadcast(msg Message) int {
	sent := 0
	for _, peerID := range m.ConnectedPeers() {
		if err := m.Send(peerID, msg); err != nil {
			logging.Debugf("network: broadcast to %s failed: %v", peerID, err)
			continue
		}
		sent++
	}
	return sent
}

// Close gracefully closes the live connection to peerID.
func (m *Manager) Close(peerID string) error {
	m.connMu.RLock()
	conn, ok := m.connections[peerID]
	m.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return conn.Close()
}

// Connect returns the live connection to the peer at ip:port, dialing with
// retry if none exists.
func (m *Manager) Connect(ctx context.Context, ip string, port int) (*Connection, error) {
	if m.options.Directory != nil {
		if peer, ok := m.options.Directory.FindByAddress(ip, port); ok {
			if conn, ok := m.Get(peer.ID); ok {
				return conn, nil
			}
		}
	}
	for _, conn := range m.liveConnections() {
		if conn.Outbound() && conn.Address() == net.JoinHostPort(ip, strconv.Itoa(port)) {
			return conn, nil
		}
	}

	conn, err := m.dialWithRetry(ctx, net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return m.register(conn), nil
}

// ConnectPeer connects to a discovered peer, trying each advertised address.
func (m *Manager) ConnectPeer(ctx context.Context, peerID string) (*Connection, error) {
	if conn, ok := m.Get(peerID); ok {
		return conn, nil
	}
	if m.options.Directory == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	peer, ok := m.options.Directory.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", ErrNotConnected, peerID)
	}
	if len(peer.Addresses) == 0 {
		return nil, &ConnectionError{Kind: ErrRefused, PeerID: peerID, Err: errors.New("peer has no known address")}
	}

	var lastErr error
	for _, addr := range peer.Addresses {
		conn, err := m.dialWithRetry(ctx, net.JoinHostPort(addr, strconv.Itoa(peer.Port)))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if conn.PeerID() != peerID {
			_ = conn.Close()
			lastErr = &ConnectionError{Kind: ErrHandshakeMismatch, PeerID: peerID, Err: fmt.Errorf("address answered as %s", conn.PeerID())}
			continue
		}
		return m.register(conn), nil
	}
	return nil, lastErr
}

func (m *Manager) liveConnections() []*Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		if conn.State() == StateConnected {
			out = append(out, conn)
		}
	}
	return out
}

// dialWithRetry retries refused/unreachable dials with exponential backoff.
// Timeouts and handshake failures are returned immediately.
func (m *Manager) dialWithRetry(ctx context.Context, address string) (*Connection, error) {
	if m.ctx != nil {
		var cancel context.CancelFunc
		ctx, cancel = mergeCancel(ctx, m.ctx)
		defer cancel()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.options.RetryInitialInterval
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.1
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(m.options.RetryAttempts-1)), ctx)

	attempts := 0
	var conn *Connection
	operation := func() error {
		attempts++
		c, err := Dial(ctx, address, m.handshakeOptions())
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logging.Debugf("network: dial %s attempt %d failed, retrying in %s: %v", address, attempts, next, err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if isRetryable(err) && attempts >= m.options.RetryAttempts {
			err = &ConnectionError{Kind: ErrRetriesExhausted, Address: address, Err: err}
		}
		logging.Warnf("network: connect %s failed: %s", address, Reason(err))
		m.emitState(StateChange{Address: address, Outbound: true, State: StateFailed, Err: err})
		return nil, err
	}
	return conn, nil
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.register(conn)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			logging.Debugf("network: %v", err)
		case <-m.ctx.Done():
			return
		}
	}
}

// register installs conn as the peer's live connection unless an existing one
// wins the duplicate tie-break, and returns the survivor.
func (m *Manager) register(conn *Connection) *Connection {
	peerID := conn.PeerID()

	m.connMu.Lock()
	existing, exists := m.connections[peerID]
	if exists && existing != conn && existing.State() == StateConnected {
		if !m.prefer(conn, existing) {
			m.connMu.Unlock()
			logging.Debugf("network: duplicate connection to %s closed", peerID)
			_ = conn.Close()
			return existing
		}
	}
	m.connections[peerID] = conn
	m.connMu.Unlock()

	if exists && existing != conn {
		_ = existing.Close()
	}
	if conn.State() != StateConnected {
		m.unregister(conn, conn.Err())
		return conn
	}

	logging.Infof("network: connected to %s (%s) at %s", conn.PeerName(), peerID, conn.Address())
	m.handlerMu.RLock()
	fns := slices.Clone(m.connectedFns)
	m.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(conn)
	}
	return conn
}

// prefer reports whether candidate should replace current. The connection
// dialed by the lexicographically smaller peer id wins on both ends.
func (m *Manager) prefer(candidate, current *Connection) bool {
	if candidate.dialerID() == current.dialerID() {
		return false
	}
	return candidate.dialerID() < current.dialerID()
}

func (m *Manager) unregister(conn *Connection, err error) {
	peerID := conn.PeerID()
	m.connMu.Lock()
	current, ok := m.connections[peerID]
	if !ok || current != conn {
		m.connMu.Unlock()
		return
	}
	delete(m.connections, peerID)
	m.connMu.Unlock()

	logging.Infof("network: disconnected from %s: %v", peerID, err)
	m.handlerMu.RLock()
	fns := slices.Clone(m.disconnectFns)
	m.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(peerID, err)
	}
}

func (m *Manager) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:          m.options.Identity,
		AuthKey:           m.authKey,
		HandshakeTimeout:  m.options.HandshakeTimeout,
		DialTimeout:       m.options.DialTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		OnState:           m.onConnectionState,
		OnMessage:         m.dispatch,
	}
}

func (m *Manager) onConnectionState(conn *Connection, state ConnectionState, err error) {
	m.emitState(StateChange{
		PeerID:   conn.PeerID(),
		PeerName: conn.PeerName(),
		Address:  conn.Address(),
		Outbound: conn.Outbound(),
		State:    state,
		Err:      err,
	})
	if state.Terminal() {
		m.unregister(conn, err)
	}
}

func (m *Manager) emitState(change StateChange) {
	m.handlerMu.RLock()
	fns := slices.Clone(m.stateFns)
	m.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (m *Manager) dispatch(conn *Connection, msg Message) {
	m.handlerMu.RLock()
	handlers := append([]MessageHandler(nil), m.messageHandler...)
	m.handlerMu.RUnlock()
	for _, handler := range handlers {
		handler(conn, msg)
	}
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
