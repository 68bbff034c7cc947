package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TCP sessions and upgrades them to Connection.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Connection
	errs     chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Connection, 16),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Incoming returns accepted and handshaked connections.
func (s *Server) Incoming() <-chan *Connection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(raw net.Conn) {
	defer s.wg.Done()

	c := newConnection(raw.RemoteAddr().String(), false, s.options)
	c.attach(raw)
	c.setState(StateConnecting, nil)
	c.setState(StateHandshaking, nil)

	if err := c.serverHandshake(s.ctx, s.options); err != nil {
		c.fail(err)
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", raw.RemoteAddr(), err))
		return
	}

	c.start()
	select {
	case s.incoming <- c:
	case <-s.closed:
		c.abort(ErrClosed)
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
