package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fluxbridge/logging"
)

const (
	// DefaultCommandTimeout bounds one websocket command.
	DefaultCommandTimeout = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Command is a request sent by a websocket client.
type Command struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// eventFrame wraps an Event pushed to websocket clients.
type eventFrame struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// WSServer exposes the bridge over a websocket at /ws.
type WSServer struct {
	bridge *Bridge
	addr   string

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWSServer creates a server that will listen on addr.
func NewWSServer(bridge *Bridge, addr string) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSServer{
		bridge:  bridge,
		addr:    addr,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Start begins listening and serving in the background.
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start websocket bridge: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnf("bridge: websocket server stopped: %v", err)
		}
	}()
	logging.Infof("bridge: websocket listening on ws://%s/ws", listener.Addr())
	return nil
}

// Addr returns the bound address.
func (s *WSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting clients and disconnects the connected ones.
func (s *WSServer) Close() error {
	s.cancel()
	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.server.Shutdown(ctx)
		cancel()
	}

	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	client := &wsClient{conn: conn}
	sub := s.bridge.Subscribe()
	defer sub.Close()

	go func() {
		for event := range sub.Events() {
			if err := client.send(eventFrame{Type: "event", Event: event}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	logging.Debugf("bridge: websocket client %s connected", r.RemoteAddr)
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			logging.Debugf("bridge: websocket client %s gone: %v", r.RemoteAddr, err)
			return
		}
		reply := s.execute(cmd)
		if err := client.send(reply); err != nil {
			return
		}
	}
}

// wsClient serializes writes; gorilla connections allow one concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (s *WSServer) execute(cmd Command) Reply {
	ctx, cancel := context.WithTimeout(s.ctx, DefaultCommandTimeout)
	defer cancel()

	result, err := s.dispatch(ctx, cmd)
	if err != nil {
		return Reply{Type: "reply", ID: cmd.ID, OK: false, Error: err.Error()}
	}
	return Reply{Type: "reply", ID: cmd.ID, OK: true, Result: result}
}

type commandArgs struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PeerID    string `json:"peer_id"`
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (s *WSServer) dispatch(ctx context.Context, cmd Command) (any, error) {
	var args commandArgs
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
	}

	switch cmd.Command {
	case "connect_to_peer":
		return s.bridge.ConnectToPeer(ctx, args.IP, args.Port)
	case "select_peer":
		return nil, s.bridge.SelectPeer(args.PeerID)
	case "send_file":
		id, err := s.bridge.SendFile(ctx, args.Path)
		return map[string]string{"session_id": id}, err
	case "send_file_to":
		id, err := s.bridge.SendFileTo(ctx, args.PeerID, args.Path)
		return map[string]string{"session_id": id}, err
	case "cancel_transfer":
		return nil, s.bridge.CancelTransfer(args.SessionID)
	case "resume_transfer":
		return nil, s.bridge.ResumeTransfer(args.SessionID)
	case "share_clipboard":
		n, err := s.bridge.ShareClipboard(args.Text)
		return map[string]int{"peers": n}, err
	case "list_peers":
		return s.bridge.Peers(), nil
	case "list_transfers":
		return s.bridge.Transfers(), nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
}
