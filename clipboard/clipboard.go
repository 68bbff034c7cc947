// Package clipboard shares local clipboard text with connected peers and
// applies text shared by them.
package clipboard

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	atotto "github.com/atotto/clipboard"

	"fluxbridge/logging"
	"fluxbridge/network"
)

const (
	// DefaultPollInterval matches how often desktop clipboard managers sample.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultMaxBytes bounds shared text in either direction.
	DefaultMaxBytes = 1 << 20

	incomingQueue = 16
)

// ErrUnsupported reports that no system clipboard backend is available.
var ErrUnsupported = errors.New("clipboard: no system clipboard available")

// Board reads and writes a clipboard.
type Board interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type systemBoard struct{}

func (systemBoard) ReadAll() (string, error)   { return atotto.ReadAll() }
func (systemBoard) WriteAll(text string) error { return atotto.WriteAll(text) }

// SystemBoard returns the operating system clipboard.
func SystemBoard() (Board, error) {
	if atotto.Unsupported {
		return nil, ErrUnsupported
	}
	return systemBoard{}, nil
}

// Transport is the connection layer. *network.Manager implements it.
type Transport interface {
	Broadcast(msg network.Message) int
	OnMessage(handler network.MessageHandler)
}

// Options tunes a Sync.
type Options struct {
	PollInterval time.Duration
	MaxBytes     int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	return o
}

// Received is clipboard text applied from a peer.
type Received struct {
	PeerID   string
	PeerName string
	Text     string
	At       time.Time
}

// Sync watches the local clipboard and mirrors changes to every connected peer.
// Board access happens on a single goroutine.
type Sync struct {
	board     Board
	transport Transport
	options   Options

	incoming chan Received

	mu       sync.Mutex
	last     string
	handlers []func(Received)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSync creates a Sync. Nothing is read or sent until Start.
func NewSync(board Board, transport Transport, options Options) (*Sync, error) {
	if board == nil {
		return nil, errors.New("board is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	return &Sync{
		board:     board,
		transport: transport,
		options:   options.withDefaults(),
		incoming:  make(chan Received, incomingQueue),
	}, nil
}

// OnReceived registers fn for text applied from a peer.
func (s *Sync) OnReceived(fn func(Received)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Start records the current clipboard as already shared and begins polling.
func (s *Sync) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		if text, err := s.board.ReadAll(); err == nil {
			s.mu.Lock()
			s.last = text
			s.mu.Unlock()
		} else {
			logging.Debugf("clipboard: initial read failed: %v", err)
		}
		s.transport.OnMessage(s.handleMessage)

		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop ends polling.
func (s *Sync) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		s.wg.Wait()
	})
}

// Share sends text to every connected peer and returns how many took it.
// The local clipboard is left untouched.
func (s *Sync) Share(text string) (int, error) {
	if text == "" {
		return 0, errors.New("clipboard text is empty")
	}
	if len(text) > s.options.MaxBytes {
		return 0, errors.New("clipboard text exceeds size limit")
	}
	return s.broadcast(text)
}

func (s *Sync) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		case rec := <-s.incoming:
			s.apply(rec)
		}
	}
}

func (s *Sync) poll() {
	text, err := s.board.ReadAll()
	if err != nil {
		logging.Debugf("clipboard: read failed: %v", err)
		return
	}
	if text == "" || len(text) > s.options.MaxBytes {
		return
	}

	s.mu.Lock()
	if text == s.last {
		s.mu.Unlock()
		return
	}
	s.last = text
	s.mu.Unlock()

	if _, err := s.broadcast(text); err != nil {
		logging.Warnf("clipboard: share failed: %v", err)
	}
}

func (s *Sync) broadcast(text string) (int, error) {
	msg, err := network.NewJSONMessage(network.TypeControl, network.Control{
		Action:    network.ActionClipboard,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	sent := s.transport.Broadcast(msg)
	logging.Debugf("clipboard: shared %d bytes with %d peers", len(text), sent)
	return sent, nil
}

// apply writes peer text locally. Marking it as last keeps the next poll from
// sending it back out.
func (s *Sync) apply(rec Received) {
	s.mu.Lock()
	if rec.Text == s.last {
		s.mu.Unlock()
		return
	}
	s.last = rec.Text
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()

	if err := s.board.WriteAll(rec.Text); err != nil {
		logging.Warnf("clipboard: write failed: %v", err)
		return
	}
	logging.Infof("clipboard: applied %d bytes from %s", len(rec.Text), rec.PeerID)
	for _, fn := range handlers {
		fn(rec)
	}
}

func (s *Sync) handleMessage(conn *network.Connection, msg network.Message) {
	if msg.Type != network.TypeControl {
		return
	}
	var ctrl network.Control
	if err := network.DecodeJSON(msg, &ctrl); err != nil {
		return
	}
	if ctrl.Action != network.ActionClipboard || ctrl.SessionID != "" || ctrl.Text == "" {
		return
	}
	if len(ctrl.Text) > s.options.MaxBytes {
		logging.Debugf("clipboard: dropped %d bytes from %s over limit", len(ctrl.Text), conn.PeerID())
		return
	}

	rec := Received{PeerID: conn.PeerID(), PeerName: conn.PeerName(), Text: ctrl.Text, At: time.Now()}
	select {
	case s.incoming <- rec:
	case <-s.ctx.Done():
	default:
		logging.Debugf("clipboard: dropped update from %s, queue full", rec.PeerID)
	}
}
