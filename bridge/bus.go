// Package bridge exposes the command and event contract consumed by the UI layer.
package bridge

import (
	"sync"
	"time"

	"fluxbridge/models"
)

// Kind names an event published to the UI.
type Kind string

const (
	KindPeerDiscovered    Kind = "peer-discovered"
	KindPeerUpdated       Kind = "peer-updated"
	KindPeerLost          Kind = "peer-lost"
	KindConnectionState   Kind = "connection-state"
	KindTransferQueued    Kind = "transfer-queued"
	KindTransferState     Kind = "transfer-state"
	KindTransferProgress  Kind = "transfer-progress"
	KindTransferComplete  Kind = "transfer-complete"
	KindTransferFailed    Kind = "transfer-failed"
	KindTransferPaused    Kind = "transfer-paused"
	KindTransferCancelled Kind = "transfer-cancelled"
	KindClipboardReceived Kind = "clipboard-received"
)

// Event is one UI notification. Exactly one of Peer, Connection, Transfer or
// Clipboard is set, except for peer-lost which only carries PeerID.
type Event struct {
	Kind       Kind              `json:"kind"`
	Time       time.Time         `json:"time"`
	PeerID     string            `json:"peer_id,omitempty"`
	Peer       *models.Peer      `json:"peer,omitempty"`
	Connection *ConnectionStatus `json:"connection,omitempty"`
	Transfer   *TransferStatus   `json:"transfer,omitempty"`
	Clipboard  *ClipboardContent `json:"clipboard,omitempty"`
}

// ConnectionStatus describes a connection lifecycle change.
type ConnectionStatus struct {
	PeerID   string `json:"peer_id,omitempty"`
	PeerName string `json:"peer_name,omitempty"`
	Address  string `json:"address,omitempty"`
	Outbound bool   `json:"outbound"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
}

// ClipboardContent is clipboard text applied from a peer.
type ClipboardContent struct {
	PeerName string `json:"peer_name,omitempty"`
	Text     string `json:"text"`
}

// TransferStatus describes a session change or progress tick.
type TransferStatus struct {
	SessionID  string `json:"session_id"`
	PeerID     string `json:"peer_id"`
	Direction  string `json:"direction"`
	FileName   string `json:"file_name"`
	State      string `json:"state"`
	BytesAcked int64  `json:"bytes_acked"`
	TotalBytes int64  `json:"total_bytes"`
	Reason     string `json:"reason,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks; each subscriber
// has its own unbounded queue so a slow reader only delays itself.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Publish queues event for every current subscriber.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(event)
	}
}

// Subscribe registers a new subscriber. Events published after Subscribe
// returns are delivered in order until the subscription is closed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one consumer's handle on the bus.
type Subscription struct {
	bus *Bus
	id  uint64

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}

	out  chan Event
	done chan struct{}
	once sync.Once
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close releases the subscription; no events are delivered afterwards.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var (
			event Event
			ok    bool
		)
		if len(s.queue) > 0 {
			event, ok = s.queue[0], true
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}
