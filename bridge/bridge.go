package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fluxbridge/clipboard"
	"fluxbridge/logging"
	"fluxbridge/models"
	"fluxbridge/network"
	"fluxbridge/registry"
	"fluxbridge/transfer"
)

var (
	// ErrNoPeerSelected is returned by SendFile when no target peer is known.
	ErrNoPeerSelected = errors.New("bridge: no peer selected")
	// ErrUnknownPeer is returned when selecting a peer that is neither discovered nor connected.
	ErrUnknownPeer = errors.New("bridge: unknown peer")
	// ErrClipboardDisabled is returned by ShareClipboard when clipboard sync is off.
	ErrClipboardDisabled = errors.New("bridge: clipboard sync disabled")
)

// PeerSource is the discovered-peer table. *registry.Registry implements it.
type PeerSource interface {
	Get(id string) (models.Peer, bool)
	List() []models.Peer
	Subscribe(fn registry.Observer) func()
}

// Connections is the connection layer. *network.Manager implements it.
type Connections interface {
	Connect(ctx context.Context, ip string, port int) (*network.Connection, error)
	Get(peerID string) (*network.Connection, bool)
	OnStateChange(fn func(network.StateChange))
}

// Transfers is the session layer. *transfer.Engine implements it.
type Transfers interface {
	Send(ctx context.Context, peerID, path string) (string, error)
	Cancel(sessionID string) error
	Resume(sessionID string) error
	Sessions() []transfer.Snapshot
	OnEvent(fn func(transfer.Event))
}

// Clipboard is the clipboard sync. *clipboard.Sync implements it.
type Clipboard interface {
	Share(text string) (int, error)
	OnReceived(fn func(clipboard.Received))
}

// ConnectionHandle identifies an established connection to the UI.
type ConnectionHandle struct {
	PeerID          string `json:"peer_id"`
	PeerName        string `json:"peer_name"`
	Address         string `json:"address"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Bridge translates UI commands into engine calls and internal changes into bus events.
type Bridge struct {
	peers     PeerSource
	conns     Connections
	transfers Transfers
	clipboard Clipboard
	bus       *Bus

	mu            sync.Mutex
	selected      string
	lastConnected string
	closed        bool

	unsubscribe func()
}

// New wires the bridge to its sources and starts publishing.
func New(peers PeerSource, conns Connections, transfers Transfers) *Bridge {
	b := &Bridge{
		peers:     peers,
		conns:     conns,
		transfers: transfers,
		bus:       NewBus(),
	}
	b.unsubscribe = peers.Subscribe(b.onRegistryEvent)
	conns.OnStateChange(b.onConnectionState)
	transfers.OnEvent(b.onTransferEvent)
	return b
}

// AttachClipboard publishes text received by c and routes ShareClipboard to it.
func (b *Bridge) AttachClipboard(c Clipboard) {
	b.mu.Lock()
	b.clipboard = c
	b.mu.Unlock()
	c.OnReceived(b.onClipboard)
}

// ShareClipboard sends text to every connected peer.
func (b *Bridge) ShareClipboard(text string) (int, error) {
	b.mu.Lock()
	c := b.clipboard
	b.mu.Unlock()
	if c == nil {
		return 0, ErrClipboardDisabled
	}
	return c.Share(text)
}

func (b *Bridge) onClipboard(rec clipboard.Received) {
	b.publish(Event{
		Kind:      KindClipboardReceived,
		PeerID:    rec.PeerID,
		Clipboard: &ClipboardContent{PeerName: rec.PeerName, Text: rec.Text},
	})
}

// Subscribe returns a new event subscription.
func (b *Bridge) Subscribe() *Subscription {
	return b.bus.Subscribe()
}

// Close stops publishing and ends all subscriptions.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.bus.Close()
}

func (b *Bridge) publish(event Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.bus.Publish(event)
}

// ConnectToPeer opens or reuses the connection to ip:port. The connected peer
// becomes the default target for SendFile.
func (b *Bridge) ConnectToPeer(ctx context.Context, ip string, port int) (ConnectionHandle, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ConnectionHandle{}, errors.New("ip is required")
	}
	if port <= 0 || port > 65535 {
		return ConnectionHandle{}, fmt.Errorf("invalid port %d", port)
	}

	conn, err := b.conns.Connect(ctx, ip, port)
	if err != nil {
		return ConnectionHandle{}, err
	}

	b.mu.Lock()
	b.lastConnected = conn.PeerID()
	b.mu.Unlock()

	return ConnectionHandle{
		PeerID:          conn.PeerID(),
		PeerName:        conn.PeerName(),
		Address:         conn.Address(),
		ProtocolVersion: conn.ProtocolVersion(),
	}, nil
}

// SelectPeer makes peerID the target of SendFile.
func (b *Bridge) SelectPeer(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	_, discovered := b.peers.Get(peerID)
	_, connected := b.conns.Get(peerID)
	if peerID == "" || (!discovered && !connected) {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}

	b.mu.Lock()
	b.selected = peerID
	b.mu.Unlock()
	return nil
}

// Target returns the peer SendFile would use: the selected peer, else the
// most recently connected one.
func (b *Bridge) Target() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected != "" {
		return b.selected, true
	}
	if b.lastConnected != "" {
		return b.lastConnected, true
	}
	return "", false
}

// SendFile sends path to the current target peer.
func (b *Bridge) SendFile(ctx context.Context, path string) (string, error) {
	peerID, ok := b.Target()
	if !ok {
		return "", ErrNoPeerSelected
	}
	return b.SendFileTo(ctx, peerID, path)
}

// SendFileTo sends path to an explicit peer.
func (b *Bridge) SendFileTo(ctx context.Context, peerID, path string) (string, error) {
	return b.transfers.Send(ctx, peerID, path)
}

// CancelTransfer cancels a session on both sides.
func (b *Bridge) CancelTransfer(sessionID string) error {
	return b.transfers.Cancel(sessionID)
}

// ResumeTransfer re-queues a paused outbound session.
func (b *Bridge) ResumeTransfer(sessionID string) error {
	return b.transfers.Resume(sessionID)
}

// Peers lists discovered peers.
func (b *Bridge) Peers() []models.Peer {
	return b.peers.List()
}

// Transfers lists every known session.
func (b *Bridge) Transfers() []transfer.Snapshot {
	return b.transfers.Sessions()
}

func (b *Bridge) onRegistryEvent(event registry.Event) {
	peer := event.Peer.Clone()
	switch event.Change {
	case registry.ChangeAdded:
		b.publish(Event{Kind: KindPeerDiscovered, PeerID: peer.ID, Peer: &peer})
	case registry.ChangeUpdated:
		b.publish(Event{Kind: KindPeerUpdated, PeerID: peer.ID, Peer: &peer})
	case registry.ChangeRemoved:
		b.publish(Event{Kind: KindPeerLost, PeerID: peer.ID})
	}
}

func (b *Bridge) onConnectionState(change network.StateChange) {
	if change.State == network.StateConnected && change.PeerID != "" {
		b.mu.Lock()
		b.lastConnected = change.PeerID
		b.mu.Unlock()
	}

	status := &ConnectionStatus{
		PeerID:   change.PeerID,
		PeerName: change.PeerName,
		Address:  change.Address,
		Outbound: change.Outbound,
		State:    string(change.State),
	}
	if change.Err != nil {
		status.Reason = network.Reason(change.Err)
	}
	b.publish(Event{Kind: KindConnectionState, PeerID: change.PeerID, Connection: status})
}

func (b *Bridge) onTransferEvent(event transfer.Event) {
	kind, ok := transferKinds[event.Kind]
	if !ok {
		logging.Debugf("bridge: unmapped transfer event %s", event.Kind)
		return
	}
	b.publish(Event{
		Kind:   kind,
		Time:   time.Now(),
		PeerID: event.PeerID,
		Transfer: &TransferStatus{
			SessionID:  event.SessionID,
			PeerID:     event.PeerID,
			Direction:  string(event.Direction),
			FileName:   event.FileName,
			State:      string(event.State),
			BytesAcked: event.BytesAcked,
			TotalBytes: event.TotalBytes,
			Reason:     event.Reason,
		},
	})
}

var transferKinds = map[transfer.EventKind]Kind{
	transfer.EventQueued:    KindTransferQueued,
	transfer.EventState:     KindTransferState,
	transfer.EventProgress:  KindTransferProgress,
	transfer.EventCompleted: KindTransferComplete,
	transfer.EventFailed:    KindTransferFailed,
	transfer.EventPaused:    KindTransferPaused,
	transfer.EventCancelled: KindTransferCancelled,
}
