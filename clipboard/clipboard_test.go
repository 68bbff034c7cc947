package clipboard

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"fluxbridge/logging"
	"fluxbridge/network"
)

func init() {
	logging.SetOutput(discardWriter{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type memoryBoard struct {
	mu     sync.Mutex
	text   string
	writes []string
}

func (b *memoryBoard) ReadAll() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text, nil
}

func (b *memoryBoard) WriteAll(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
	b.writes = append(b.writes, text)
	return nil
}

// copy simulates the user copying text locally.
func (b *memoryBoard) copy(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
}

func (b *memoryBoard) current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *memoryBoard) written() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.writes)
}

type testNode struct {
	id      string
	manager *network.Manager
	board   *memoryBoard
	sync    *Sync

	mu       sync.Mutex
	received []Received
}

func newTestNode(t *testing.T, id string, maxBytes int) *testNode {
	t.Helper()
	manager, err := network.NewManager(network.ManagerOptions{
		Identity:             network.Identity{PeerID: id, PeerName: "name-" + id},
		ListenAddress:        "127.0.0.1:0",
		HandshakeTimeout:     time.Second,
		DialTimeout:          time.Second,
		RetryInitialInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("manager Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	node := &testNode{id: id, manager: manager, board: &memoryBoard{text: "initial-" + id}}
	node.sync, err = NewSync(node.board, manager, Options{PollInterval: 20 * time.Millisecond, MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("NewSync failed: %v", err)
	}
	node.sync.OnReceived(func(rec Received) {
		node.mu.Lock()
		defer node.mu.Unlock()
		node.received = append(node.received, rec)
	})
	if err := node.sync.Start(context.Background()); err != nil {
		t.Fatalf("Sync Start failed: %v", err)
	}
	t.Cleanup(node.sync.Stop)
	return node
}

func (n *testNode) receivedCopy() []Received {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.received)
}

func connectNodes(t *testing.T, from, to *testNode) {
	t.Helper()
	if _, err := from.manager.Connect(context.Background(), "127.0.0.1", to.manager.Port()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := to.manager.Get(from.id)
		return ok
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestLocalCopyReachesPeerWithoutEcho(t *testing.T) {
	a := newTestNode(t, "peer-a", 0)
	b := newTestNode(t, "peer-b", 0)
	connectNodes(t, a, b)

	a.board.copy("hello from a")
	waitFor(t, func() bool { return b.board.current() == "hello from a" })

	got := b.receivedCopy()
	if len(got) != 1 || got[0].PeerID != "peer-a" || got[0].PeerName != "name-peer-a" || got[0].Text != "hello from a" {
		t.Fatalf("unexpected received events %+v", got)
	}

	// Several poll periods on both sides.
	time.Sleep(200 * time.Millisecond)
	if writes := a.board.written(); len(writes) != 0 {
		t.Fatalf("applied text must not be sent back, peer-a got writes %q", writes)
	}
	if len(a.receivedCopy()) != 0 {
		t.Fatalf("expected no received events on the origin")
	}
	if len(b.receivedCopy()) != 1 {
		t.Fatalf("expected exactly one received event, got %d", len(b.receivedCopy()))
	}
}

func TestInitialClipboardIsNotShared(t *testing.T) {
	a := newTestNode(t, "peer-a", 0)
	b := newTestNode(t, "peer-b", 0)
	connectNodes(t, a, b)

	time.Sleep(150 * time.Millisecond)
	if writes := b.board.written(); len(writes) != 0 {
		t.Fatalf("expected clipboard content present at start to stay local, got %q", writes)
	}
}

func TestOversizedTextIsDropped(t *testing.T) {
	a := newTestNode(t, "peer-a", 0)
	b := newTestNode(t, "peer-b", 32)
	connectNodes(t, a, b)

	a.board.copy(strings.Repeat("x", 64))
	time.Sleep(100 * time.Millisecond)
	a.board.copy("small")
	waitFor(t, func() bool { return b.board.current() == "small" })

	if writes := b.board.written(); !slices.Equal(writes, []string{"small"}) {
		t.Fatalf("expected only the small text to be applied, got %q", writes)
	}
}

func TestShareSendsToConnectedPeers(t *testing.T) {
	a := newTestNode(t, "peer-a", 0)
	b := newTestNode(t, "peer-b", 0)

	if n, err := b.sync.Share("before connect"); err != nil || n != 0 {
		t.Fatalf("expected no recipients before connecting, got %d %v", n, err)
	}

	connectNodes(t, a, b)
	n, err := b.sync.Share("from b")
	if err != nil || n != 1 {
		t.Fatalf("expected one recipient, got %d %v", n, err)
	}
	waitFor(t, func() bool { return a.board.current() == "from b" })

	if _, err := b.sync.Share(""); err == nil {
		t.Fatalf("expected empty text to be rejected")
	}
}
