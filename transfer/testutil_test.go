package transfer

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
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

type testPeer struct {
	id          string
	manager     *network.Manager
	engine      *Engine
	downloadDir string

	mu     sync.Mutex
	events []Event
}

func newTestPeer(t *testing.T, id string, mutate ...func(*Options)) *testPeer {
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

	opts := Options{
		DownloadDir:     filepath.Join(t.TempDir(), "downloads"),
		ResponseTimeout: 5 * time.Second,
		AckTimeout:      5 * time.Second,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	engine, err := NewEngine(manager, opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	peer := &testPeer{id: id, manager: manager, engine: engine, downloadDir: opts.DownloadDir}
	engine.OnEvent(func(event Event) {
		peer.mu.Lock()
		peer.events = append(peer.events, event)
		peer.mu.Unlock()
	})
	return peer
}

func (p *testPeer) start(t *testing.T) {
	t.Helper()
	if err := p.engine.Start(context.Background()); err != nil {
		t.Fatalf("engine Start failed: %v", err)
	}
	t.Cleanup(p.engine.Stop)
}

func (p *testPeer) countEvents(sessionID string, kind EventKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, event := range p.events {
		if event.SessionID == sessionID && event.Kind == kind {
			count++
		}
	}
	return count
}

func (p *testPeer) eventsOf(kind EventKind) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, event := range p.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func connectPeers(t *testing.T, from, to *testPeer) {
	t.Helper()
	if _, err := from.manager.Connect(context.Background(), "127.0.0.1", to.manager.Port()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := to.manager.Get(from.id)
		return ok
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitState(t *testing.T, p *testPeer, sessionID string, want State) Snapshot {
	t.Helper()
	var last Snapshot
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := p.engine.Session(sessionID); ok {
			last = snap
			if snap.State == want {
				return snap
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: session %s never reached %s (last state %q reason %q)", p.id, sessionID, want, last.State, last.Reason)
	return last
}

func writeRandomFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size) + 7)).Read(data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path
}

func assertSameContent(t *testing.T, want, got string) {
	t.Helper()
	wantBytes, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	gotBytes, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read %s: %v", got, err)
	}
	if !bytes.Equal(wantBytes, gotBytes) {
		t.Fatalf("content mismatch: %s has %d bytes, %s has %d bytes", want, len(wantBytes), got, len(gotBytes))
	}
}

type chunkLog struct {
	mu    sync.Mutex
	sends map[int]int
	nacks int
}

func newChunkLog() *chunkLog {
	return &chunkLog{sends: make(map[int]int)}
}

func (l *chunkLog) sent(index, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends[index]++
}

func (l *chunkLog) nacked(int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nacks++
}

func (l *chunkLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends = make(map[int]int)
	l.nacks = 0
}

func (l *chunkLog) snapshot() (map[int]int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]int, len(l.sends))
	for index, count := range l.sends {
		out[index] = count
	}
	return out, l.nacks
}
