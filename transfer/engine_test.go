package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fluxbridge/storage"
)

func TestSendDeliversFilesOfEverySize(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	srcDir := t.TempDir()
	sizes := []int{0, 1, DefaultChunkSize, 3 * DefaultChunkSize, 3*DefaultChunkSize + 1}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			src := writeRandomFile(t, srcDir, fmt.Sprintf("size-%d.bin", size), size)

			id, err := a.engine.Send(context.Background(), "peer-b", src)
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			sent := waitState(t, a, id, StateCompleted)
			received := waitState(t, b, id, StateCompleted)

			if sent.TotalChunks != chunkCount(int64(size), DefaultChunkSize) {
				t.Fatalf("unexpected chunk count %d for %d bytes", sent.TotalChunks, size)
			}
			if received.FilePath != filepath.Join(b.downloadDir, filepath.Base(src)) {
				t.Fatalf("unexpected destination %q", received.FilePath)
			}
			assertSameContent(t, src, received.FilePath)
			if _, err := os.Stat(received.FilePath + partialSuffix); !os.IsNotExist(err) {
				t.Fatalf("expected partial file to be renamed away, stat err=%v", err)
			}

			waitFor(t, 2*time.Second, func() bool { return a.countEvents(id, EventCompleted) >= 1 })
			time.Sleep(50 * time.Millisecond)
			if got := a.countEvents(id, EventCompleted); got != 1 {
				t.Fatalf("expected exactly one completion event, got %d", got)
			}
		})
	}
}

func TestTenMebibyteFileUses160Chunks(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "ten.bin", 10*1024*1024)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := waitState(t, a, id, StateCompleted)
	if sent.TotalChunks != 160 || len(sent.AckedChunks) != 160 || sent.BytesAcked != 10*1024*1024 {
		t.Fatalf("unexpected sender snapshot: chunks=%d acked=%d bytes=%d", sent.TotalChunks, len(sent.AckedChunks), sent.BytesAcked)
	}
	received := waitState(t, b, id, StateCompleted)
	assertSameContent(t, src, received.FilePath)
	waitFor(t, 2*time.Second, func() bool { return a.countEvents(id, EventCompleted) == 1 })

	progress := 0
	for _, event := range a.eventsOf(EventProgress) {
		if event.SessionID == id {
			progress++
		}
	}
	if progress != 160 {
		t.Fatalf("expected one progress event per chunk, got %d", progress)
	}
}

func TestCorruptedChunkIsRetransmitted(t *testing.T) {
	log := newChunkLog()
	a := newTestPeer(t, "peer-a")
	a.engine.hooks = testHooks{
		mutateChunk: func(index, attempt int, payload []byte) []byte {
			if index != 5 || attempt != 0 {
				return payload
			}
			corrupted := append([]byte(nil), payload...)
			corrupted[0] ^= 0xFF
			return corrupted
		},
		onChunkSent: log.sent,
		onNack:      log.nacked,
	}
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "retry.bin", 10*DefaultChunkSize)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitState(t, a, id, StateCompleted)
	received := waitState(t, b, id, StateCompleted)
	assertSameContent(t, src, received.FilePath)

	sends, nacks := log.snapshot()
	if nacks != 1 {
		t.Fatalf("expected one nack, got %d", nacks)
	}
	if sends[5] != 2 {
		t.Fatalf("expected chunk 5 to be sent twice, got %d", sends[5])
	}
	for index := 0; index < 10; index++ {
		if index != 5 && sends[index] != 1 {
			t.Fatalf("expected chunk %d to be sent once, got %d", index, sends[index])
		}
	}
}

func TestPersistentCorruptionFailsWithChecksumExceeded(t *testing.T) {
	log := newChunkLog()
	a := newTestPeer(t, "peer-a")
	a.engine.hooks = testHooks{
		mutateChunk: func(index, _ int, payload []byte) []byte {
			if index != 5 {
				return payload
			}
			corrupted := append([]byte(nil), payload...)
			corrupted[len(corrupted)-1] ^= 0x01
			return corrupted
		},
		onNack: log.nacked,
	}
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "broken.bin", 8*DefaultChunkSize)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	failed := waitState(t, a, id, StateFailed)
	if !strings.HasPrefix(failed.Reason, "ChecksumExceeded") {
		t.Fatalf("expected ChecksumExceeded reason, got %q", failed.Reason)
	}
	if _, nacks := log.snapshot(); nacks != DefaultRetryLimit {
		t.Fatalf("expected %d nacks, got %d", DefaultRetryLimit, nacks)
	}

	remote := waitState(t, b, id, StateFailed)
	if !strings.HasPrefix(remote.Reason, "ChecksumExceeded") {
		t.Fatalf("expected receiver to record ChecksumExceeded, got %q", remote.Reason)
	}

	waitFor(t, 2*time.Second, func() bool { return len(a.eventsOf(EventFailed)) == 1 })
	if event := a.eventsOf(EventFailed)[0]; !strings.HasPrefix(event.Reason, "ChecksumExceeded") {
		t.Fatalf("unexpected failed event reason %q", event.Reason)
	}
}

func TestResumeAfterDisconnectSendsOnlyMissingChunks(t *testing.T) {
	log := newChunkLog()
	var b *testPeer
	a := newTestPeer(t, "peer-a", func(o *Options) { o.Window = 1 })
	a.engine.hooks = testHooks{
		onChunkSent: log.sent,
		afterAck: func(_ string, index int) {
			if index == 79 {
				_ = a.manager.Close("peer-b")
			}
		},
	}
	b = newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "resume.bin", 10*1024*1024)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	paused := waitState(t, a, id, StatePaused)
	if len(paused.AckedChunks) != 80 || paused.NextChunkIndex != 80 {
		t.Fatalf("expected 80 acked chunks at pause, got %d (next %d)", len(paused.AckedChunks), paused.NextChunkIndex)
	}
	if !strings.HasPrefix(paused.Reason, "PeerDisconnected") {
		t.Fatalf("expected PeerDisconnected reason, got %q", paused.Reason)
	}
	waitState(t, b, id, StatePaused)

	a.engine.hooks.afterAck = nil
	log.reset()
	if _, err := a.manager.Connect(context.Background(), "127.0.0.1", b.manager.Port()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	waitState(t, a, id, StateCompleted)
	received := waitState(t, b, id, StateCompleted)
	assertSameContent(t, src, received.FilePath)

	sends, _ := log.snapshot()
	if len(sends) != 80 {
		t.Fatalf("expected 80 distinct chunks after resume, got %d", len(sends))
	}
	for index := 80; index < 160; index++ {
		if sends[index] != 1 {
			t.Fatalf("expected chunk %d to be sent exactly once after resume, got %d", index, sends[index])
		}
	}
}

func TestResumeFailsWhenPartialFileChanged(t *testing.T) {
	a := newTestPeer(t, "peer-a", func(o *Options) { o.Window = 1 })
	a.engine.hooks = testHooks{
		afterAck: func(_ string, index int) {
			if index == 4 {
				_ = a.manager.Close("peer-b")
			}
		},
	}
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "tampered.bin", 20*DefaultChunkSize)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitState(t, a, id, StatePaused)
	paused := waitState(t, b, id, StatePaused)

	part, err := os.OpenFile(paused.FilePath+partialSuffix, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open partial file: %v", err)
	}
	first := make([]byte, 1)
	if _, err := part.ReadAt(first, 0); err != nil {
		t.Fatalf("read partial file: %v", err)
	}
	if _, err := part.WriteAt([]byte{first[0] ^ 0xff}, 0); err != nil {
		t.Fatalf("modify partial file: %v", err)
	}
	if err := part.Close(); err != nil {
		t.Fatalf("close partial file: %v", err)
	}

	a.engine.hooks.afterAck = nil
	if _, err := a.manager.Connect(context.Background(), "127.0.0.1", b.manager.Port()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	sent := waitState(t, a, id, StateFailed)
	received := waitState(t, b, id, StateFailed)
	for _, snap := range []Snapshot{sent, received} {
		if !strings.HasPrefix(snap.Reason, "IntegrityError") || !strings.Contains(snap.Reason, "chunk 0") {
			t.Fatalf("expected integrity failure naming chunk 0, got %q", snap.Reason)
		}
	}
	if _, err := os.Stat(received.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected no final file after failed resume, stat err=%v", err)
	}
}

func TestReceiverCancelStopsSender(t *testing.T) {
	var b *testPeer
	a := newTestPeer(t, "peer-a", func(o *Options) { o.Window = 1 })
	a.engine.hooks = testHooks{
		afterAck: func(sessionID string, index int) {
			if index == 2 {
				_ = b.engine.Cancel(sessionID)
			}
		},
	}
	b = newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "receiver-cancel.bin", 20*DefaultChunkSize)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := waitState(t, a, id, StateCancelled)
	if !strings.Contains(sent.Reason, "cancelled by peer") {
		t.Fatalf("expected sender to report the peer cancel, got %q", sent.Reason)
	}
	received := waitState(t, b, id, StateCancelled)
	if _, err := os.Stat(received.FilePath + partialSuffix); err != nil {
		t.Fatalf("expected partial file to remain after cancel: %v", err)
	}
	if len(sent.AckedChunks) >= 20 {
		t.Fatalf("expected transfer to stop early, %d chunks acked", len(sent.AckedChunks))
	}
}

func TestConcurrencyCapRunsSessionsInRequestOrder(t *testing.T) {
	a := newTestPeer(t, "peer-a", func(o *Options) { o.MaxConcurrent = 1 })
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	srcDir := t.TempDir()
	var ids []string
	for i := 0; i < 3; i++ {
		src := writeRandomFile(t, srcDir, fmt.Sprintf("queued-%d.bin", i), 4*DefaultChunkSize+i)
		id, err := a.engine.Send(context.Background(), "peer-b", src)
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitState(t, a, id, StateCompleted)
	}
	waitFor(t, 2*time.Second, func() bool { return len(a.eventsOf(EventCompleted)) == 3 })

	a.mu.Lock()
	events := append([]Event(nil), a.events...)
	a.mu.Unlock()

	active := map[string]bool{}
	var completed []string
	for _, event := range events {
		switch event.State {
		case StateNegotiating, StateTransferring:
			active[event.SessionID] = true
		case StateCompleted:
			delete(active, event.SessionID)
			if event.Kind == EventCompleted {
				completed = append(completed, event.SessionID)
			}
		}
		if len(active) > 1 {
			t.Fatalf("more than one session active at once: %v", active)
		}
	}
	for i, id := range ids {
		if completed[i] != id {
			t.Fatalf("expected completion order %v, got %v", ids, completed)
		}
	}
}

func TestCancelStopsBothSidesAndKeepsPartialFile(t *testing.T) {
	a := newTestPeer(t, "peer-a", func(o *Options) { o.Window = 1 })
	a.engine.hooks = testHooks{
		afterAck: func(sessionID string, index int) {
			if index == 2 {
				_ = a.engine.Cancel(sessionID)
			}
		},
	}
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "cancel.bin", 20*DefaultChunkSize)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitState(t, a, id, StateCancelled)
	received := waitState(t, b, id, StateCancelled)
	if _, err := os.Stat(received.FilePath + partialSuffix); err != nil {
		t.Fatalf("expected partial file to remain after cancel: %v", err)
	}
	if _, err := os.Stat(received.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected no final file after cancel, stat err=%v", err)
	}

	if err := a.engine.Cancel(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a finished session, got %v", err)
	}
	if err := a.engine.Resume(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState resuming a cancelled session, got %v", err)
	}
	if err := a.engine.Cancel("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestNameConflictRenamesDestination(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	existing := filepath.Join(b.downloadDir, "report.txt")
	if err := os.WriteFile(existing, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("write existing file: %v", err)
	}

	src := writeRandomFile(t, t.TempDir(), "report.txt", 1000)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	received := waitState(t, b, id, StateCompleted)
	if received.FilePath != filepath.Join(b.downloadDir, "report (1).txt") {
		t.Fatalf("expected renamed destination, got %q", received.FilePath)
	}
	assertSameContent(t, src, received.FilePath)

	kept, err := os.ReadFile(existing)
	if err != nil || string(kept) != "keep me" {
		t.Fatalf("existing file was modified: %q err=%v", kept, err)
	}
}

func TestNameConflictRejectPolicy(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b", func(o *Options) { o.ConflictPolicy = ConflictReject })
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	if err := os.WriteFile(filepath.Join(b.downloadDir, "report.txt"), []byte("taken"), 0o600); err != nil {
		t.Fatalf("write existing file: %v", err)
	}
	src := writeRandomFile(t, t.TempDir(), "report.txt", 1000)
	id, err := a.engine.Send(context.Background(), "peer-b", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	failed := waitState(t, a, id, StateFailed)
	if !strings.HasPrefix(failed.Reason, "NegotiationRejected") {
		t.Fatalf("expected NegotiationRejected, got %q", failed.Reason)
	}
	if _, ok := b.engine.Session(id); ok {
		t.Fatalf("rejected session must not be tracked by the receiver")
	}
}

func TestHashMismatchFailsWithIntegrityError(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b")
	a.start(t)
	b.start(t)
	connectPeers(t, a, b)

	src := writeRandomFile(t, t.TempDir(), "tampered.bin", 3*DefaultChunkSize)
	id, err := a.engine.sendWithHashOverride(context.Background(), "peer-b", src, strings.Repeat("0", 64))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	failed := waitState(t, a, id, StateFailed)
	if !strings.HasPrefix(failed.Reason, "IntegrityError") {
		t.Fatalf("expected IntegrityError, got %q", failed.Reason)
	}
	received := waitState(t, b, id, StateFailed)
	if !strings.HasPrefix(received.Reason, "IntegrityError") {
		t.Fatalf("expected receiver IntegrityError, got %q", received.Reason)
	}
	if _, err := os.Stat(received.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected no final file after integrity failure, stat err=%v", err)
	}
}

func TestSendValidation(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	if _, err := a.engine.Send(context.Background(), "peer-b", "/nope"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before Start, got %v", err)
	}
	a.start(t)

	if _, err := a.engine.Send(context.Background(), "", "/tmp/x"); err == nil {
		t.Fatalf("expected error for empty peer id")
	}
	_, err := a.engine.Send(context.Background(), "peer-b", filepath.Join(t.TempDir(), "missing.bin"))
	if !errors.Is(err, ErrDisk) {
		t.Fatalf("expected ErrDisk for missing source, got %v", err)
	}
	if _, err := a.engine.Send(context.Background(), "peer-b", t.TempDir()); !errors.Is(err, ErrDisk) {
		t.Fatalf("expected ErrDisk for directory source, got %v", err)
	}
}

func TestUnreachablePeerFailsFreshSession(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	a.start(t)

	src := writeRandomFile(t, t.TempDir(), "lonely.bin", 10)
	id, err := a.engine.Send(context.Background(), "peer-nowhere", src)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	failed := waitState(t, a, id, StateFailed)
	if failed.Reason == "" {
		t.Fatalf("expected a failure reason")
	}
}

func TestPersistedSessionsReloadAsPaused(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.SaveTransfer(storage.Transfer{
		SessionID:   "interrupted",
		PeerID:      "peer-b",
		Direction:   storage.TransferDirectionSend,
		FileName:    "big.bin",
		FilePath:    "/tmp/big.bin",
		FileSize:    4 * DefaultChunkSize,
		FileHash:    strings.Repeat("a", 64),
		ChunkSize:   DefaultChunkSize,
		TotalChunks: 4,
		State:       storage.TransferStateTransferring,
	}); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}
	for _, index := range []int{0, 1} {
		if err := store.MarkChunkAcked("interrupted", index, nil); err != nil {
			t.Fatalf("MarkChunkAcked failed: %v", err)
		}
	}

	a := newTestPeer(t, "peer-a", func(o *Options) { o.Store = store })
	a.start(t)

	snap, ok := a.engine.Session("interrupted")
	if !ok {
		t.Fatalf("expected persisted session to be restored")
	}
	if snap.State != StatePaused || len(snap.AckedChunks) != 2 || snap.NextChunkIndex != 2 {
		t.Fatalf("unexpected restored snapshot: %+v", snap)
	}
	record, err := store.GetTransfer("interrupted")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if record.State != storage.TransferStatePaused {
		t.Fatalf("expected stored state paused, got %q", record.State)
	}
}
