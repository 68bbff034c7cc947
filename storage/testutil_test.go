package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, sessionID, direction string) Transfer {
	t.Helper()

	transfer := Transfer{
		SessionID:   sessionID,
		PeerID:      "peer-1",
		PeerName:    "Peer One",
		Direction:   direction,
		FileName:    "archive.bin",
		FilePath:    "/tmp/archive.bin",
		FileSize:    10 * 65536,
		FileHash:    "abc123",
		ChunkSize:   65536,
		TotalChunks: 10,
		State:       TransferStateQueued,
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("save transfer %q: %v", sessionID, err)
	}
	return transfer
}
