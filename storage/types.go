package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferDirectionSend marks sessions this device sends.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks sessions this device receives.
	TransferDirectionReceive = "receive"
)

// Session states as stored in transfers.state.
const (
	TransferStateQueued       = "queued"
	TransferStateNegotiating  = "negotiating"
	TransferStateTransferring = "transferring"
	TransferStateCompleted    = "completed"
	TransferStatePaused       = "paused"
	TransferStateFailed       = "failed"
	TransferStateCancelled    = "cancelled"
)

// Transfer is the SQLite representation of one transfer session.
type Transfer struct {
	SessionID   string
	PeerID      string
	PeerName    string
	Direction   string
	FileName    string
	FilePath    string
	TempPath    string
	FileSize    int64
	FileHash    string
	ChunkSize   int
	TotalChunks int
	State       string
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
}

// TransferChunk is one acknowledged chunk with the checksum it was verified against.
type TransferChunk struct {
	SessionID string
	Index     int
	Checksum  []byte
	AckedAt   int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferState(state string) error {
	switch state {
	case TransferStateQueued, TransferStateNegotiating, TransferStateTransferring,
		TransferStateCompleted, TransferStatePaused, TransferStateFailed, TransferStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer state %q", state)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
