package transfer

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"fluxbridge/network"
	"fluxbridge/storage"
)

// State is the lifecycle state of one transfer session.
type State string

const (
	StateQueued       State = storage.TransferStateQueued
	StateNegotiating  State = storage.TransferStateNegotiating
	StateTransferring State = storage.TransferStateTransferring
	StateCompleted    State = storage.TransferStateCompleted
	StatePaused       State = storage.TransferStatePaused
	StateFailed       State = storage.TransferStateFailed
	StateCancelled    State = storage.TransferStateCancelled
)

// Terminal reports whether the session can no longer change state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Direction says which side of the session this device is.
type Direction string

const (
	DirectionSend    Direction = storage.TransferDirectionSend
	DirectionReceive Direction = storage.TransferDirectionReceive
)

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID             string    `json:"id"`
	PeerID         string    `json:"peer_id"`
	PeerName       string    `json:"peer_name,omitempty"`
	Direction      Direction `json:"direction"`
	FileName       string    `json:"file_name"`
	FilePath       string    `json:"file_path"`
	FileSize       int64     `json:"file_size"`
	FileHash       string    `json:"file_hash"`
	ChunkSize      int       `json:"chunk_size"`
	TotalChunks    int       `json:"total_chunks"`
	NextChunkIndex int       `json:"next_chunk_index"`
	AckedChunks    []int     `json:"-"`
	BytesAcked     int64     `json:"bytes_acked"`
	State          State     `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type session struct {
	mu sync.Mutex

	id        string
	peerID    string
	peerName  string
	direction Direction
	fileName  string
	// filePath is the source for sends and the final destination for receives.
	filePath    string
	tempPath    string
	fileSize    int64
	fileHash    string
	chunkSize   int
	totalChunks int
	createdAt   time.Time

	acked      map[int]struct{}
	checksums  map[int][]byte
	bytesAcked int64

	state State
	err   error

	// Sender side.
	negotiated      bool
	run             *outboundRun
	cancelRequested bool
	pauseRequested  bool

	// Receiver side. file is open only while Transferring.
	conn *network.Connection
	file *os.File
}

// outboundRun is one attempt to drive a send session over one connection.
type outboundRun struct {
	conn   *network.Connection
	inbox  chan network.Message
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	acked := make([]int, 0, len(s.acked))
	for index := range s.acked {
		acked = append(acked, index)
	}
	sort.Ints(acked)

	return Snapshot{
		ID:             s.id,
		PeerID:         s.peerID,
		PeerName:       s.peerName,
		Direction:      s.direction,
		FileName:       s.fileName,
		FilePath:       s.filePath,
		FileSize:       s.fileSize,
		FileHash:       s.fileHash,
		ChunkSize:      s.chunkSize,
		TotalChunks:    s.totalChunks,
		NextChunkIndex: s.nextChunkIndexLocked(),
		AckedChunks:    acked,
		BytesAcked:     s.bytesAcked,
		State:          s.state,
		Reason:         Reason(s.err),
		CreatedAt:      s.createdAt,
	}
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) nextChunkIndexLocked() int {
	for index := 0; index < s.totalChunks; index++ {
		if _, ok := s.acked[index]; !ok {
			return index
		}
	}
	return s.totalChunks
}

func (s *session) chunkLen(index int) int {
	return chunkLength(s.fileSize, s.chunkSize, index)
}

// markAcked records index and reports whether it was newly acknowledged.
func (s *session) markAcked(index int, checksum []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markAckedLocked(index, checksum)
}

func (s *session) markAckedLocked(index int, checksum []byte) bool {
	if index < 0 || index >= s.totalChunks {
		return false
	}
	if _, ok := s.acked[index]; ok {
		return false
	}
	s.acked[index] = struct{}{}
	if checksum != nil {
		s.checksums[index] = checksum
	}
	s.bytesAcked += int64(s.chunkLen(index))
	return true
}

// resetAcked replaces the acknowledged set with the receiver's view.
func (s *session) resetAcked(indices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = make(map[int]struct{}, len(indices))
	s.bytesAcked = 0
	for _, index := range indices {
		s.markAckedLocked(index, nil)
	}
}

func (s *session) missingChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	missing := make([]int, 0, s.totalChunks-len(s.acked))
	for index := 0; index < s.totalChunks; index++ {
		if _, ok := s.acked[index]; !ok {
			missing = append(missing, index)
		}
	}
	return missing
}

func (s *session) ackedList() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.acked))
	for index := range s.acked {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

func (s *session) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked) == s.totalChunks
}

func (s *session) event(kind EventKind) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked(kind)
}

func (s *session) eventLocked(kind EventKind) Event {
	return Event{
		Kind:       kind,
		SessionID:  s.id,
		PeerID:     s.peerID,
		Direction:  s.direction,
		FileName:   s.fileName,
		State:      s.state,
		BytesAcked: s.bytesAcked,
		TotalBytes: s.fileSize,
	}
}

func (s *session) record() storage.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Transfer{
		SessionID:   s.id,
		PeerID:      s.peerID,
		PeerName:    s.peerName,
		Direction:   string(s.direction),
		FileName:    s.fileName,
		FilePath:    s.filePath,
		TempPath:    s.tempPath,
		FileSize:    s.fileSize,
		FileHash:    s.fileHash,
		ChunkSize:   s.chunkSize,
		TotalChunks: s.totalChunks,
		State:       string(s.state),
		Error:       Reason(s.err),
		CreatedAt:   s.createdAt.UnixMilli(),
	}
}

// beginRun claims the session for a send attempt. It fails when the session
// was cancelled while queued or another run is active.
func (s *session) beginRun(run *outboundRun) (resume bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.run != nil || s.cancelRequested {
		return false, false
	}
	s.run = run
	s.pauseRequested = false
	return s.negotiated, true
}

func (s *session) endRun(run *outboundRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == run {
		s.run = nil
	}
	close(run.done)
}

func (s *session) currentRun() *outboundRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *session) attachConn(run *outboundRun, conn *network.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.conn = conn
	if s.peerName == "" {
		s.peerName = conn.PeerName()
	}
}

// runOn returns the active run only when it is bound to conn.
func (s *session) runOn(conn *network.Connection) *outboundRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.conn != conn {
		return nil
	}
	return s.run
}

// runStale reports whether the active run's connection has gone away.
func (s *session) runStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && s.run.conn != nil && connDone(s.run.conn)
}

func (s *session) setNegotiated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiated = true
}

func (s *session) requestPause() {
	s.mu.Lock()
	run := s.run
	s.pauseRequested = true
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}
}

func (s *session) requestCancel() *outboundRun {
	s.mu.Lock()
	run := s.run
	s.cancelRequested = true
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return run
}

func (s *session) flags() (cancelRequested, pauseRequested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested, s.pauseRequested
}

// closeFile releases the receiver's destination handle.
func (s *session) closeFile() {
	s.mu.Lock()
	file := s.file
	s.file = nil
	s.mu.Unlock()
	if file != nil {
		_ = file.Close()
	}
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// chunkLength is the payload size of chunk index; only the last chunk may be short.
func chunkLength(size int64, chunkSize, index int) int {
	offset := int64(index) * int64(chunkSize)
	if offset >= size {
		return 0
	}
	remaining := size - offset
	if remaining < int64(chunkSize) {
		return int(remaining)
	}
	return chunkSize
}

func connDone(conn *network.Connection) bool {
	if conn == nil {
		return true
	}
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}
