package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"fluxbridge/crypto"
	"fluxbridge/logging"
	"fluxbridge/network"
	"fluxbridge/storage"
)

const (
	DefaultChunkSize       = 64 * 1024
	DefaultWindow          = 8
	DefaultMaxConcurrent   = 4
	DefaultRetryLimit      = 3
	DefaultResponseTimeout = 30 * time.Second
	DefaultAckTimeout      = 30 * time.Second

	// MaxChunkSize keeps one ChunkData frame well below network.MaxFrameSize.
	MaxChunkSize = 8 * 1024 * 1024
)

// Destination conflict policies for received files.
const (
	ConflictRename = "rename"
	ConflictReject = "reject"
)

// Transport is the connection layer the engine drives. *network.Manager implements it.
type Transport interface {
	Get(peerID string) (*network.Connection, bool)
	ConnectPeer(ctx context.Context, peerID string) (*network.Connection, error)
	OnMessage(handler network.MessageHandler)
	OnConnected(fn func(*network.Connection))
	OnDisconnected(fn func(peerID string, err error))
}

// Store persists sessions so they survive restarts. *storage.Store implements it.
type Store interface {
	SaveTransfer(transfer storage.Transfer) error
	UpdateTransferState(sessionID, state, reason string) error
	ListTransfers(states ...string) ([]storage.Transfer, error)
	MarkChunkAcked(sessionID string, index int, checksum []byte) error
	AckedChunks(sessionID string) ([]storage.TransferChunk, error)
}

// Options configures the transfer engine.
type Options struct {
	DownloadDir     string
	ChunkSize       int
	Window          int
	MaxConcurrent   int
	RetryLimit      int
	ConflictPolicy  string
	ResponseTimeout time.Duration
	AckTimeout      time.Duration
	// Store is optional; without it sessions live in memory only.
	Store Store
}

func (o Options) withDefaults() Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if out.RetryLimit <= 0 {
		out.RetryLimit = DefaultRetryLimit
	}
	if out.ConflictPolicy != ConflictReject {
		out.ConflictPolicy = ConflictRename
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	return out
}

// testHooks are injection points used by tests to observe and corrupt the pipeline.
type testHooks struct {
	mutateChunk func(index, attempt int, payload []byte) []byte
	onChunkSent func(index, attempt int)
	onNack      func(index int)
	// afterAck runs on the ack consumer before the window slot is released.
	afterAck func(sessionID string, index int)
}

// Engine runs send and receive sessions over the connection manager.
type Engine struct {
	options   Options
	transport Transport
	slots     *semaphore.Weighted
	events    *emitter
	hooks     testHooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.RWMutex
	sessions map[string]*session
	// claimMu serializes destination selection for inbound sessions.
	claimMu sync.Mutex

	queueMu     sync.Mutex
	queue       []*session
	queueSignal chan struct{}
}

// NewEngine validates options and creates an idle engine.
func NewEngine(transport Transport, options Options) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	opts := options.withDefaults()
	if strings.TrimSpace(opts.DownloadDir) == "" {
		return nil, errors.New("download directory is required")
	}
	if opts.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds max %d", opts.ChunkSize, MaxChunkSize)
	}

	return &Engine{
		options:     opts,
		transport:   transport,
		slots:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		events:      newEmitter(),
		sessions:    make(map[string]*session),
		queueSignal: make(chan struct{}, 1),
	}, nil
}

// OnEvent registers fn for every session event. Events are delivered in order
// on a dedicated goroutine.
func (e *Engine) OnEvent(fn func(Event)) {
	e.events.subscribe(fn)
}

// Start loads interrupted sessions, wires the transport and starts the queue.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		if err := os.MkdirAll(e.options.DownloadDir, 0o700); err != nil {
			startErr = fmt.Errorf("create download directory: %w", err)
			return
		}
		e.ctx, e.cancel = context.WithCancel(ctx)

		if err := e.loadPersisted(); err != nil {
			logging.Warnf("transfer: load persisted sessions: %v", err)
		}

		e.transport.OnMessage(e.handleMessage)
		e.transport.OnConnected(e.onConnected)
		e.transport.OnDisconnected(e.onDisconnected)

		go e.events.run()
		e.wg.Add(1)
		go e.dispatchLoop()
	})
	return startErr
}

// Stop cancels running sessions, leaving them Paused for a later resume.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()
		e.wg.Wait()

		for _, s := range e.allSessions() {
			if s.direction != DirectionReceive {
				continue
			}
			s.closeFile()
			if s.currentState() == StateTransferring {
				e.transition(s, StatePaused, nil)
			}
		}
		e.events.close()
	})
}

func (e *Engine) stopped() bool {
	return e.ctx == nil || e.ctx.Err() != nil
}

// Send queues a transfer of path to peerID and returns the session id.
func (e *Engine) Send(ctx context.Context, peerID, path string) (string, error) {
	return e.sendWithHashOverride(ctx, peerID, path, "")
}

func (e *Engine) sendWithHashOverride(ctx context.Context, peerID, path, hashOverride string) (string, error) {
	if e.stopped() {
		return "", ErrNotStarted
	}
	if strings.TrimSpace(peerID) == "" {
		return "", errors.New("peer id is required")
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("source path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", &TransferError{Kind: ErrDisk, Err: fmt.Errorf("stat source: %w", err)}
	}
	if !info.Mode().IsRegular() {
		return "", &TransferError{Kind: ErrDisk, Err: fmt.Errorf("%s is not a regular file", path)}
	}

	fileHash := hashOverride
	if fileHash == "" {
		fileHash, err = crypto.FileHashHex(path)
		if err != nil {
			return "", &TransferError{Kind: ErrDisk, Err: err}
		}
	}

	peerName := ""
	if conn, ok := e.transport.Get(peerID); ok {
		peerName = conn.PeerName()
	}

	s := &session{
		id:          uuid.NewString(),
		peerID:      peerID,
		peerName:    peerName,
		direction:   DirectionSend,
		fileName:    filepath.Base(path),
		filePath:    path,
		fileSize:    info.Size(),
		fileHash:    fileHash,
		chunkSize:   e.options.ChunkSize,
		totalChunks: chunkCount(info.Size(), e.options.ChunkSize),
		createdAt:   time.Now(),
		acked:       make(map[int]struct{}),
		checksums:   make(map[int][]byte),
		state:       StateQueued,
	}
	e.addSession(s)
	e.persist(s)

	logging.Infof("transfer: queued %s (%d bytes, %d chunks) to %s as %s", s.fileName, s.fileSize, s.totalChunks, peerID, s.id)
	e.events.emit(s.event(EventQueued))
	e.enqueue(s)
	return s.id, nil
}

// Cancel stops a session on both sides. Partial destination files stay in place.
func (e *Engine) Cancel(sessionID string) error {
	s := e.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.currentState().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, sessionID, s.currentState())
	}

	if s.direction == DirectionSend {
		if run := s.requestCancel(); run != nil {
			// The run notifies the peer and settles the state on its way out.
			return nil
		}
		e.notifyPeer(s.peerID, nil, network.Control{Action: network.ActionCancel, SessionID: s.id})
		e.transition(s, StateCancelled, nil)
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	e.notifyPeer(s.peerID, conn, network.Control{Action: network.ActionCancel, SessionID: s.id})
	s.closeFile()
	e.transition(s, StateCancelled, nil)
	return nil
}

// Resume re-queues a paused send session.
func (e *Engine) Resume(sessionID string) error {
	s := e.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.direction != DirectionSend {
		return fmt.Errorf("%w: receive sessions resume when the sender reconnects", ErrInvalidState)
	}
	if state := s.currentState(); state != StatePaused {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, sessionID, state)
	}
	e.requeue(s)
	return nil
}

// Session returns a snapshot of one session.
func (e *Engine) Session(sessionID string) (Snapshot, bool) {
	s := e.lookup(sessionID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Sessions returns snapshots of every known session, oldest first.
func (e *Engine) Sessions() []Snapshot {
	sessions := e.allSessions()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Engine) addSession(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.id] = s
}

func (e *Engine) lookup(sessionID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

func (e *Engine) allSessions() []*session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// transition moves s to state once; terminal states are final.
func (e *Engine) transition(s *session, state State, cause error) bool {
	s.mu.Lock()
	if s.state == state || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.err = cause
	event := s.eventLocked(eventKindFor(state))
	s.mu.Unlock()

	event.Reason = Reason(cause)
	if e.options.Store != nil {
		if err := e.options.Store.UpdateTransferState(s.id, string(state), event.Reason); err != nil {
			logging.Warnf("transfer: persist state of %s: %v", s.id, err)
		}
	}

	switch state {
	case StateFailed:
		logging.Warnf("transfer: %s %s failed: %s", s.direction, s.id, event.Reason)
	case StateCompleted, StateCancelled, StatePaused:
		logging.Infof("transfer: %s %s %s %s", s.direction, s.id, state, event.Reason)
	default:
		logging.Debugf("transfer: %s %s %s", s.direction, s.id, state)
	}
	e.events.emit(event)
	return true
}

func (e *Engine) persist(s *session) {
	if e.options.Store == nil {
		return
	}
	if err := e.options.Store.SaveTransfer(s.record()); err != nil {
		logging.Warnf("transfer: persist session %s: %v", s.id, err)
	}
}

func (e *Engine) persistChunk(s *session, index int, checksum []byte) {
	if e.options.Store == nil {
		return
	}
	if err := e.options.Store.MarkChunkAcked(s.id, index, checksum); err != nil {
		logging.Warnf("transfer: persist chunk %d of %s: %v", index, s.id, err)
	}
}

// loadPersisted restores unfinished sessions as Paused.
func (e *Engine) loadPersisted() error {
	if e.options.Store == nil {
		return nil
	}
	records, err := e.options.Store.ListTransfers(
		storage.TransferStateQueued,
		storage.TransferStateNegotiating,
		storage.TransferStateTransferring,
		storage.TransferStatePaused,
	)
	if err != nil {
		return err
	}

	for _, record := range records {
		s := &session{
			id:          record.SessionID,
			peerID:      record.PeerID,
			peerName:    record.PeerName,
			direction:   Direction(record.Direction),
			fileName:    record.FileName,
			filePath:    record.FilePath,
			tempPath:    record.TempPath,
			fileSize:    record.FileSize,
			fileHash:    record.FileHash,
			chunkSize:   record.ChunkSize,
			totalChunks: record.TotalChunks,
			createdAt:   time.UnixMilli(record.CreatedAt),
			acked:       make(map[int]struct{}),
			checksums:   make(map[int][]byte),
			state:       StatePaused,
			negotiated:  record.State == storage.TransferStateTransferring || record.State == storage.TransferStatePaused,
		}
		chunks, err := e.options.Store.AckedChunks(record.SessionID)
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			s.markAckedLocked(chunk.Index, chunk.Checksum)
		}
		if len(chunks) > 0 {
			s.negotiated = true
		}
		if record.State != storage.TransferStatePaused {
			if err := e.options.Store.UpdateTransferState(s.id, storage.TransferStatePaused, record.Error); err != nil {
				return err
			}
		}
		e.addSession(s)
		logging.Infof("transfer: restored %s session %s (%d/%d chunks) as paused", s.direction, s.id, len(chunks), s.totalChunks)
	}
	return nil
}

func (e *Engine) enqueue(s *session) {
	e.queueMu.Lock()
	e.queue = append(e.queue, s)
	e.queueMu.Unlock()

	select {
	case e.queueSignal <- struct{}{}:
	default:
	}
}

// requeue moves a paused send session back into the FIFO queue.
func (e *Engine) requeue(s *session) {
	if e.stopped() {
		return
	}
	s.mu.Lock()
	if s.state != StatePaused || s.run != nil {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = false
	s.mu.Unlock()

	if e.transition(s, StateQueued, nil) {
		e.enqueue(s)
	}
}

func (e *Engine) nextQueued() *session {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	s := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return s
}

// dispatchLoop starts queued sessions in request order, at most MaxConcurrent at a time.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		s := e.nextQueued()
		if s == nil {
			select {
			case <-e.queueSignal:
				continue
			case <-e.ctx.Done():
				return
			}
		}

		if err := e.slots.Acquire(e.ctx, 1); err != nil {
			return
		}
		if s.currentState() != StateQueued {
			e.slots.Release(1)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.slots.Release(1)
			e.runOutbound(s)
		}()
	}
}

func (e *Engine) onConnected(conn *network.Connection) {
	if e.stopped() {
		return
	}
	for _, s := range e.allSessions() {
		if s.direction == DirectionSend && s.peerID == conn.PeerID() && s.currentState() == StatePaused {
			logging.Infof("transfer: resuming %s after reconnect to %s", s.id, conn.PeerID())
			e.requeue(s)
		}
	}
}

// onDisconnected pauses every session whose connection to peerID is gone.
func (e *Engine) onDisconnected(peerID string, _ error) {
	if e.stopped() {
		return
	}
	for _, s := range e.allSessions() {
		if s.peerID != peerID {
			continue
		}
		if s.direction == DirectionSend {
			if s.runStale() {
				s.requestPause()
			}
			continue
		}

		s.mu.Lock()
		stale := s.state == StateTransferring && connDone(s.conn)
		s.mu.Unlock()
		if stale {
			s.closeFile()
			e.transition(s, StatePaused, &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id})
		}
	}
}

func (e *Engine) notifyPeer(peerID string, conn *network.Connection, ctrl network.Control) {
	if conn == nil || connDone(conn) {
		live, ok := e.transport.Get(peerID)
		if !ok {
			return
		}
		conn = live
	}
	ctrl.Timestamp = time.Now().UnixMilli()
	if err := conn.SendJSON(network.TypeControl, ctrl); err != nil {
		logging.Debugf("transfer: notify %s of %s: %v", peerID, ctrl.Action, err)
	}
}

func (e *Engine) replyFailed(conn *network.Connection, sessionID string, err error) {
	e.notifyPeer(conn.PeerID(), conn, network.Control{
		Action:    network.ActionFailed,
		SessionID: sessionID,
		Code:      Code(err),
		Reason:    failureDetail(err),
	})
}

func failureDetail(err error) string {
	var transferErr *TransferError
	if errors.As(err, &transferErr) && transferErr.Err != nil {
		return transferErr.Err.Error()
	}
	return err.Error()
}

func (e *Engine) handleMessage(conn *network.Connection, msg network.Message) {
	if e.stopped() {
		return
	}

	switch msg.Type {
	case network.TypeTransferMeta:
		var meta network.TransferMeta
		if err := network.DecodeJSON(msg, &meta); err != nil {
			logging.Warnf("transfer: bad TransferMeta from %s: %v", conn.PeerID(), err)
			return
		}
		e.handleTransferMeta(conn, meta)
	case network.TypeChunkData:
		chunk, err := network.DecodeChunkData(msg.Payload)
		if err != nil {
			logging.Warnf("transfer: bad ChunkData from %s: %v", conn.PeerID(), err)
			return
		}
		e.handleChunk(conn, chunk)
	case network.TypeChunkAck:
		var ack network.ChunkAck
		if err := network.DecodeJSON(msg, &ack); err != nil {
			return
		}
		e.routeOutbound(conn, ack.SessionID, msg)
	case network.TypeChunkNack:
		var nack network.ChunkNack
		if err := network.DecodeJSON(msg, &nack); err != nil {
			return
		}
		e.routeOutbound(conn, nack.SessionID, msg)
	case network.TypeControl:
		var ctrl network.Control
		if err := network.DecodeJSON(msg, &ctrl); err != nil {
			return
		}
		e.handleControl(conn, ctrl, msg)
	}
}

func (e *Engine) handleControl(conn *network.Connection, ctrl network.Control, msg network.Message) {
	s := e.lookup(ctrl.SessionID)
	if s == nil || s.peerID != conn.PeerID() {
		if ctrl.Action == network.ActionResume {
			e.replyFailed(conn, ctrl.SessionID, newTransferError(ErrNegotiationRejected, ctrl.SessionID, "unknown session"))
		}
		return
	}

	if s.direction == DirectionSend {
		if s.currentRun() == nil {
			// Idle send sessions only react to the peer giving up.
			switch ctrl.Action {
			case network.ActionCancel:
				e.transition(s, StateCancelled, &TransferError{Kind: ErrCancelled, SessionID: s.id, Err: errors.New("cancelled by peer"), remote: true})
			case network.ActionFailed:
				e.transition(s, StateFailed, remoteError(s.id, ctrl))
			}
			return
		}
		e.routeOutbound(conn, s.id, msg)
		return
	}

	switch ctrl.Action {
	case network.ActionResume:
		e.handleResume(conn, s)
	case network.ActionComplete:
		e.handleComplete(conn, s)
	case network.ActionCancel:
		s.closeFile()
		e.transition(s, StateCancelled, &TransferError{Kind: ErrCancelled, SessionID: s.id, Err: errors.New("cancelled by peer"), remote: true})
	case network.ActionFailed:
		s.closeFile()
		e.transition(s, StateFailed, remoteError(s.id, ctrl))
	}
}

// routeOutbound hands a sender-bound frame to the run that owns conn.
func (e *Engine) routeOutbound(conn *network.Connection, sessionID string, msg network.Message) {
	s := e.lookup(sessionID)
	if s == nil || s.direction != DirectionSend {
		return
	}
	run := s.runOn(conn)
	if run == nil {
		return
	}
	select {
	case run.inbox <- msg:
	case <-run.done:
	}
}
