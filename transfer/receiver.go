package transfer

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fluxbridge/crypto"
	"fluxbridge/logging"
	"fluxbridge/network"
)

const partialSuffix = ".part"

// maxNameAttempts bounds the "name (n).ext" search for a free destination.
const maxNameAttempts = 10000

func (e *Engine) handleTransferMeta(conn *network.Connection, meta network.TransferMeta) {
	if existing := e.lookup(meta.SessionID); existing != nil {
		e.reacceptSession(conn, existing)
		return
	}

	name, err := validateMeta(meta)
	if err != nil {
		e.reject(conn, meta.SessionID, err)
		return
	}

	s := &session{
		id:          meta.SessionID,
		peerID:      conn.PeerID(),
		peerName:    conn.PeerName(),
		direction:   DirectionReceive,
		fileName:    name,
		fileSize:    meta.FileSize,
		fileHash:    strings.ToLower(meta.FileHash),
		chunkSize:   meta.ChunkSize,
		totalChunks: meta.TotalChunks,
		createdAt:   time.Now(),
		acked:       make(map[int]struct{}),
		checksums:   make(map[int][]byte),
		state:       StateNegotiating,
		conn:        conn,
	}

	if err := e.checkDiskSpace(s); err != nil {
		e.reject(conn, s.id, err)
		return
	}
	if err := e.claimAndCreate(s); err != nil {
		e.reject(conn, s.id, err)
		return
	}

	e.persist(s)
	e.events.emit(s.event(EventState))
	logging.Infof("transfer: receiving %s (%d bytes) from %s into %s", s.fileName, s.fileSize, s.peerID, s.filePath)

	e.transition(s, StateTransferring, nil)
	if err := e.sendControl(s, conn, network.Control{Action: network.ActionAccept, SessionID: s.id}); err != nil {
		s.closeFile()
		e.transition(s, StatePaused, err)
	}
}

// reacceptSession answers a repeated TransferMeta, sent when the sender lost our accept.
func (e *Engine) reacceptSession(conn *network.Connection, s *session) {
	if s.direction != DirectionReceive || s.peerID != conn.PeerID() || s.currentState().Terminal() {
		e.reject(conn, s.id, newTransferError(ErrNegotiationRejected, s.id, "duplicate session id"))
		return
	}
	if err := e.reopenPartial(conn, s, false); err != nil {
		e.failInbound(conn, s, err)
		return
	}
	e.transition(s, StateTransferring, nil)
	if err := e.sendControl(s, conn, network.Control{Action: network.ActionAccept, SessionID: s.id}); err != nil {
		s.closeFile()
		e.transition(s, StatePaused, err)
	}
}

func validateMeta(meta network.TransferMeta) (string, error) {
	if strings.TrimSpace(meta.SessionID) == "" {
		return "", newTransferError(ErrNegotiationRejected, "", "missing session id")
	}
	if meta.FileSize < 0 {
		return "", newTransferError(ErrNegotiationRejected, meta.SessionID, "negative file size %d", meta.FileSize)
	}
	if meta.ChunkSize <= 0 || meta.ChunkSize > MaxChunkSize {
		return "", newTransferError(ErrNegotiationRejected, meta.SessionID, "chunk size %d out of range", meta.ChunkSize)
	}
	if want := chunkCount(meta.FileSize, meta.ChunkSize); meta.TotalChunks != want {
		return "", newTransferError(ErrNegotiationRejected, meta.SessionID, "total chunks %d, expected %d", meta.TotalChunks, want)
	}
	if decoded, err := hex.DecodeString(meta.FileHash); err != nil || len(decoded) != 32 {
		return "", newTransferError(ErrNegotiationRejected, meta.SessionID, "file hash is not hex sha-256")
	}
	name := sanitizeFileName(meta.FileName)
	if name == "" {
		return "", newTransferError(ErrNegotiationRejected, meta.SessionID, "invalid file name %q", meta.FileName)
	}
	return name, nil
}

// sanitizeFileName strips directories so a peer can never write outside the download directory.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return ""
	}
	return base
}

func (e *Engine) checkDiskSpace(s *session) error {
	available, err := availableBytes(e.options.DownloadDir)
	if err != nil {
		logging.Debugf("transfer: free space check failed: %v", err)
		return nil
	}
	if available >= 0 && available < s.fileSize {
		return newTransferError(ErrDisk, s.id, "insufficient space: need %d bytes, %d available", s.fileSize, available)
	}
	return nil
}

// claimAndCreate picks a free destination and preallocates its partial file.
func (e *Engine) claimAndCreate(s *session) error {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()

	dest, err := e.freeDestination(s.id, s.fileName)
	if err != nil {
		return err
	}
	tempPath := dest + partialSuffix

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("create partial file: %w", err)}
	}
	if err := file.Truncate(s.fileSize); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("allocate partial file: %w", err)}
	}

	s.filePath = dest
	s.tempPath = tempPath
	s.file = file
	e.addSession(s)
	return nil
}

// freeDestination must be called with claimMu held.
func (e *Engine) freeDestination(sessionID, name string) (string, error) {
	candidate := filepath.Join(e.options.DownloadDir, name)
	if !e.destinationTaken(sessionID, candidate) {
		return candidate, nil
	}
	if e.options.ConflictPolicy == ConflictReject {
		return "", newTransferError(ErrNegotiationRejected, sessionID, "%s already exists", name)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n < maxNameAttempts; n++ {
		candidate = filepath.Join(e.options.DownloadDir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !e.destinationTaken(sessionID, candidate) {
			return candidate, nil
		}
	}
	return "", newTransferError(ErrNegotiationRejected, sessionID, "no free name for %s", name)
}

func (e *Engine) destinationTaken(sessionID, path string) bool {
	if fileExists(path) || fileExists(path+partialSuffix) {
		return true
	}
	for _, other := range e.allSessions() {
		if other.id == sessionID || other.direction != DirectionReceive {
			continue
		}
		other.mu.Lock()
		claimed := other.filePath == path && !other.state.Terminal()
		other.mu.Unlock()
		if claimed {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (e *Engine) reject(conn *network.Connection, sessionID string, err error) {
	logging.Warnf("transfer: rejected session %s from %s: %s", sessionID, conn.PeerID(), Reason(err))
	ctrl := network.Control{
		Action:    network.ActionReject,
		SessionID: sessionID,
		Code:      Code(err),
		Reason:    failureDetail(err),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := conn.SendJSON(network.TypeControl, ctrl); err != nil {
		logging.Debugf("transfer: send reject to %s: %v", conn.PeerID(), err)
	}
}

func (e *Engine) handleChunk(conn *network.Connection, chunk network.ChunkData) {
	s := e.lookup(chunk.SessionID)
	if s == nil || s.direction != DirectionReceive || s.peerID != conn.PeerID() {
		e.replyFailed(conn, chunk.SessionID, newTransferError(ErrNegotiationRejected, chunk.SessionID, "unknown session"))
		return
	}

	s.mu.Lock()
	state, file := s.state, s.file
	_, duplicate := s.acked[chunk.Index]
	s.mu.Unlock()
	if state != StateTransferring || file == nil {
		logging.Debugf("transfer: dropped chunk %d of %s in state %s", chunk.Index, s.id, state)
		return
	}

	if chunk.Index >= s.totalChunks {
		e.nack(conn, s, chunk.Index, "index out of range")
		return
	}
	if len(chunk.Payload) != s.chunkLen(chunk.Index) {
		e.nack(conn, s, chunk.Index, fmt.Sprintf("length %d, expected %d", len(chunk.Payload), s.chunkLen(chunk.Index)))
		return
	}
	if !crypto.VerifyChunk(chunk.Payload, chunk.Checksum) {
		e.nack(conn, s, chunk.Index, "checksum mismatch")
		return
	}
	if duplicate {
		e.ack(conn, s, chunk.Index)
		return
	}

	offset := int64(chunk.Index) * int64(s.chunkSize)
	if _, err := file.WriteAt(chunk.Payload, offset); err != nil {
		if s.currentState().Terminal() {
			return
		}
		e.failInbound(conn, s, &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("write chunk %d: %w", chunk.Index, err)})
		return
	}

	checksum := append([]byte(nil), chunk.Checksum...)
	if s.markAcked(chunk.Index, checksum) {
		e.persistChunk(s, chunk.Index, checksum)
		e.events.emit(s.event(EventProgress))
	}
	e.ack(conn, s, chunk.Index)
}

func (e *Engine) ack(conn *network.Connection, s *session, index int) {
	if err := conn.SendJSON(network.TypeChunkAck, network.ChunkAck{SessionID: s.id, Index: index}); err != nil {
		logging.Debugf("transfer: ack chunk %d of %s: %v", index, s.id, err)
	}
}

func (e *Engine) nack(conn *network.Connection, s *session, index int, reason string) {
	logging.Debugf("transfer: nack chunk %d of %s: %s", index, s.id, reason)
	if err := conn.SendJSON(network.TypeChunkNack, network.ChunkNack{SessionID: s.id, Index: index, Reason: reason}); err != nil {
		logging.Debugf("transfer: nack chunk %d of %s: %v", index, s.id, err)
	}
}

// handleResume verifies the partial file against stored chunk checksums and
// reports which chunks the sender may skip.
func (e *Engine) handleResume(conn *network.Connection, s *session) {
	switch state := s.currentState(); {
	case state == StateCompleted:
		all := make([]int, s.totalChunks)
		for index := range all {
			all[index] = index
		}
		_ = e.sendControl(s, conn, network.Control{Action: network.ActionResumeOK, SessionID: s.id, Acked: all})
		return
	case state == StateCancelled:
		_ = e.sendControl(s, conn, network.Control{Action: network.ActionCancel, SessionID: s.id})
		return
	case state.Terminal():
		s.mu.Lock()
		cause := s.err
		s.mu.Unlock()
		if cause == nil {
			cause = newTransferError(ErrNegotiationRejected, s.id, "session already %s", state)
		}
		e.replyFailed(conn, s.id, cause)
		return
	}

	if err := e.reopenPartial(conn, s, true); err != nil {
		e.failInbound(conn, s, err)
		return
	}
	e.transition(s, StateTransferring, nil)

	acked := s.ackedList()
	logging.Infof("transfer: %s resumes at %d/%d chunks", s.id, len(acked), s.totalChunks)
	if err := e.sendControl(s, conn, network.Control{Action: network.ActionResumeOK, SessionID: s.id, Acked: acked}); err != nil {
		s.closeFile()
		e.transition(s, StatePaused, err)
	}
}

// reopenPartial reattaches the session to conn and its partial file. With
// verify set, every acknowledged chunk is re-read and checked.
func (e *Engine) reopenPartial(conn *network.Connection, s *session, verify bool) error {
	s.closeFile()

	file, err := os.OpenFile(s.tempPath, os.O_RDWR, 0)
	if err != nil {
		return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("open partial file: %w", err)}
	}
	info, err := file.Stat()
	if err != nil || info.Size() != s.fileSize {
		_ = file.Close()
		return newTransferError(ErrIntegrity, s.id, "partial file has wrong size")
	}

	if verify {
		s.mu.Lock()
		checksums := make(map[int][]byte, len(s.acked))
		for index := range s.acked {
			checksums[index] = s.checksums[index]
		}
		s.mu.Unlock()

		verified := make([]int, 0, len(checksums))
		for index, checksum := range checksums {
			if len(checksum) == 0 {
				continue
			}
			payload := make([]byte, s.chunkLen(index))
			if _, err := file.ReadAt(payload, int64(index)*int64(s.chunkSize)); err != nil {
				_ = file.Close()
				return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("read chunk %d: %w", index, err)}
			}
			if !crypto.VerifyChunk(payload, checksum) {
				_ = file.Close()
				return newTransferError(ErrIntegrity, s.id, "chunk %d changed on disk", index)
			}
			verified = append(verified, index)
		}
		s.resetAcked(verified)
	}

	s.mu.Lock()
	s.file = file
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (e *Engine) handleComplete(conn *network.Connection, s *session) {
	switch state := s.currentState(); {
	case state == StateCompleted:
		_ = e.sendControl(s, conn, network.Control{Action: network.ActionComplete, SessionID: s.id})
		return
	case state != StateTransferring:
		e.replyFailed(conn, s.id, newTransferError(ErrNegotiationRejected, s.id, "session is %s", state))
		return
	}

	if !s.complete() {
		e.failInbound(conn, s, newTransferError(ErrIntegrity, s.id, "completion with %d/%d chunks", len(s.ackedList()), s.totalChunks))
		return
	}
	s.closeFile()

	hash, err := crypto.FileHashHex(s.tempPath)
	if err != nil {
		e.failInbound(conn, s, &TransferError{Kind: ErrDisk, SessionID: s.id, Err: err})
		return
	}
	if !strings.EqualFold(hash, s.fileHash) {
		e.failInbound(conn, s, newTransferError(ErrIntegrity, s.id, "file hash %s, expected %s", hash, s.fileHash))
		return
	}

	final, err := e.finalize(s)
	if err != nil {
		e.failInbound(conn, s, err)
		return
	}

	e.transition(s, StateCompleted, nil)
	e.persist(s)
	logging.Infof("transfer: received %s from %s", final, s.peerID)
	_ = e.sendControl(s, conn, network.Control{Action: network.ActionComplete, SessionID: s.id})
}

// finalize renames the verified partial file into place.
func (e *Engine) finalize(s *session) (string, error) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()

	s.mu.Lock()
	final := s.filePath
	s.mu.Unlock()

	if fileExists(final) {
		// Something else took the name after negotiation.
		candidate, err := e.freeDestination(s.id, filepath.Base(final))
		if err != nil {
			return "", err
		}
		final = candidate
	}
	if err := os.Rename(s.tempPath, final); err != nil {
		return "", &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("rename partial file: %w", err)}
	}

	s.mu.Lock()
	s.filePath = final
	s.mu.Unlock()
	return final, nil
}

// failInbound marks a receive session failed and tells the sender why. The
// partial file is kept.
func (e *Engine) failInbound(conn *network.Connection, s *session, err error) {
	s.closeFile()
	e.transition(s, StateFailed, err)
	if !isRemote(err) {
		e.replyFailed(conn, s.id, err)
	}
}
