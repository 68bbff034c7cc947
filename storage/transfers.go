package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const transferColumns = `
	session_id,
	peer_id,
	peer_name,
	direction,
	file_name,
	file_path,
	temp_path,
	file_size,
	file_hash,
	chunk_size,
	total_chunks,
	state,
	error,
	created_at,
	updated_at`

// SetTransferRetention configures how long finished sessions are kept.
func (s *Store) SetTransferRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultTransferRetention
	}
	s.retentionMu.Lock()
	s.transferRetention = retention
	s.retentionMu.Unlock()
}

func (s *Store) retention() time.Duration {
	s.retentionMu.RLock()
	defer s.retentionMu.RUnlock()
	return s.transferRetention
}

// SaveTransfer inserts a session row or replaces the mutable columns of an existing one.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.SessionID == "" {
		return errors.New("session_id is required")
	}
	if transfer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.State == "" {
		transfer.State = TransferStateQueued
	}
	if err := validateTransferState(transfer.State); err != nil {
		return err
	}
	if transfer.FileSize < 0 || transfer.ChunkSize <= 0 || transfer.TotalChunks < 0 {
		return fmt.Errorf("invalid transfer geometry size=%d chunk=%d total=%d", transfer.FileSize, transfer.ChunkSize, transfer.TotalChunks)
	}
	now := nowUnixMilli()
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = now
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			file_path = excluded.file_path,
			temp_path = excluded.temp_path,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		transfer.SessionID,
		transfer.PeerID,
		transfer.PeerName,
		transfer.Direction,
		transfer.FileName,
		transfer.FilePath,
		transfer.TempPath,
		transfer.FileSize,
		transfer.FileHash,
		transfer.ChunkSize,
		transfer.TotalChunks,
		transfer.State,
		transfer.Error,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", transfer.SessionID, err)
	}
	return nil
}

// UpdateTransferState records a state transition.
func (s *Store) UpdateTransferState(sessionID, state, reason string) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if err := validateTransferState(state); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET state = ?, error = ?, updated_at = ?
		WHERE session_id = ?`,
		state,
		reason,
		nowUnixMilli(),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update transfer state %q: %w", sessionID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer state %q: %w", sessionID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches one session row.
func (s *Store) GetTransfer(sessionID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE session_id = ?`,
		sessionID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", sessionID, err)
	}
	return transfer, nil
}

// ListTransfers returns sessions in creation order, optionally limited to states.
func (s *Store) ListTransfers(states ...string) ([]Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, 0, len(states))
		for _, state := range states {
			if err := validateTransferState(state); err != nil {
				return nil, err
			}
			placeholders = append(placeholders, "?")
			args = append(args, state)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, session_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// DeleteTransfer removes a session and its chunk records.
func (s *Store) DeleteTransfer(sessionID string) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if _, err := s.db.Exec(`DELETE FROM transfers WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete transfer %q: %w", sessionID, err)
	}
	return nil
}

// PruneTransfers removes finished sessions last updated before cutoffTimestamp.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE updated_at < ? AND state IN (?, ?, ?)`,
		cutoffTimestamp,
		TransferStateCompleted,
		TransferStateFailed,
		TransferStateCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

// MarkChunkAcked records that chunk index was verified with checksum.
func (s *Store) MarkChunkAcked(sessionID string, index int, checksum []byte) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if index < 0 {
		return errors.New("chunk index must be >= 0")
	}
	if checksum == nil {
		checksum = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_chunks (session_id, chunk_index, checksum, acked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, chunk_index) DO UPDATE SET
			checksum = excluded.checksum,
			acked_at = excluded.acked_at`,
		sessionID,
		index,
		checksum,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark chunk %d acked for %q: %w", index, sessionID, err)
	}
	return nil
}

// AckedChunks returns every recorded chunk of a session in index order.
func (s *Store) AckedChunks(sessionID string) ([]TransferChunk, error) {
	rows, err := s.db.Query(
		`SELECT session_id, chunk_index, checksum, acked_at
		FROM transfer_chunks
		WHERE session_id = ?
		ORDER BY chunk_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list acked chunks %q: %w", sessionID, err)
	}
	defer rows.Close()

	chunks := make([]TransferChunk, 0)
	for rows.Next() {
		var chunk TransferChunk
		if err := rows.Scan(&chunk.SessionID, &chunk.Index, &chunk.Checksum, &chunk.AckedAt); err != nil {
			return nil, fmt.Errorf("scan acked chunk row: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acked chunk rows: %w", err)
	}
	return chunks, nil
}

// ClearChunks forgets every acked chunk of a session.
func (s *Store) ClearChunks(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM transfer_chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear chunks %q: %w", sessionID, err)
	}
	return nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.SessionID,
		&transfer.PeerID,
		&transfer.PeerName,
		&transfer.Direction,
		&transfer.FileName,
		&transfer.FilePath,
		&transfer.TempPath,
		&transfer.FileSize,
		&transfer.FileHash,
		&transfer.ChunkSize,
		&transfer.TotalChunks,
		&transfer.State,
		&transfer.Error,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
