package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"fluxbridge/crypto"
	"fluxbridge/logging"
	"fluxbridge/network"
)

// runOutbound drives one send attempt: connect, negotiate or resume, stream
// the missing chunks, then confirm the whole-file hash with the receiver.
func (e *Engine) runOutbound(s *session) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	run := &outboundRun{
		inbox:  make(chan network.Message, 2*e.options.Window+8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	resume, ok := s.beginRun(run)
	if !ok {
		return
	}

	conn, err := e.connect(ctx, s, resume)
	if err == nil {
		s.attachConn(run, conn)
		err = e.sendSession(ctx, s, run, conn, resume)
	}
	e.finishOutbound(s, run, conn, err)
}

func (e *Engine) connect(ctx context.Context, s *session, resume bool) (*network.Connection, error) {
	if conn, ok := e.transport.Get(s.peerID); ok {
		return conn, nil
	}
	conn, err := e.transport.ConnectPeer(ctx, s.peerID)
	if err != nil {
		if resume {
			return nil, &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

func (e *Engine) sendSession(ctx context.Context, s *session, run *outboundRun, conn *network.Connection, resume bool) error {
	info, err := os.Stat(s.filePath)
	if err != nil {
		return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("stat source: %w", err)}
	}
	if info.Size() != s.fileSize {
		return newTransferError(ErrDisk, s.id, "source changed size from %d to %d bytes", s.fileSize, info.Size())
	}

	e.transition(s, StateNegotiating, nil)
	if err := e.negotiate(ctx, s, run, conn, resume); err != nil {
		return err
	}
	s.setNegotiated()
	e.transition(s, StateTransferring, nil)

	file, err := os.Open(s.filePath)
	if err != nil {
		return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("open source: %w", err)}
	}
	defer func() {
		_ = file.Close()
	}()

	if err := e.pump(ctx, s, run, conn, file); err != nil {
		return err
	}

	if err := e.sendControl(s, conn, network.Control{Action: network.ActionComplete, SessionID: s.id}); err != nil {
		return err
	}
	ctrl, err := e.awaitControl(ctx, s, run, conn, e.options.ResponseTimeout, "completion")
	if err != nil {
		return err
	}
	switch ctrl.Action {
	case network.ActionComplete:
		return nil
	case network.ActionCancel:
		return &TransferError{Kind: ErrCancelled, SessionID: s.id, Err: errors.New("cancelled by peer"), remote: true}
	default:
		return remoteError(s.id, ctrl)
	}
}

func (e *Engine) negotiate(ctx context.Context, s *session, run *outboundRun, conn *network.Connection, resume bool) error {
	if resume {
		if err := e.sendControl(s, conn, network.Control{Action: network.ActionResume, SessionID: s.id}); err != nil {
			return err
		}
	} else {
		meta := network.TransferMeta{
			SessionID:   s.id,
			FileName:    s.fileName,
			FileSize:    s.fileSize,
			FileHash:    s.fileHash,
			ChunkSize:   s.chunkSize,
			TotalChunks: s.totalChunks,
		}
		if err := conn.SendJSON(network.TypeTransferMeta, meta); err != nil {
			return &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: err}
		}
	}

	ctrl, err := e.awaitControl(ctx, s, run, conn, e.options.ResponseTimeout, "negotiation")
	if err != nil {
		return err
	}
	switch ctrl.Action {
	case network.ActionAccept:
		if resume {
			return newTransferError(ErrNegotiationRejected, s.id, "unexpected accept while resuming")
		}
		return nil
	case network.ActionResumeOK:
		if !resume {
			return newTransferError(ErrNegotiationRejected, s.id, "unexpected resume_ok")
		}
		s.resetAcked(ctrl.Acked)
		logging.Infof("transfer: resuming %s at %d/%d chunks", s.id, len(ctrl.Acked), s.totalChunks)
		return nil
	case network.ActionCancel:
		return &TransferError{Kind: ErrCancelled, SessionID: s.id, Err: errors.New("cancelled by peer"), remote: true}
	default:
		return remoteError(s.id, ctrl)
	}
}

// pump streams every missing chunk with at most Window chunks awaiting an
// ack. Nacked chunks are resent until RetryLimit transmissions have failed.
func (e *Engine) pump(ctx context.Context, s *session, run *outboundRun, conn *network.Connection, file *os.File) error {
	missing := s.missingChunks()
	if len(missing) == 0 {
		return nil
	}

	window := make(chan struct{}, e.options.Window)
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for _, index := range missing {
			select {
			case window <- struct{}{}:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if err := e.sendChunk(s, conn, file, index, 0); err != nil {
				return err
			}
		}
		return nil
	})

	group.Go(func() error {
		remaining := len(missing)
		nacks := make(map[int]int)
		timer := time.NewTimer(e.options.AckTimeout)
		defer timer.Stop()

		for remaining > 0 {
			var msg network.Message
			select {
			case msg = <-run.inbox:
			case <-conn.Done():
				return &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: conn.Err()}
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-timer.C:
				return &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: fmt.Errorf("%w: no acknowledgement within %s", network.ErrTimeout, e.options.AckTimeout)}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.options.AckTimeout)

			switch msg.Type {
			case network.TypeChunkAck:
				var ack network.ChunkAck
				if err := network.DecodeJSON(msg, &ack); err != nil {
					return err
				}
				if !s.markAcked(ack.Index, nil) {
					continue
				}
				remaining--
				e.persistChunk(s, ack.Index, nil)
				e.events.emit(s.event(EventProgress))
				if e.hooks.afterAck != nil {
					e.hooks.afterAck(s.id, ack.Index)
				}
				<-window

			case network.TypeChunkNack:
				var nack network.ChunkNack
				if err := network.DecodeJSON(msg, &nack); err != nil {
					return err
				}
				if e.hooks.onNack != nil {
					e.hooks.onNack(nack.Index)
				}
				nacks[nack.Index]++
				if nacks[nack.Index] >= e.options.RetryLimit {
					return newTransferError(ErrChecksumExceeded, s.id, "chunk %d failed verification %d times", nack.Index, nacks[nack.Index])
				}
				logging.Debugf("transfer: %s chunk %d nacked (%s), resending", s.id, nack.Index, nack.Reason)
				if err := e.sendChunk(s, conn, file, nack.Index, nacks[nack.Index]); err != nil {
					return err
				}

			case network.TypeControl:
				var ctrl network.Control
				if err := network.DecodeJSON(msg, &ctrl); err != nil {
					return err
				}
				switch ctrl.Action {
				case network.ActionCancel:
					return &TransferError{Kind: ErrCancelled, SessionID: s.id, Err: errors.New("cancelled by peer"), remote: true}
				case network.ActionFailed:
					return remoteError(s.id, ctrl)
				}
			}
		}
		return nil
	})

	return group.Wait()
}

func (e *Engine) sendChunk(s *session, conn *network.Connection, file *os.File, index, attempt int) error {
	length := s.chunkLen(index)
	payload := make([]byte, length)
	n, err := file.ReadAt(payload, int64(index)*int64(s.chunkSize))
	if n != length {
		if err == nil {
			err = fmt.Errorf("short read of %d/%d bytes", n, length)
		}
		return &TransferError{Kind: ErrDisk, SessionID: s.id, Err: fmt.Errorf("read chunk %d: %w", index, err)}
	}

	checksum := crypto.ChunkChecksum(payload)
	if e.hooks.mutateChunk != nil {
		payload = e.hooks.mutateChunk(index, attempt, payload)
	}

	chunk := network.ChunkData{SessionID: s.id, Index: index, Checksum: checksum, Payload: payload}
	if err := conn.Send(network.NewChunkMessage(chunk)); err != nil {
		return &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: err}
	}
	if e.hooks.onChunkSent != nil {
		e.hooks.onChunkSent(index, attempt)
	}
	return nil
}

func (e *Engine) sendControl(s *session, conn *network.Connection, ctrl network.Control) error {
	ctrl.Timestamp = time.Now().UnixMilli()
	if err := conn.SendJSON(network.TypeControl, ctrl); err != nil {
		return &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: err}
	}
	return nil
}

// awaitControl waits for the receiver's next Control reply, skipping stray
// acks left over from the chunk stream.
func (e *Engine) awaitControl(ctx context.Context, s *session, run *outboundRun, conn *network.Connection, timeout time.Duration, stage string) (network.Control, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-run.inbox:
			if msg.Type != network.TypeControl {
				continue
			}
			var ctrl network.Control
			if err := network.DecodeJSON(msg, &ctrl); err != nil {
				return network.Control{}, err
			}
			return ctrl, nil
		case <-conn.Done():
			return network.Control{}, &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: conn.Err()}
		case <-ctx.Done():
			return network.Control{}, ctx.Err()
		case <-timer.C:
			return network.Control{}, &TransferError{Kind: ErrPeerDisconnected, SessionID: s.id, Err: fmt.Errorf("%w: no %s response within %s", network.ErrTimeout, stage, timeout)}
		}
	}
}

// finishOutbound settles the session state after a run ends.
func (e *Engine) finishOutbound(s *session, run *outboundRun, conn *network.Connection, err error) {
	s.endRun(run)
	cancelRequested, pauseRequested := s.flags()

	switch {
	case err == nil:
		e.transition(s, StateCompleted, nil)

	case cancelRequested:
		e.notifyPeer(s.peerID, conn, network.Control{Action: network.ActionCancel, SessionID: s.id})
		e.transition(s, StateCancelled, &TransferError{Kind: ErrCancelled, SessionID: s.id, Err: errors.New("cancelled locally")})

	case errors.Is(err, ErrCancelled):
		e.transition(s, StateCancelled, err)

	case e.stopped() || pauseRequested || errors.Is(err, ErrPeerDisconnected) || (conn != nil && connDone(conn)):
		switch {
		case errors.Is(err, ErrPeerDisconnected):
		case e.stopped():
			err = newTransferError(ErrPeerDisconnected, s.id, "interrupted by shutdown")
		default:
			err = newTransferError(ErrPeerDisconnected, s.id, "connection lost")
		}
		e.transition(s, StatePaused, err)
		if e.stopped() {
			return
		}
		// The peer may already be back on a new connection.
		if live, ok := e.transport.Get(s.peerID); ok && live != conn {
			e.requeue(s)
		}

	default:
		e.transition(s, StateFailed, err)
		if conn != nil && !isRemote(err) {
			e.replyFailed(conn, s.id, err)
		}
	}
}
