package transfer

import (
	"errors"
	"fmt"

	"fluxbridge/network"
)

var (
	// ErrNegotiationRejected means the receiver refused the session.
	ErrNegotiationRejected = errors.New("transfer: negotiation rejected")
	// ErrChecksumExceeded means one chunk failed verification on every allowed attempt.
	ErrChecksumExceeded = errors.New("transfer: chunk retry limit exceeded")
	// ErrIntegrity means the reassembled file does not match the announced hash.
	ErrIntegrity = errors.New("transfer: integrity check failed")
	// ErrDisk covers local file system failures.
	ErrDisk = errors.New("transfer: disk error")
	// ErrPeerDisconnected means the connection carrying the session went away.
	ErrPeerDisconnected = errors.New("transfer: peer disconnected")
	// ErrCancelled means either side cancelled the session.
	ErrCancelled = errors.New("transfer: cancelled")

	// ErrUnknownSession is returned for ids the engine does not track.
	ErrUnknownSession = errors.New("transfer: unknown session")
	// ErrInvalidState is returned when an operation does not apply to the session's state.
	ErrInvalidState = errors.New("transfer: invalid session state")
	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("transfer: engine not started")
)

// TransferError is a classified session failure.
type TransferError struct {
	Kind      error
	SessionID string
	Err       error

	// remote marks errors reported by the peer, which must not be echoed back.
	remote bool
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (session %s)", e.Kind, e.SessionID)
	}
	return fmt.Sprintf("%v (session %s): %v", e.Kind, e.SessionID, e.Err)
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newTransferError(kind error, sessionID string, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, SessionID: sessionID, Err: fmt.Errorf(format, args...)}
}

var kindLabels = []struct {
	kind  error
	label string
}{
	{kind: ErrNegotiationRejected, label: "NegotiationRejected"},
	{kind: ErrChecksumExceeded, label: "ChecksumExceeded"},
	{kind: ErrIntegrity, label: "IntegrityError"},
	{kind: ErrDisk, label: "DiskError"},
	{kind: ErrPeerDisconnected, label: "PeerDisconnected"},
	{kind: ErrCancelled, label: "Cancelled"},
}

// Code returns the taxonomy label of err, or "" when it is not a transfer error.
func Code(err error) string {
	for _, entry := range kindLabels {
		if errors.Is(err, entry.kind) {
			return entry.label
		}
	}
	return ""
}

func kindForCode(code string) error {
	for _, entry := range kindLabels {
		if entry.label == code {
			return entry.kind
		}
	}
	return nil
}

// Reason renders err as "<Label>: detail" for failed events and stored state.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		detail := transferErr.Kind.Error()
		if transferErr.Err != nil {
			detail = transferErr.Err.Error()
		}
		return Code(transferErr) + ": " + detail
	}
	if label := Code(err); label != "" {
		return label + ": " + err.Error()
	}
	return network.Reason(err)
}

// remoteError rebuilds a failure reported by the peer in a Control frame.
func remoteError(sessionID string, ctrl network.Control) *TransferError {
	kind := kindForCode(ctrl.Code)
	if kind == nil {
		kind = ErrNegotiationRejected
	}
	reason := ctrl.Reason
	if reason == "" {
		reason = "reported by peer"
	}
	return &TransferError{Kind: kind, SessionID: sessionID, Err: errors.New(reason), remote: true}
}

func isRemote(err error) bool {
	var transferErr *TransferError
	return errors.As(err, &transferErr) && transferErr.remote
}
