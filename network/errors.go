package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

var (
	// ErrTimeout reports a dial or handshake that did not finish in time.
	ErrTimeout = errors.New("network: timeout")
	// ErrRefused reports a refused or unreachable endpoint.
	ErrRefused = errors.New("network: connection refused")
	// ErrHandshakeMismatch reports an incompatible version, identity or auth token.
	ErrHandshakeMismatch = errors.New("network: handshake mismatch")
	// ErrRetriesExhausted reports that every dial attempt failed.
	ErrRetriesExhausted = errors.New("network: retries exhausted")
	// ErrProtocol marks malformed or oversized frames.
	ErrProtocol = errors.New("network: protocol violation")
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnknownMessageType indicates an unknown frame discriminant.
	ErrUnknownMessageType = errors.New("network: unknown message type")
	// ErrNotConnected indicates no live connection to the peer.
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrClosed indicates the connection is closing or closed.
	ErrClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionError is the terminal error of a failed connection attempt.
// Kind is one of ErrTimeout, ErrRefused, ErrHandshakeMismatch or ErrRetriesExhausted.
type ConnectionError struct {
	Kind    error
	Address string
	PeerID  string
	Err     error
}

func (e *ConnectionError) Error() string {
	target := e.Address
	if target == "" {
		target = e.PeerID
	}
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %v", target, e.Kind)
	}
	return fmt.Sprintf("connect %s: %v: %v", target, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ProtocolError reports a frame that violates the wire protocol.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "network: protocol violation: " + e.Reason
	}
	return fmt.Sprintf("network: protocol violation: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// Reason classifies err into a display string such as "Timeout: ...".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var label string
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		label = "RetriesExhausted"
	case errors.Is(err, ErrHandshakeMismatch):
		label = "HandshakeMismatch"
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrPongTimeout):
		label = "Timeout"
	case errors.Is(err, ErrRefused):
		label = "Refused"
	case errors.Is(err, ErrProtocol):
		label = "ProtocolError"
	default:
		label = "ConnectionError"
	}
	return label + ": " + err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyDialError maps a transport dial failure onto the error taxonomy.
func classifyDialError(address string, err error) error {
	switch {
	case isTimeout(err):
		return &ConnectionError{Kind: ErrTimeout, Address: address, Err: err}
	default:
		return &ConnectionError{Kind: ErrRefused, Address: address, Err: err}
	}
}

// isRetryable reports whether a dial failure is transient.
func isRetryable(err error) bool {
	if !errors.Is(err, ErrRefused) {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNRESET)
}
