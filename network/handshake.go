package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fluxbridge/crypto"
)

// Identity is the local peer as presented during the handshake.
type Identity struct {
	PeerID   string
	PeerName string
}

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity Identity
	// AuthKey enables token authentication when non-nil. See crypto.DeriveAuthKey.
	AuthKey []byte

	HandshakeTimeout  time.Duration
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteQueueSize    int

	OnState   func(*Connection, ConnectionState, error)
	OnMessage func(*Connection, Message)
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.WriteQueueSize <= 0 {
		out.WriteQueueSize = DefaultWriteQueueSize
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if strings.TrimSpace(o.Identity.PeerID) == "" {
		return errors.New("local peer ID is required")
	}
	return nil
}

func (c *Connection) setHandshakeDeadline(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	return nil
}

// clientHandshake runs the dialer side: hello, welcome, proof, ready.
func (c *Connection) clientHandshake(ctx context.Context, opts HandshakeOptions) error {
	if err := c.setHandshakeDeadline(ctx, opts.HandshakeTimeout); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	if err := c.writeHandshake(HandshakeMessage{
		Stage:           StageHello,
		ProtocolVersion: ProtocolVersion,
		PeerID:          opts.Identity.PeerID,
		PeerName:        opts.Identity.PeerName,
		Nonce:           nonce,
	}); err != nil {
		return err
	}

	welcome, err := c.readHandshake(StageWelcome)
	if err != nil {
		return err
	}
	if !isVersionCompatible(welcome.ProtocolVersion) {
		return c.rejectHandshake(fmt.Sprintf("unsupported protocol version %d, supported %d..%d", welcome.ProtocolVersion, MinProtocolVersion, ProtocolVersion))
	}
	if strings.TrimSpace(welcome.PeerID) == "" {
		return c.rejectHandshake(errEmptyPeerID.Error())
	}
	if welcome.PeerID == opts.Identity.PeerID {
		return c.rejectHandshake("connected to self")
	}
	if opts.AuthKey != nil && !crypto.VerifyAuthToken(opts.AuthKey, welcome.PeerID, nonce, welcome.AuthToken) {
		return c.rejectHandshake("invalid auth token")
	}

	proof := HandshakeMessage{Stage: StageProof, ProtocolVersion: welcome.ProtocolVersion}
	if opts.AuthKey != nil {
		proof.AuthToken, err = crypto.AuthToken(opts.AuthKey, opts.Identity.PeerID, welcome.Nonce)
		if err != nil {
			return c.rejectHandshake(err.Error())
		}
	}
	if err := c.writeHandshake(proof); err != nil {
		return err
	}
	if _, err := c.readHandshake(StageReady); err != nil {
		return err
	}

	c.peerID = welcome.PeerID
	c.peerName = welcome.PeerName
	c.protocolVersion = welcome.ProtocolVersion
	return c.clearDeadline()
}

// serverHandshake runs the listener side.
func (c *Connection) serverHandshake(ctx context.Context, opts HandshakeOptions) error {
	if err := c.setHandshakeDeadline(ctx, opts.HandshakeTimeout); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	hello, err := c.readHandshake(StageHello)
	if err != nil {
		return err
	}
	version := min(hello.ProtocolVersion, ProtocolVersion)
	if !isVersionCompatible(version) {
		return c.rejectHandshake(fmt.Sprintf("unsupported protocol version %d, supported %d..%d", hello.ProtocolVersion, MinProtocolVersion, ProtocolVersion))
	}
	if strings.TrimSpace(hello.PeerID) == "" {
		return c.rejectHandshake(errEmptyPeerID.Error())
	}
	if hello.PeerID == opts.Identity.PeerID {
		return c.rejectHandshake("connected to self")
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	welcome := HandshakeMessage{
		Stage:           StageWelcome,
		ProtocolVersion: version,
		PeerID:          opts.Identity.PeerID,
		PeerName:        opts.Identity.PeerName,
		Nonce:           nonce,
	}
	if opts.AuthKey != nil {
		welcome.AuthToken, err = crypto.AuthToken(opts.AuthKey, opts.Identity.PeerID, hello.Nonce)
		if err != nil {
			return c.rejectHandshake(err.Error())
		}
	}
	if err := c.writeHandshake(welcome); err != nil {
		return err
	}

	proof, err := c.readHandshake(StageProof)
	if err != nil {
		return err
	}
	if opts.AuthKey != nil && !crypto.VerifyAuthToken(opts.AuthKey, hello.PeerID, nonce, proof.AuthToken) {
		return c.rejectHandshake("invalid auth token")
	}
	if err := c.writeHandshake(HandshakeMessage{Stage: StageReady, ProtocolVersion: version}); err != nil {
		return err
	}

	c.peerID = hello.PeerID
	c.peerName = hello.PeerName
	c.protocolVersion = version
	return c.clearDeadline()
}

func (c *Connection) clearDeadline() error {
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

func (c *Connection) writeHandshake(msg HandshakeMessage) error {
	frame, err := NewJSONMessage(TypeHandshake, msg)
	if err != nil {
		return err
	}
	if err := WriteFrame(c.conn, frame); err != nil {
		return c.handshakeIOError(err)
	}
	return nil
}

func (c *Connection) readHandshake(stage string) (HandshakeMessage, error) {
	frame, err := ReadFrame(c.conn)
	if err != nil {
		return HandshakeMessage{}, c.handshakeIOError(err)
	}
	if frame.Type != TypeHandshake {
		return HandshakeMessage{}, c.mismatch(fmt.Errorf("expected Handshake frame, got %s", frame.Type))
	}

	var msg HandshakeMessage
	if err := DecodeJSON(frame, &msg); err != nil {
		return HandshakeMessage{}, c.mismatch(err)
	}
	if msg.Stage == StageReject {
		return HandshakeMessage{}, c.mismatch(fmt.Errorf("rejected by peer: %s", msg.Error))
	}
	if msg.Stage != stage {
		return HandshakeMessage{}, c.mismatch(fmt.Errorf("expected stage %q, got %q", stage, msg.Stage))
	}
	return msg, nil
}

// rejectHandshake tells the peer why, then returns the local mismatch error.
func (c *Connection) rejectHandshake(reason string) error {
	_ = c.writeHandshake(HandshakeMessage{Stage: StageReject, ProtocolVersion: ProtocolVersion, Error: reason})
	return c.mismatch(errors.New(reason))
}

func (c *Connection) mismatch(err error) error {
	return &ConnectionError{Kind: ErrHandshakeMismatch, Address: c.address, PeerID: c.peerID, Err: err}
}

func (c *Connection) handshakeIOError(err error) error {
	if isTimeout(err) {
		return &ConnectionError{Kind: ErrTimeout, Address: c.address, Err: err}
	}
	return c.mismatch(err)
}
