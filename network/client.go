package network

import (
	"context"
	"net"
)

// Dial makes one attempt to connect to address and complete the handshake.
// The returned connection is Connected and its loops are running.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Connection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	c := newConnection(address, true, opts)
	c.setState(StateConnecting, nil)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		connErr := classifyDialError(address, err)
		c.fail(connErr)
		return nil, connErr
	}
	c.attach(raw)
	c.setState(StateHandshaking, nil)

	if err := c.clientHandshake(ctx, opts); err != nil {
		c.fail(err)
		return nil, err
	}

	c.start()
	return c, nil
}
