package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"fluxbridge/logging"
	"fluxbridge/models"
)

// DefaultMulticastAddress is the group announcements are sent to.
const DefaultMulticastAddress = "239.255.70.66:47820"

// MulticastTransport announces over IPv4 UDP multicast.
type MulticastTransport struct {
	address string

	mu     sync.Mutex
	group  *net.UDPAddr
	recv   *ipv4.PacketConn
	send   *ipv4.PacketConn
	closed bool

	dropped atomic.Uint64
}

// NewMulticastTransport creates an unopened transport for address ("ip:port").
func NewMulticastTransport(address string) *MulticastTransport {
	if address == "" {
		address = DefaultMulticastAddress
	}
	return &MulticastTransport{address: address}
}

// Open joins the multicast group on every multicast-capable interface.
func (t *MulticastTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	group, err := net.ResolveUDPAddr("udp4", t.address)
	if err != nil {
		return fmt.Errorf("resolve multicast group %q: %w", t.address, err)
	}
	if !group.IP.IsMulticast() {
		return fmt.Errorf("address %q is not a multicast group", t.address)
	}

	// ListenMulticastUDP sets SO_REUSEADDR so several instances can share a host.
	recvConn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("listen multicast %s: %w", group, err)
	}
	recv := ipv4.NewPacketConn(recvConn)
	joined := 0
	for _, iface := range multicastInterfaces() {
		iface := iface
		if err := recv.JoinGroup(&iface, &net.UDPAddr{IP: group.IP}); err == nil {
			joined++
		}
	}
	logging.Debugf("multicast: joined %s on %d interfaces", group, joined)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = recv.Close()
		return fmt.Errorf("open multicast sender: %w", err)
	}
	send := ipv4.NewPacketConn(sendConn)
	if err := send.SetMulticastLoopback(true); err != nil {
		logging.Debugf("multicast: enable loopback: %v", err)
	}
	if err := send.SetMulticastTTL(1); err != nil {
		logging.Debugf("multicast: set ttl: %v", err)
	}

	t.group = group
	t.recv = recv
	t.send = send
	t.closed = false
	return nil
}

// Announce sends one encoded announcement to the group.
func (t *MulticastTransport) Announce(ctx context.Context, ann models.Announcement) error {
	t.mu.Lock()
	send, group := t.send, t.group
	t.mu.Unlock()
	if send == nil {
		return errors.New("multicast transport is not open")
	}

	if _, err := send.WriteTo(EncodeAnnouncement(ann), nil, group); err != nil {
		return fmt.Errorf("multicast announce: %w", err)
	}
	return nil
}

// Listen reads packets until the transport is closed or ctx ends.
func (t *MulticastTransport) Listen(ctx context.Context, deliver func(models.Announcement)) error {
	t.mu.Lock()
	recv := t.recv
	t.mu.Unlock()
	if recv == nil {
		return errors.New("multicast transport is not open")
	}

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, 64*1024)
	for {
		n, _, src, err := recv.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("multicast read: %w", err)
		}
		ann, ok := t.handlePacket(buf[:n], src)
		if !ok {
			continue
		}
		deliver(ann)
	}
}

// Dropped returns how many malformed packets were discarded.
func (t *MulticastTransport) Dropped() uint64 {
	return t.dropped.Load()
}

// Close releases both sockets. It is safe to call more than once.
func (t *MulticastTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.recv != nil {
		errs = append(errs, t.recv.Close())
	}
	if t.send != nil {
		errs = append(errs, t.send.Close())
	}
	return errors.Join(errs...)
}

func (t *MulticastTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// handlePacket decodes one datagram and merges its source IP into the addresses.
func (t *MulticastTransport) handlePacket(data []byte, src net.Addr) (models.Announcement, bool) {
	ann, err := DecodeAnnouncement(data)
	if err != nil {
		t.dropped.Add(1)
		logging.Debugf("multicast: dropped packet from %v: %v", src, err)
		return models.Announcement{}, false
	}

	if udpAddr, ok := src.(*net.UDPAddr); ok && udpAddr.IP != nil {
		ip := udpAddr.IP.String()
		found := false
		for _, addr := range ann.Addresses {
			if addr == ip {
				found = true
				break
			}
		}
		if !found {
			ann.Addresses = append(ann.Addresses, ip)
		}
	}
	return ann, true
}
