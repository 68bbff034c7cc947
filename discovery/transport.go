package discovery

import (
	"context"
	"net"
	"sort"

	"fluxbridge/models"
)

// Transport carries announcements between instances on one network segment.
type Transport interface {
	// Open binds the underlying sockets. Failures are fatal at startup.
	Open(ctx context.Context) error
	// Announce publishes one announcement.
	Announce(ctx context.Context, ann models.Announcement) error
	// Listen delivers decoded announcements until ctx ends or the transport closes.
	Listen(ctx context.Context, deliver func(models.Announcement)) error
	Close() error
}

// LocalAddresses returns the unicast addresses of every up, non-loopback interface.
func LocalAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() || ipNet.IP.IsMulticast() {
				continue
			}
			raw := ipNet.IP.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			out = append(out, raw)
		}
	}
	sort.Strings(out)
	return out
}

func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}
