package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"fluxbridge/logging"
	"fluxbridge/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_fluxbridge._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 1500 * time.Millisecond
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS transport.
type MDNSConfig struct {
	Service      string
	Domain       string
	Version      int
	ScanInterval time.Duration
	ScanTimeout  time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultBroadcastInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanTimeout > out.ScanInterval {
		out.ScanTimeout = out.ScanInterval
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNSTransport advertises this instance as a DNS-SD service and browses for others.
type MDNSTransport struct {
	cfg MDNSConfig

	mu         sync.Mutex
	browse     browseFunc
	server     *zeroconf.Server
	registered models.Announcement
	hasServer  bool
	closed     bool
}

// NewMDNSTransport creates an unopened mDNS transport.
func NewMDNSTransport(cfg MDNSConfig) *MDNSTransport {
	return &MDNSTransport{cfg: cfg.withDefaults()}
}

// Open prepares the resolver.
func (t *MDNSTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.browseFn != nil {
		t.browse = t.cfg.browseFn
		return nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	t.browse = resolver.Browse
	return nil
}

// Announce registers the service, re-registering when name, port or addresses change.
func (t *MDNSTransport) Announce(ctx context.Context, ann models.Announcement) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("mDNS transport is closed")
	}
	if t.hasServer && sameRegistration(t.registered, ann) {
		return nil
	}
	if t.server != nil {
		t.server.Shutdown()
		t.server = nil
	}

	instance := ann.Name
	if strings.TrimSpace(instance) == "" {
		instance = ann.PeerID
	}
	server, err := t.cfg.registerFn(instance, t.cfg.Service, t.cfg.Domain, ann.Port, t.txtRecords(ann), nil)
	if err != nil {
		t.hasServer = false
		return fmt.Errorf("register mDNS service: %w", err)
	}
	t.server = server
	t.registered = ann
	t.hasServer = true
	logging.Debugf("mdns: registered %q on port %d", instance, ann.Port)
	return nil
}

func (t *MDNSTransport) txtRecords(ann models.Announcement) []string {
	sentAt := ann.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return []string{
		"peer_id=" + ann.PeerID,
		"name=" + ann.Name,
		"sent_at=" + strconv.FormatInt(sentAt.UnixMilli(), 10),
		"v=" + strconv.Itoa(t.cfg.Version),
	}
}

// Listen browses once per scan interval until ctx ends.
func (t *MDNSTransport) Listen(ctx context.Context, deliver func(models.Announcement)) error {
	t.mu.Lock()
	browse := t.browse
	t.mu.Unlock()
	if browse == nil {
		return errors.New("mDNS transport is not open")
	}

	ticker := time.NewTicker(t.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := t.scan(ctx, browse, deliver); err != nil {
			logging.Debugf("mdns: browse failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *MDNSTransport) scan(ctx context.Context, browse browseFunc, deliver func(models.Announcement)) error {
	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if ann, ok := parseEntry(entry); ok {
					deliver(ann)
				}
			}
		}
	}()

	if err := browse(scanCtx, t.cfg.Service, t.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}
	<-scanCtx.Done()
	<-collectorDone
	return nil
}

// Close withdraws the registration.
func (t *MDNSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.server != nil {
		t.server.Shutdown()
		t.server = nil
	}
	t.hasServer = false
	return nil
}

func sameRegistration(a, b models.Announcement) bool {
	if a.PeerID != b.PeerID || a.Name != b.Name || a.Port != b.Port || len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}

func parseEntry(entry *zeroconf.ServiceEntry) (models.Announcement, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || entry.Port < 1 || entry.Port > 65535 {
		return models.Announcement{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := txt["name"]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}

	ann := models.Announcement{
		PeerID:    peerID,
		Name:      name,
		Addresses: addresses,
		Port:      entry.Port,
	}
	if ms, err := strconv.ParseInt(txt["sent_at"], 10, 64); err == nil {
		ann.SentAt = time.UnixMilli(ms)
	}
	return ann, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
