package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"fluxbridge/models"
)

func TestMDNSAnnounceBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
		calls       int
	)

	transport := NewMDNSTransport(MDNSConfig{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			calls++
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err := transport.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ann := models.Announcement{
		PeerID: "peer-123",
		Name:   "Alice Laptop",
		Port:   9999,
		SentAt: time.UnixMilli(1_706_000_000_000),
	}
	if err := transport.Announce(context.Background(), ann); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	assertContainsTXT(t, gotTXT, "peer_id=peer-123")
	assertContainsTXT(t, gotTXT, "name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "sent_at=1706000000000")
	assertContainsTXT(t, gotTXT, "v=1")

	ann.SentAt = ann.SentAt.Add(2 * time.Second)
	if err := transport.Announce(context.Background(), ann); err != nil {
		t.Fatalf("second Announce failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected unchanged announcement to skip re-registration, got %d calls", calls)
	}

	ann.Name = "Alice Desktop"
	if err := transport.Announce(context.Background(), ann); err != nil {
		t.Fatalf("rename Announce failed: %v", err)
	}
	if calls != 2 || gotInstance != "Alice Desktop" {
		t.Fatalf("expected re-registration after rename, calls=%d instance=%q", calls, gotInstance)
	}
	_ = transport.Close()
}

func TestMDNSListenParsesEntries(t *testing.T) {
	transport := NewMDNSTransport(MDNSConfig{
		ScanInterval: 50 * time.Millisecond,
		ScanTimeout:  20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			good := zeroconf.NewServiceEntry("Bob", service, domain)
			good.Port = 7000
			good.Text = []string{"peer_id=bob-id", "name=Bob", "sent_at=1000", "v=1"}
			good.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("192.168.1.20")}

			missingID := zeroconf.NewServiceEntry("Ghost", service, domain)
			missingID.Port = 7001

			go func() {
				for _, entry := range []*zeroconf.ServiceEntry{missingID, good} {
					select {
					case entries <- entry:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
	})
	if err := transport.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []models.Announcement
	done := make(chan error, 1)
	go func() {
		done <- transport.Listen(ctx, func(ann models.Announcement) {
			mu.Lock()
			got = append(got, ann)
			mu.Unlock()
		})
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ann := range got {
		if ann.PeerID != "bob-id" {
			t.Fatalf("unexpected announcement %+v", ann)
		}
	}
	first := got[0]
	if first.Name != "Bob" || first.Port != 7000 {
		t.Fatalf("unexpected parsed fields %+v", first)
	}
	if len(first.Addresses) != 1 || first.Addresses[0] != "192.168.1.20" {
		t.Fatalf("expected deduplicated addresses, got %v", first.Addresses)
	}
	if first.SentAt.UnixMilli() != 1000 {
		t.Fatalf("unexpected sentAt %v", first.SentAt)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
