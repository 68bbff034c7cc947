// Package registry holds the authoritative in-memory table of known peers.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"fluxbridge/models"
)

// Change describes what an Upsert did to the table.
type Change int

const (
	// ChangeNone means the announcement was ignored.
	ChangeNone Change = iota
	// ChangeAdded means a new peer id was registered.
	ChangeAdded
	// ChangeUpdated means name, port or address set changed.
	ChangeUpdated
	// ChangeRefreshed means only lastSeenAt moved.
	ChangeRefreshed
	// ChangeRemoved means the peer was evicted.
	ChangeRemoved
)

func (c Change) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRefreshed:
		return "refreshed"
	case ChangeRemoved:
		return "removed"
	default:
		return "none"
	}
}

// Event is delivered to subscribers after the table changed.
type Event struct {
	Change Change
	Peer   models.Peer
}

// Observer receives registry events. It is called outside the registry lock.
type Observer func(Event)

type subscriber struct {
	id uint64
	fn Observer
}

// Registry is safe for concurrent use. Peers are keyed by ID only.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*models.Peer

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID uint64
	// Serializes notification so observers see events in table order.
	notifyMu sync.Mutex
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*models.Peer)}
}

// Upsert registers or refreshes the announcing peer. Repeating an identical
// announcement only refreshes freshness.
func (r *Registry) Upsert(ann models.Announcement, now time.Time) (models.Peer, Change) {
	id := strings.TrimSpace(ann.PeerID)
	if id == "" {
		return models.Peer{}, ChangeNone
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	existing, ok := r.peers[id]
	var change Change
	if !ok {
		existing = &models.Peer{
			ID:         id,
			Name:       ann.Name,
			Addresses:  mergeAddresses(nil, ann.Addresses),
			Port:       ann.Port,
			LastSeenAt: now,
			Status:     models.PeerStatusActive,
		}
		r.peers[id] = existing
		change = ChangeAdded
	} else {
		change = ChangeRefreshed
		merged := mergeAddresses(existing.Addresses, ann.Addresses)
		if len(merged) != len(existing.Addresses) {
			existing.Addresses = merged
			change = ChangeUpdated
		}
		if ann.Name != "" && ann.Name != existing.Name {
			existing.Name = ann.Name
			change = ChangeUpdated
		}
		if ann.Port > 0 && ann.Port != existing.Port {
			existing.Port = ann.Port
			change = ChangeUpdated
		}
		if now.After(existing.LastSeenAt) {
			existing.LastSeenAt = now
		}
		existing.Status = models.PeerStatusActive
	}
	snapshot := existing.Clone()
	r.mu.Unlock()

	if change != ChangeRefreshed {
		r.notify(Event{Change: change, Peer: snapshot})
	}
	return snapshot, change
}

// EvictStale removes and returns every peer whose lastSeenAt is older than ttl.
func (r *Registry) EvictStale(ttl time.Duration, now time.Time) []models.Peer {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	var evicted []models.Peer
	for id, peer := range r.peers {
		if now.Sub(peer.LastSeenAt) <= ttl {
			continue
		}
		peer.Status = models.PeerStatusStale
		evicted = append(evicted, peer.Clone())
		delete(r.peers, id)
	}
	r.mu.Unlock()

	sortPeers(evicted)
	for _, peer := range evicted {
		r.notify(Event{Change: ChangeRemoved, Peer: peer})
	}
	return evicted
}

// Remove deletes one peer immediately.
func (r *Registry) Remove(id string) (models.Peer, bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	peer, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if !ok {
		return models.Peer{}, false
	}

	out := peer.Clone()
	out.Status = models.PeerStatusStale
	r.notify(Event{Change: ChangeRemoved, Peer: out})
	return out, true
}

// Get returns a copy of one peer.
func (r *Registry) Get(id string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	if !ok {
		return models.Peer{}, false
	}
	return peer.Clone(), true
}

// List returns copies of all peers sorted by name, then id.
func (r *Registry) List() []models.Peer {
	r.mu.RLock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer.Clone())
	}
	r.mu.RUnlock()

	sortPeers(out)
	return out
}

// FindByAddress returns the peer advertising ip on port.
func (r *Registry) FindByAddress(ip string, port int) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.peers {
		if peer.Port != port {
			continue
		}
		for _, addr := range peer.Addresses {
			if addr == ip {
				return peer.Clone(), true
			}
		}
	}
	return models.Peer{}, false
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Subscribe registers an observer. The returned func stops delivery.
func (r *Registry) Subscribe(fn Observer) func() {
	r.subMu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			for i, sub := range r.subs {
				if sub.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Registry) notify(event Event) {
	r.subMu.Lock()
	subs := append([]subscriber(nil), r.subs...)
	r.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

func mergeAddresses(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, addr := range append(append([]string(nil), existing...), incoming...) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func sortPeers(peers []models.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name == peers[j].Name {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].Name < peers[j].Name
	})
}
