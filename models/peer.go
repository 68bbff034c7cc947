package models

import "time"

// PeerStatus reports whether a peer is still announcing itself.
type PeerStatus string

const (
	PeerStatusActive PeerStatus = "active"
	PeerStatusStale  PeerStatus = "stale"
)

// Peer represents a discovered remote instance. ID is the only identity key;
// Name is user-editable and not unique.
type Peer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Addresses  []string   `json:"addresses"`
	Port       int        `json:"port"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	Status     PeerStatus `json:"status"`
}

// Clone returns a deep copy safe to hand to callers.
func (p Peer) Clone() Peer {
	out := p
	out.Addresses = append([]string(nil), p.Addresses...)
	return out
}

// Announcement is one presence record received from the network.
type Announcement struct {
	PeerID    string
	Name      string
	Addresses []string
	Port      int
	SentAt    time.Time
}
