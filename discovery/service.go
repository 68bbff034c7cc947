// Package discovery announces this instance on the local network and feeds
// announcements from other instances into the peer registry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fluxbridge/logging"
	"fluxbridge/models"
	"fluxbridge/registry"
)

const (
	// DefaultBroadcastInterval is the announcement period.
	DefaultBroadcastInterval = 2 * time.Second
	// DefaultTTLMultiplier scales the interval into the eviction TTL.
	DefaultTTLMultiplier = 4
)

// ErrBind reports that a discovery transport could not bind its socket.
var ErrBind = errors.New("discovery: bind failed")

// Config controls the discovery service.
type Config struct {
	SelfID        string
	Name          string
	Port          int
	Interval      time.Duration
	TTL           time.Duration
	SweepInterval time.Duration

	// Addresses returns the advertised addresses; defaults to LocalAddresses.
	Addresses func() []string
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultBroadcastInterval
	}
	if out.TTL <= 0 {
		out.TTL = DefaultTTLMultiplier * out.Interval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.TTL / 2
	}
	if out.Addresses == nil {
		out.Addresses = LocalAddresses
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self peer ID is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("listening port %d out of range", c.Port)
	}
	return nil
}

// Service runs the broadcast, listen and sweep tasks.
type Service struct {
	cfg        Config
	registry   *registry.Registry
	transports []Transport

	mu   sync.RWMutex
	name string

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
	groupCtx  context.Context
}

// NewService creates a stopped service writing into reg.
func NewService(config Config, reg *registry.Registry, transports ...Transport) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if len(transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}
	return &Service{
		cfg:        cfg,
		registry:   reg,
		transports: transports,
		name:       cfg.Name,
	}, nil
}

// Start binds every transport and launches the background tasks. A bind
// failure closes what was opened and returns an error wrapping ErrBind.
func (s *Service) Start(ctx context.Context) error {
	err := errors.New("discovery service already started")
	s.startOnce.Do(func() {
		err = nil
		for i, transport := range s.transports {
			if openErr := transport.Open(ctx); openErr != nil {
				for _, opened := range s.transports[:i] {
					_ = opened.Close()
				}
				err = fmt.Errorf("%w: %v", ErrBind, openErr)
				return
			}
		}

		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.group, s.groupCtx = errgroup.WithContext(runCtx)

		s.group.Go(func() error { return s.broadcastLoop(s.groupCtx) })
		s.group.Go(func() error { return s.sweepLoop(s.groupCtx) })
		for _, transport := range s.transports {
			transport := transport
			s.group.Go(func() error {
				return transport.Listen(s.groupCtx, s.handleAnnouncement)
			})
		}
		logging.Infof("discovery: announcing %q every %s (ttl %s)", s.Name(), s.cfg.Interval, s.cfg.TTL)
	})
	return err
}

// Stop cancels the background tasks and closes every transport.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		err = s.group.Wait()
		for _, transport := range s.transports {
			_ = transport.Close()
		}
	})
	return err
}

// Name returns the currently announced display name.
func (s *Service) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName changes the announced display name from the next broadcast on.
func (s *Service) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Announcement builds the record this instance broadcasts.
func (s *Service) Announcement() models.Announcement {
	return models.Announcement{
		PeerID:    s.cfg.SelfID,
		Name:      s.Name(),
		Addresses: s.cfg.Addresses(),
		Port:      s.cfg.Port,
		SentAt:    s.cfg.Now(),
	}
}

func (s *Service) broadcastLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.announce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) announce(ctx context.Context) {
	ann := s.Announcement()
	for _, transport := range s.transports {
		if err := transport.Announce(ctx, ann); err != nil && ctx.Err() == nil {
			logging.Debugf("discovery: announce failed: %v", err)
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts peers silent for longer than the TTL.
func (s *Service) Sweep() []models.Peer {
	evicted := s.registry.EvictStale(s.cfg.TTL, s.cfg.Now())
	for _, peer := range evicted {
		logging.Infof("discovery: lost peer %s (%s)", peer.Name, peer.ID)
	}
	return evicted
}

func (s *Service) handleAnnouncement(ann models.Announcement) {
	if ann.PeerID == s.cfg.SelfID {
		return
	}
	peer, change := s.registry.Upsert(ann, s.cfg.Now())
	switch change {
	case registry.ChangeAdded:
		logging.Infof("discovery: found peer %s (%s) at %v:%d", peer.Name, peer.ID, peer.Addresses, peer.Port)
	case registry.ChangeUpdated:
		logging.Debugf("discovery: updated peer %s (%s)", peer.Name, peer.ID)
	}
}
