package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fluxbridge"
	// DefaultListeningPort is the TCP port used when fixed mode has no value.
	DefaultListeningPort = 47821
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// DiscoveryModeMulticast announces over UDP multicast.
	DiscoveryModeMulticast = "multicast"
	// DiscoveryModeMDNS announces over mDNS/DNS-SD.
	DiscoveryModeMDNS = "mdns"
	// DiscoveryModeBoth runs both transports.
	DiscoveryModeBoth = "both"

	// ConflictPolicyRename stores colliding downloads as "name (1).ext".
	ConflictPolicyRename = "rename"
	// ConflictPolicyReject refuses transfers whose destination already exists.
	ConflictPolicyReject = "reject"

	DefaultMulticastAddress       = "239.255.70.66:47820"
	DefaultBroadcastInterval      = 2 * time.Second
	DefaultChunkSize              = 64 * 1024
	DefaultSendWindow             = 8
	DefaultMaxConcurrentTransfers = 4
	DefaultChunkRetryLimit        = 3
	DefaultClipboardPoll          = 500 * time.Millisecond

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-instance settings.
type DeviceConfig struct {
	PeerID                 string `json:"peer_id"`
	PeerName               string `json:"peer_name"`
	PortMode               string `json:"port_mode"`
	ListeningPort          int    `json:"listening_port"`
	DiscoveryMode          string `json:"discovery_mode"`
	MulticastAddress       string `json:"multicast_address"`
	BroadcastIntervalMS    int64  `json:"broadcast_interval_ms"`
	PeerTTLMS              int64  `json:"peer_ttl_ms"`
	ChunkSize              int    `json:"chunk_size"`
	SendWindow             int    `json:"send_window"`
	MaxConcurrentTransfers int    `json:"max_concurrent_transfers"`
	ChunkRetryLimit        int    `json:"chunk_retry_limit"`
	DownloadDir            string `json:"download_dir"`
	ConflictPolicy         string `json:"conflict_policy"`
	AuthSecret             string `json:"auth_secret,omitempty"`
	BridgeAddress          string `json:"bridge_address"`
	ClipboardSync          bool   `json:"clipboard_sync"`
	ClipboardPollMS        int64  `json:"clipboard_poll_ms"`
}

// BroadcastInterval returns the announcement period.
func (c *DeviceConfig) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMS) * time.Millisecond
}

// PeerTTL returns the silence duration after which a peer is evicted.
func (c *DeviceConfig) PeerTTL() time.Duration {
	return time.Duration(c.PeerTTLMS) * time.Millisecond
}

// ClipboardPoll returns how often the local clipboard is checked for changes.
func (c *DeviceConfig) ClipboardPoll() time.Duration {
	return time.Duration(c.ClipboardPollMS) * time.Millisecond
}

// ListenAddress returns the TCP listen address for the connection manager.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FLUXBRIDGE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FLUXBRIDGE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		PeerID:   uuid.NewString(),
		PortMode: PortModeAutomatic,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultPeerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "FluxBridge Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if cfg.PeerName == "" {
		cfg.PeerName = defaultPeerName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	switch cfg.DiscoveryMode {
	case DiscoveryModeMulticast, DiscoveryModeMDNS, DiscoveryModeBoth:
	default:
		cfg.DiscoveryMode = DiscoveryModeMulticast
		updated = true
	}
	if cfg.MulticastAddress == "" {
		cfg.MulticastAddress = DefaultMulticastAddress
		updated = true
	}
	if cfg.BroadcastIntervalMS <= 0 {
		cfg.BroadcastIntervalMS = DefaultBroadcastInterval.Milliseconds()
		updated = true
	}
	// Peers must survive a few lost announcements.
	if cfg.PeerTTLMS < 3*cfg.BroadcastIntervalMS {
		cfg.PeerTTLMS = 4 * cfg.BroadcastIntervalMS
		updated = true
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = DefaultSendWindow
		updated = true
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
		updated = true
	}
	if cfg.ChunkRetryLimit <= 0 {
		cfg.ChunkRetryLimit = DefaultChunkRetryLimit
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.ConflictPolicy != ConflictPolicyRename && cfg.ConflictPolicy != ConflictPolicyReject {
		cfg.ConflictPolicy = ConflictPolicyRename
		updated = true
	}
	if cfg.ClipboardPollMS <= 0 {
		cfg.ClipboardPollMS = DefaultClipboardPoll.Milliseconds()
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
