package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("FLUXBRIDGE_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.PeerID == "" {
		t.Fatalf("expected non-empty peer ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListenAddress() != ":0" {
		t.Fatalf("expected automatic listen address, got %q", firstCfg.ListenAddress())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.PeerID != firstCfg.PeerID {
		t.Fatalf("expected stable peer ID, got %q then %q", firstCfg.PeerID, secondCfg.PeerID)
	}
	if secondCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir %q", secondCfg.DownloadDir)
	}
}

func TestLoadOrCreateAppliesTransferDefaults(t *testing.T) {
	t.Setenv("FLUXBRIDGE_DATA_DIR", t.TempDir())

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected chunk size %d, got %d", DefaultChunkSize, cfg.ChunkSize)
	}
	if cfg.MaxConcurrentTransfers != DefaultMaxConcurrentTransfers {
		t.Fatalf("expected concurrency cap %d, got %d", DefaultMaxConcurrentTransfers, cfg.MaxConcurrentTransfers)
	}
	if cfg.ChunkRetryLimit != DefaultChunkRetryLimit {
		t.Fatalf("expected retry limit %d, got %d", DefaultChunkRetryLimit, cfg.ChunkRetryLimit)
	}
	if cfg.BroadcastInterval() != DefaultBroadcastInterval {
		t.Fatalf("unexpected broadcast interval %s", cfg.BroadcastInterval())
	}
	if cfg.PeerTTL() != 4*DefaultBroadcastInterval {
		t.Fatalf("expected TTL of 4 intervals, got %s", cfg.PeerTTL())
	}
	if cfg.DiscoveryMode != DiscoveryModeMulticast {
		t.Fatalf("unexpected discovery mode %q", cfg.DiscoveryMode)
	}
	if cfg.ConflictPolicy != ConflictPolicyRename {
		t.Fatalf("unexpected conflict policy %q", cfg.ConflictPolicy)
	}
	if cfg.ClipboardSync || cfg.ClipboardPoll() != DefaultClipboardPoll {
		t.Fatalf("expected clipboard sync off with %s poll, got %v %s", DefaultClipboardPoll, cfg.ClipboardSync, cfg.ClipboardPoll())
	}
}

func TestLoadOrCreateRaisesTooShortTTL(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("FLUXBRIDGE_DATA_DIR", tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		PeerID:              "legacy-peer",
		PeerName:            "Legacy",
		ListeningPort:       9999,
		BroadcastIntervalMS: 1000,
		PeerTTLMS:           1500,
	}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed || cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed port to be retained, got mode=%q port=%d", cfg.PortMode, cfg.ListeningPort)
	}
	if cfg.PeerTTL() != 4*time.Second {
		t.Fatalf("expected TTL raised to 4s, got %s", cfg.PeerTTL())
	}
	if cfg.ListenAddress() != ":9999" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress())
	}
}
