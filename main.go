package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"fluxbridge/bridge"
	"fluxbridge/clipboard"
	"fluxbridge/config"
	"fluxbridge/discovery"
	"fluxbridge/logging"
	"fluxbridge/network"
	"fluxbridge/registry"
	"fluxbridge/storage"
	"fluxbridge/transfer"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	bridgeAddr := flag.String("bridge", "", "websocket bridge listen address (overrides config)")
	name := flag.String("name", "", "display name for this run (overrides config)")
	clip := flag.Bool("clipboard", false, "share clipboard text with connected peers (overrides config)")
	flag.Parse()

	if *debug {
		logging.EnableDebug()
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *name != "" {
		cfg.PeerName = *name
	}
	if *bridgeAddr != "" {
		cfg.BridgeAddress = *bridgeAddr
	}
	if *clip {
		cfg.ClipboardSync = true
	}
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warnf("database close error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peers := registry.New()
	manager, err := network.NewManager(network.ManagerOptions{
		Identity:      network.Identity{PeerID: cfg.PeerID, PeerName: cfg.PeerName},
		ListenAddress: cfg.ListenAddress(),
		AuthSecret:    cfg.AuthSecret,
		Directory:     peers,
	})
	if err != nil {
		log.Fatalf("startup failed while creating connection manager: %v", err)
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("startup failed while listening: %v", err)
	}
	defer manager.Stop()

	engine, err := transfer.NewEngine(manager, transfer.Options{
		DownloadDir:    cfg.DownloadDir,
		ChunkSize:      cfg.ChunkSize,
		Window:         cfg.SendWindow,
		MaxConcurrent:  cfg.MaxConcurrentTransfers,
		RetryLimit:     cfg.ChunkRetryLimit,
		ConflictPolicy: cfg.ConflictPolicy,
		Store:          store,
	})
	if err != nil {
		log.Fatalf("startup failed while creating transfer engine: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("startup failed while starting transfer engine: %v", err)
	}
	defer engine.Stop()

	service, err := discovery.NewService(discovery.Config{
		SelfID:   cfg.PeerID,
		Name:     cfg.PeerName,
		Port:     manager.Port(),
		Interval: cfg.BroadcastInterval(),
		TTL:      cfg.PeerTTL(),
	}, peers, discoveryTransports(cfg)...)
	if err != nil {
		log.Fatalf("startup failed while creating discovery: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		log.Fatalf("startup failed while starting discovery: %v", err)
	}
	defer func() {
		if err := service.Stop(); err != nil {
			logging.Warnf("discovery stop error: %v", err)
		}
	}()

	events := bridge.New(peers, manager, engine)
	defer events.Close()
	go logBridgeEvents(events.Subscribe())

	if cfg.ClipboardSync {
		if clipSync := startClipboard(ctx, cfg, manager); clipSync != nil {
			events.AttachClipboard(clipSync)
			defer clipSync.Stop()
		}
	}

	fmt.Printf("Peer ID:         %s\n", cfg.PeerID)
	fmt.Printf("Peer Name:       %s\n", cfg.PeerName)
	fmt.Printf("Listening Port:  %d\n", manager.Port())
	fmt.Printf("Discovery:       %s\n", cfg.DiscoveryMode)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDir)
	fmt.Printf("Clipboard Sync:  %t\n", cfg.ClipboardSync)

	if cfg.BridgeAddress != "" {
		ws := bridge.NewWSServer(events, cfg.BridgeAddress)
		if err := ws.Start(); err != nil {
			log.Fatalf("startup failed while starting websocket bridge: %v", err)
		}
		defer func() {
			if err := ws.Close(); err != nil {
				logging.Warnf("websocket bridge close error: %v", err)
			}
		}()
		fmt.Printf("Bridge:          ws://%s/ws\n", ws.Addr())
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func discoveryTransports(cfg *config.DeviceConfig) []discovery.Transport {
	var transports []discovery.Transport
	if cfg.DiscoveryMode == config.DiscoveryModeMulticast || cfg.DiscoveryMode == config.DiscoveryModeBoth {
		transports = append(transports, discovery.NewMulticastTransport(cfg.MulticastAddress))
	}
	if cfg.DiscoveryMode == config.DiscoveryModeMDNS || cfg.DiscoveryMode == config.DiscoveryModeBoth {
		transports = append(transports, discovery.NewMDNSTransport(discovery.MDNSConfig{ScanInterval: cfg.BroadcastInterval()}))
	}
	return transports
}

func startClipboard(ctx context.Context, cfg *config.DeviceConfig, manager *network.Manager) *clipboard.Sync {
	board, err := clipboard.SystemBoard()
	if err != nil {
		logging.Warnf("clipboard sync disabled: %v", err)
		return nil
	}
	clipSync, err := clipboard.NewSync(board, manager, clipboard.Options{PollInterval: cfg.ClipboardPoll()})
	if err != nil {
		logging.Warnf("clipboard sync disabled: %v", err)
		return nil
	}
	if err := clipSync.Start(ctx); err != nil {
		logging.Warnf("clipboard sync disabled: %v", err)
		return nil
	}
	return clipSync
}

func logBridgeEvents(sub *bridge.Subscription) {
	for event := range sub.Events() {
		switch event.Kind {
		case bridge.KindPeerDiscovered, bridge.KindPeerUpdated:
			logging.Infof("%s: id=%s name=%q addr=%v port=%d", event.Kind, event.Peer.ID, event.Peer.Name, event.Peer.Addresses, event.Peer.Port)
		case bridge.KindPeerLost:
			logging.Infof("%s: id=%s", event.Kind, event.PeerID)
		case bridge.KindConnectionState:
			logging.Debugf("%s: peer=%s state=%s %s", event.Kind, event.Connection.PeerID, event.Connection.State, event.Connection.Reason)
		case bridge.KindClipboardReceived:
			logging.Infof("%s: from=%s bytes=%d", event.Kind, event.PeerID, len(event.Clipboard.Text))
		case bridge.KindTransferProgress:
			logging.Debugf("%s: %s %d/%d", event.Kind, event.Transfer.SessionID, event.Transfer.BytesAcked, event.Transfer.TotalBytes)
		default:
			if event.Transfer != nil {
				logging.Infof("%s: %s %s %s", event.Kind, event.Transfer.SessionID, event.Transfer.FileName, event.Transfer.Reason)
			}
		}
	}
}
