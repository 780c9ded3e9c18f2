package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"actorcluster/internal/cluster"
	"actorcluster/internal/demokind"
	"actorcluster/internal/identitystore/etcdstore"
	"actorcluster/internal/identitystore/inproc"
	"actorcluster/internal/logging"
	"actorcluster/internal/metrics"
	"actorcluster/internal/provider/serfprovider"
	"actorcluster/internal/transport/httptransport"
	"actorcluster/pkg/config"
	"actorcluster/pkg/grain"
)

var (
	configPath = flag.String("config", "configs/clusternode.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Unique node identifier")
	bindAddr   = flag.String("bind", "", "Gossip bind address (host:port form overrides network.bind_addr/gossip_port)")
)

// builtinKinds maps a configured kind name to the grain.Factory that
// implements it. Only "kv" ships with this module; operators adding a new
// kind register its factory here.
var builtinKinds = map[string]grain.Factory{
	demokind.KindName: demokind.NewBehavior,
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *bindAddr != "" {
		host, portStr, err := net.SplitHostPort(*bindAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: invalid -bind value %q: %v\n", *bindAddr, err)
			os.Exit(1)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: invalid -bind port %q: %v\n", portStr, err)
			os.Exit(1)
		}
		cfg.Network.BindAddr = host
		cfg.Network.GossipPort = port
	}

	logger, err := logging.InitializeFromConfig(cfg.Node.ID, cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	startupCorrelationID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), startupCorrelationID)

	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "cluster node starting", map[string]interface{}{
		"node_id":     cfg.Node.ID,
		"is_client":   cfg.Node.IsClient,
		"config_file": *configPath,
	})

	advertiseAddr := cfg.Network.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = cfg.Network.BindAddr
	}
	gossipBindAddress := net.JoinHostPort(cfg.Network.BindAddr, strconv.Itoa(cfg.Network.GossipPort))
	selfAddress := httptransport.BindAddressForPort(advertiseAddr, cfg.Network.GossipPort)

	kinds := make([]cluster.ClusterKind, 0, len(cfg.Kinds))
	kindNames := make([]string, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		factory, ok := builtinKinds[k.Name]
		if !ok {
			logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart,
				"no factory registered for configured kind", fmt.Errorf("unknown kind %q", k.Name))
			os.Exit(1)
		}
		kinds = append(kinds, cluster.ClusterKind{Name: k.Name, Factory: factory})
		kindNames = append(kindNames, k.Name)
	}

	provider := serfprovider.New(serfprovider.Config{
		NodeID:           cfg.Node.ID,
		BindAddress:      cfg.Network.BindAddr,
		BindPort:         cfg.Network.GossipPort,
		AdvertiseAddress: advertiseAddr,
		SeedNodes:        cfg.Cluster.Seeds,
		JoinTimeout:      cfg.Cluster.JoinTimeout,
		Kinds:            kindNames,
	})

	transport := httptransport.New(cfg.Transport.RequestTimeout)

	var store cluster.IdentityStore
	switch cfg.IdentityStore.Backend {
	case "etcd":
		etcdStore, err := etcdstore.New(etcdstore.Config{
			Endpoints:   cfg.IdentityStore.Endpoints,
			DialTimeout: cfg.IdentityStore.DialTimeout,
		})
		if err != nil {
			logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to connect to etcd identity store", err)
			os.Exit(1)
		}
		defer etcdStore.Close()
		store = etcdStore
	default:
		store = inproc.New()
	}

	metricsObserver := metrics.NewObserver(cfg.Node.ID, selfAddress)
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsObserver.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, logging.ComponentMetrics, logging.ActionStart, "metrics server stopped unexpectedly", err)
			}
		}()
	}

	orchestrator, err := cluster.NewOrchestrator(cluster.OrchestratorConfig{
		SelfID:                cfg.Node.ID,
		SelfAddress:           selfAddress,
		IsClient:              cfg.Node.IsClient,
		Kinds:                 kinds,
		MemberHealthTimeout:   cfg.Cluster.MemberHealthTimeout,
		Gossip:                cluster.GossipConfig{GossipInterval: cfg.Gossip.GossipInterval, FanOut: cfg.Gossip.FanOut},
		HashRing:              cluster.HashRingConfig{VirtualNodeCount: cfg.HashRing.VirtualNodeCount},
		PidCacheClearInterval: cfg.PidCache.ClearInterval,
		PidCacheTTL:           cfg.PidCache.TimeToLive,
		ReservationTTL:        cfg.IdentityStore.ReservationTTL,
		ClusterContext:        cluster.DefaultClusterContextConfig(),
	}, provider, transport, store, metricsObserver)
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to construct orchestrator", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()
	if err := orchestrator.Start(startCtx); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to start cluster", err)
		os.Exit(1)
	}

	fmt.Printf("cluster node %s listening gossip=%s transport=%s\n", cfg.Node.ID, gossipBindAddress, selfAddress)
	if cfg.Metrics.Enabled {
		fmt.Printf("metrics available at http://%s/metrics\n", cfg.Metrics.ListenAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	graceful := sig == syscall.SIGTERM || sig == os.Interrupt
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "cluster node shutting down", map[string]interface{}{
		"signal":   sig.String(),
		"graceful": graceful,
	})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := orchestrator.Shutdown(shutdownCtx, graceful); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "error during cluster shutdown", err)
	}

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	fmt.Println("cluster node shutdown complete")
}
