// Command kvnode runs one node of the cluster: it owns a Store segment,
// serves it to peers and clients over net/rpc, and participates in the
// partitioned keyspace as described by a cluster configuration file.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/distkv/distkv/internal/config"
	"github.com/distkv/distkv/internal/distributor"
	"github.com/distkv/distkv/internal/healthmon"
	"github.com/distkv/distkv/internal/identity"
	"github.com/distkv/distkv/internal/mapping"
	"github.com/distkv/distkv/internal/membership"
	"github.com/distkv/distkv/internal/rpcprovider"
	"github.com/distkv/distkv/internal/store"
)

// logFatal is a variable so tests can intercept process termination
// instead of actually exiting.
var logFatal = log.Fatalf

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) < 4 {
		logFatal("usage: kvnode <protocol> <port> <memory-size>[K|M|G] [memory|persistent]")
		return
	}

	protocol := os.Args[1]
	port := os.Args[2]
	sizeArg := os.Args[3]

	mode := store.ModeMemory
	if len(os.Args) >= 5 {
		switch os.Args[4] {
		case "persistent":
			mode = store.ModePersistent
		case "memory":
			mode = store.ModeMemory
		default:
			logFatal("unknown storage mode %q: must be memory or persistent", os.Args[4])
			return
		}
	}

	capacity, err := parseSize(sizeArg)
	if err != nil {
		logFatal("invalid memory-size %q: %v", sizeArg, err)
		return
	}

	clusterConfigPath := getenv("KV_CLUSTER_CONFIG", "./cluster.json")
	cfg, err := config.Load(clusterConfigPath)
	if err != nil {
		logFatal("load cluster config %s: %v", clusterConfigPath, err)
		return
	}

	endpoints, err := cfg.Endpoints()
	if err != nil {
		logFatal("resolve cluster endpoints: %v", err)
		return
	}

	mappingPath := getenv("KV_MAPPING_FILE", mapping.DefaultPath)
	d := distributor.New(mappingPath, identity.DefaultAddrLister, cfg.LocalIP)
	for _, ep := range endpoints {
		if err := d.AddNode(ep, cfg.ProviderID); err != nil {
			logFatal("add node %s: %v", ep, err)
			return
		}
	}

	if d.LocalNodeID() < 0 {
		logFatal("no cluster endpoint matches this host; check local_ip or ip_addresses in %s", clusterConfigPath)
		return
	}

	segPath := getenv("KV_SEGMENT_FILE", store.DefaultSegmentPath)
	lockPath := getenv("KV_LOCK_FILE", store.DefaultLockPath)
	localStore, err := store.Open(store.Config{
		Mode:     mode,
		Role:     store.RoleOwner,
		Capacity: capacity,
		Path:     segPath,
		LockPath: lockPath,
	})
	if err != nil {
		logFatal("open store: %v", err)
		return
	}
	d.AttachLocalStore(localStore)

	if err := d.LoadMapping(); err != nil {
		log.Printf("kvnode: load mapping %s: %v", mappingPath, err)
	}

	listenAddr := net.JoinHostPort("0.0.0.0", port)
	provider, err := rpcprovider.Serve(listenAddr, cfg.ProviderID, &rpcprovider.KVService{Store: localStore})
	if err != nil {
		logFatal("serve %s: %v", listenAddr, err)
		return
	}

	healthServer := startHealthServer(port, d)
	monitor := healthmon.New(5 * time.Second)
	monitor.SetOnUnhealthy(func(nodeIndex int) {
		d.MarkUnreachable(nodeIndex)
	})
	go monitor.Start(nil, d.Endpoints)

	log.Printf("kvnode: node %d listening on %s (%s, %s mode, provider_id=%d)",
		d.LocalNodeID(), listenAddr, protocol, mode, cfg.ProviderID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("kvnode: shutting down")
	monitor.Stop()
	if healthServer != nil {
		healthServer.Close()
	}
	if err := provider.Close(); err != nil {
		log.Printf("kvnode: close provider: %v", err)
	}
	if err := localStore.Close(); err != nil {
		log.Printf("kvnode: close store: %v", err)
	}
}

// startHealthServer exposes a /health endpoint other nodes' healthmon
// instances can poll, on port+1000 (overridable via KV_HEALTH_PORT). A
// listen failure is logged and treated as non-fatal: the node still
// serves RPC traffic without liveness advertising.
func startHealthServer(rpcPort string, d *distributor.Distributor) *http.Server {
	healthPort := getenv("KV_HEALTH_PORT", "")
	if healthPort == "" {
		n, err := strconv.Atoi(rpcPort)
		if err != nil {
			log.Printf("kvnode: cannot derive health port from %q: %v", rpcPort, err)
			return nil
		}
		healthPort = strconv.Itoa(n + 1000)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(membership.NodeStatus{NodeID: d.LocalNodeID(), Status: "healthy"})
	})
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req membership.ChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var applyErr error
		switch req.Op {
		case "add":
			applyErr = d.AddNode(req.Endpoint, req.ProviderID)
		case "remove":
			applyErr = d.RemoveNode(req.NodeID)
		default:
			http.Error(w, fmt.Sprintf("unknown op %q", req.Op), http.StatusBadRequest)
			return
		}
		if applyErr != nil {
			http.Error(w, applyErr.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: net.JoinHostPort("0.0.0.0", healthPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("kvnode: health server: %v", err)
		}
	}()
	return srv
}

// parseSize parses a memory-size argument of the form "<number>[K|M|G]"
// into a byte count. A bare number is interpreted as bytes.
func parseSize(arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	suffix := arg[len(arg)-1]
	numPart := arg
	switch suffix {
	case 'K', 'k':
		multiplier = 1024
		numPart = arg[:len(arg)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		numPart = arg[:len(arg)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		numPart = arg[:len(arg)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", numPart, err)
	}
	return n * multiplier, nil
}
