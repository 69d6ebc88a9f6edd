// Command kvctl is a minimal interactive client for the cluster: it
// attaches to the local node's Store for zero-copy local access (and
// exits with status 1 if no Store can be attached), and uses the RPC
// client cache for every key that lives on another node.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/distkv/distkv/internal/config"
	"github.com/distkv/distkv/internal/distributor"
	"github.com/distkv/distkv/internal/identity"
	"github.com/distkv/distkv/internal/kv"
	"github.com/distkv/distkv/internal/mapping"
	"github.com/distkv/distkv/internal/membership"
	"github.com/distkv/distkv/internal/store"
)

// app bundles the facade with enough cluster-config context that
// addnode/removenode can persist the new membership and broadcast it to
// every other running node.
type app struct {
	store   *kv.Store
	cfg     config.Cluster
	cfgPath string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	clusterConfigPath := getenv("KV_CLUSTER_CONFIG", "./cluster.json")
	cfg, err := config.Load(clusterConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvctl: load cluster config %s: %v\n", clusterConfigPath, err)
		os.Exit(1)
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvctl: resolve cluster endpoints: %v\n", err)
		os.Exit(1)
	}

	mappingPath := getenv("KV_MAPPING_FILE", mapping.DefaultPath)
	d := distributor.New(mappingPath, identity.DefaultAddrLister, cfg.LocalIP)
	for _, ep := range endpoints {
		if err := d.AddNode(ep, cfg.ProviderID); err != nil {
			fmt.Fprintf(os.Stderr, "kvctl: add node %s: %v\n", ep, err)
			os.Exit(1)
		}
	}
	if err := d.LoadMapping(); err != nil {
		fmt.Fprintf(os.Stderr, "kvctl: load mapping %s: %v\n", mappingPath, err)
	}

	segPath := getenv("KV_SEGMENT_FILE", store.DefaultSegmentPath)
	lockPath := getenv("KV_LOCK_FILE", store.DefaultLockPath)
	localStore, err := store.Open(store.Config{
		Mode:     store.ModePersistent,
		Role:     store.RoleAttacher,
		Path:     segPath,
		LockPath: lockPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvctl: attach local store: %v\n", err)
		os.Exit(1)
	}
	defer localStore.Close()
	d.AttachLocalStore(localStore)

	a := &app{store: kv.New(d), cfg: cfg, cfgPath: clusterConfigPath}

	if len(os.Args) > 1 {
		a.runCommand(os.Args[1:])
		return
	}
	a.repl()
}

func (a *app) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("kvctl> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("kvctl> ")
			continue
		}
		if fields[0] == "exit" {
			return
		}
		a.runCommand(fields)
		fmt.Print("kvctl> ")
	}
}

func (a *app) runCommand(args []string) {
	c := a.store
	switch args[0] {
	case "put", "insert":
		if !requireArgs(args, 3) {
			return
		}
		key, ok := parseKey(args[1])
		if !ok {
			return
		}
		if err := c.Insert(key, args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Println("ok")

	case "get":
		if !requireArgs(args, 2) {
			return
		}
		key, ok := parseKey(args[1])
		if !ok {
			return
		}
		value, err := c.Get(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Println(value)

	case "update":
		if !requireArgs(args, 3) {
			return
		}
		key, ok := parseKey(args[1])
		if !ok {
			return
		}
		if err := c.Update(key, args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Println("ok")

	case "delete":
		if !requireArgs(args, 2) {
			return
		}
		key, ok := parseKey(args[1])
		if !ok {
			return
		}
		if err := c.Delete(key); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Println("ok")

	case "addnode":
		if !requireArgs(args, 3) {
			return
		}
		providerID, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid provider_id %q: %v\n", args[2], err)
			return
		}
		existing := c.Endpoints()
		if err := c.AddNode(args[1], uint16(providerID)); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		a.cfg = a.cfg.WithNode(args[1])
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist cluster config: %v\n", err)
		}
		a.broadcast(existing, membership.ChangeRequest{Op: "add", Endpoint: args[1], ProviderID: uint16(providerID)})
		fmt.Println("ok")

	case "removenode":
		if !requireArgs(args, 2) {
			return
		}
		nodeID, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid node id %q: %v\n", args[1], err)
			return
		}
		existing := c.Endpoints()
		if err := c.RemoveNode(nodeID); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		a.cfg = a.cfg.WithoutNode(nodeID)
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist cluster config: %v\n", err)
		}
		a.broadcast(existing, membership.ChangeRequest{Op: "remove", NodeID: nodeID})
		fmt.Println("ok")

	case "listnodes":
		for i, ep := range c.Endpoints() {
			marker := ""
			if i == c.LocalNodeID() {
				marker = " (local)"
			}
			fmt.Printf("%d: %s%s\n", i, ep, marker)
		}

	case "distribution":
		for key, nodeID := range c.Distribution() {
			fmt.Printf("%d -> node %d\n", key, nodeID)
		}

	case "hash":
		if !requireArgs(args, 2) {
			return
		}
		key, ok := parseKey(args[1])
		if !ok {
			return
		}
		fmt.Println(c.HashOf(key))

	case "status":
		fmt.Printf("nodes: %d, local node id: %d\n", c.NumNodes(), c.LocalNodeID())

	case "ping":
		a.ping()

	case "help":
		printHelp()

	case "exit":
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; try 'help'\n", args[0])
	}
}

// broadcast notifies every node in endpoints (the membership as it
// stood just before the local change was applied) of req, so their
// in-process Distributors stay in sync without waiting for a restart.
// Failures are logged, not fatal: a node that misses the broadcast
// still picks up the change from the persisted cluster config and
// mapping file on its next start.
func (a *app) broadcast(endpoints []string, req membership.ChangeRequest) {
	var controlURLs []string
	for _, ep := range endpoints {
		url, err := membership.ControlURL(ep)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: control url for %s: %v\n", ep, err)
			continue
		}
		controlURLs = append(controlURLs, url)
	}
	for _, err := range membership.Broadcast(context.Background(), controlURLs, req) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

// ping queries every node's /health endpoint and prints its reported
// status, giving an operator a quick per-node liveness snapshot without
// waiting for healthmon's own polling cycle.
func (a *app) ping() {
	for _, line := range a.pingAll() {
		fmt.Println(line)
	}
}

// pingAll queries every node in the membership and returns one
// human-readable line per node, in membership order.
func (a *app) pingAll() []string {
	endpoints := a.store.Endpoints()
	lines := make([]string, len(endpoints))
	for i, ep := range endpoints {
		url, err := membership.HealthURL(ep)
		if err != nil {
			lines[i] = fmt.Sprintf("%d: %s - bad endpoint: %v", i, ep, err)
			continue
		}
		var status membership.NodeStatus
		if err := membership.GetJSON(context.Background(), url, &status); err != nil {
			lines[i] = fmt.Sprintf("%d: %s - unreachable: %v", i, ep, err)
			continue
		}
		lines[i] = fmt.Sprintf("%d: %s - %s", i, ep, status.Status)
	}
	return lines
}

// requireArgs reports whether args has at least n entries, printing a
// usage error and returning false otherwise. Never exits: a malformed
// command in the REPL should not end the session.
func requireArgs(args []string, n int) bool {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "error: %s requires %d argument(s)\n", args[0], n-1)
		return false
	}
	return true
}

func parseKey(s string) (int32, bool) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid key %q: %v\n", s, err)
		return 0, false
	}
	return int32(n), true
}

func printHelp() {
	fmt.Println(`commands:
  put <key> <value>
  get <key>
  update <key> <value>
  delete <key>
  addnode <endpoint> <provider_id>
  removenode <node_id>
  listnodes
  distribution
  hash <key>
  status
  ping
  help
  exit`)
}
