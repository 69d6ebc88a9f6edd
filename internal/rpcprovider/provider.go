// Package rpcprovider registers a node's Store over net/rpc so peer
// nodes and locality-aware clients can reach it across the network.
// Named after the original system's "provider" (a Thallium/Mercury
// concept); here it is a thin net/rpc service registered under a
// provider-id-qualified name, since net/rpc has no native multiplexing
// of several services on one listener beyond distinct service names.
package rpcprovider

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"sync"

	"github.com/distkv/distkv/internal/kverr"
	"github.com/distkv/distkv/internal/store"
)

// FetchMissingValue is the literal sentinel string transmitted in
// FetchReply.Value when Found is false, matching the wire contract of
// the original provider's missing-key response.
const FetchMissingValue = kverr.FetchMissingSentinel

// FetchArgs is shared by Fetch and Delete, both of which need only a key.
type FetchArgs struct {
	Key int32
}

// FetchReply carries a found value, or the sentinel above with Found
// set to false.
type FetchReply struct {
	Value string
	Found bool
}

// MutateArgs is shared by Insert and Update.
type MutateArgs struct {
	Key   int32
	Value string
}

// StatusReply reports simple success/failure for mutating calls: 1 for
// success, 0 for failure, mirroring the original provider's status code.
type StatusReply struct {
	Status int32
}

const (
	statusFailure int32 = 0
	statusSuccess int32 = 1
)

// KVService is the net/rpc-registered type backing a single provider_id.
// Concurrency between concurrent RPC calls is delegated entirely to the
// underlying Store's own locking; KVService itself holds no state beyond
// the Store handle.
type KVService struct {
	Store store.Store
}

func (k *KVService) Fetch(args *FetchArgs, reply *FetchReply) error {
	value, err := k.Store.Find(args.Key)
	if err != nil {
		if isNotFound(err) {
			reply.Value = FetchMissingValue
			reply.Found = false
			return nil
		}
		log.Printf("rpcprovider: fetch key %d: %v", args.Key, err)
		reply.Value = FetchMissingValue
		reply.Found = false
		return nil
	}
	reply.Value = value
	reply.Found = true
	return nil
}

func (k *KVService) Insert(args *MutateArgs, reply *StatusReply) error {
	if err := k.Store.Insert(args.Key, args.Value); err != nil {
		log.Printf("rpcprovider: insert key %d: %v", args.Key, err)
		reply.Status = statusFailure
		return nil
	}
	reply.Status = statusSuccess
	return nil
}

func (k *KVService) Update(args *MutateArgs, reply *StatusReply) error {
	if err := k.Store.Update(args.Key, args.Value); err != nil {
		log.Printf("rpcprovider: update key %d: %v", args.Key, err)
		reply.Status = statusFailure
		return nil
	}
	reply.Status = statusSuccess
	return nil
}

func (k *KVService) Delete(args *FetchArgs, reply *StatusReply) error {
	if err := k.Store.Delete(args.Key); err != nil {
		log.Printf("rpcprovider: delete key %d: %v", args.Key, err)
		reply.Status = statusFailure
		return nil
	}
	reply.Status = statusSuccess
	return nil
}

func isNotFound(err error) bool {
	return kverr.Is(err, kverr.ErrNotFound)
}

// serviceName returns the net/rpc service name a KVService is registered
// under for a given provider_id, e.g. "KVService#3", mirroring
// Thallium's provider-id concept. Serve gives each registration its own
// listener; several registrations on one listener are not supported.
func serviceName(providerID uint16) string {
	return fmt.Sprintf("KVService#%d", providerID)
}

// Provider owns a net.Listener and the net/rpc server registered on it.
type Provider struct {
	listener net.Listener
	server   *rpc.Server
	conns    sync.Map // net.Conn currently being served
}

// Serve registers svc under providerID and starts accepting connections
// on addr (a bare "host:port") in a background goroutine, returning
// once the listener is bound. The accept loop ends when the listener is
// closed.
func Serve(addr string, providerID uint16, svc *KVService) (*Provider, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcprovider: listen %s: %w", addr, err)
	}
	server := rpc.NewServer()
	if err := server.RegisterName(serviceName(providerID), svc); err != nil {
		listener.Close()
		return nil, fmt.Errorf("rpcprovider: register %s: %w", serviceName(providerID), err)
	}
	p := &Provider{listener: listener, server: server}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			p.conns.Store(conn, struct{}{})
			go func() {
				server.ServeConn(conn)
				p.conns.Delete(conn)
			}()
		}
	}()
	return p, nil
}

// Addr reports the listener's bound address, useful when port 0 was
// requested and the OS picked one.
func (p *Provider) Addr() net.Addr {
	return p.listener.Addr()
}

// Close stops accepting connections and closes every connection still
// being served, so clients see the provider as gone.
func (p *Provider) Close() error {
	err := p.listener.Close()
	p.conns.Range(func(conn, _ any) bool {
		conn.(net.Conn).Close()
		return true
	})
	return err
}
