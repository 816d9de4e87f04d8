package control

import (
	"fmt"
	"net/netip"
	"sync"
)

// BlockPolicy controls what a Block decision does beyond closing the connection.
type BlockPolicy string

const (
	// BlockPersist adds the address to the blocklist for the rest of the cycle.
	BlockPersist BlockPolicy = "persist"
	// BlockRejectOnly treats Block like Reject.
	BlockRejectOnly BlockPolicy = "reject-only"
)

func (p BlockPolicy) Validate() error {
	switch p {
	case BlockPersist, BlockRejectOnly:
		return nil
	default:
		return fmt.Errorf("unknown block policy %q", string(p))
	}
}

// Blocklist holds addresses refused at accept time. It lives for one supervisor
// cycle.
type Blocklist struct {
	mu    sync.Mutex
	addrs map[netip.Addr]struct{}
}

func NewBlocklist() *Blocklist {
	return &Blocklist{addrs: make(map[netip.Addr]struct{})}
}

func (b *Blocklist) Add(addr netip.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[addr.Unmap()] = struct{}{}
}

func (b *Blocklist) Contains(addr netip.Addr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.addrs[addr.Unmap()]
	return ok
}

func (b *Blocklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.addrs)
}
