package udp

import (
	"errors"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

var errRegistryClosed = errors.New("peer registry closed")

// registry maps remote addresses to peers, evicting the least recently
// active peer once full. Every removal, whether by eviction, expiry or
// shutdown, goes through onEvict.
type registry struct {
	mu     sync.Mutex // serializes lookup-then-add
	cache  *lru.Cache
	closed bool
}

// newRegistry creates a registry of at most size peers. onEvict runs with
// the cache locked and must not call back into the registry.
func newRegistry(size int, onEvict func(*peer)) (*registry, error) {
	cache, err := lru.NewWithEvict(size, func(_, value interface{}) {
		onEvict(value.(*peer))
	})
	if err != nil {
		return nil, err
	}
	return &registry{cache: cache}, nil
}

// get returns the peer for addr and marks it recently used.
func (r *registry) get(addr net.Addr) *peer {
	if v, ok := r.cache.Get(addr.String()); ok {
		return v.(*peer)
	}
	return nil
}

// getOrCreate returns the peer for addr, calling create and adding the
// result when there is none. created reports whether create was called.
func (r *registry) getOrCreate(addr net.Addr, create func() *peer) (p *peer, created bool, err error) {
	key := addr.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, errRegistryClosed
	}
	if v, ok := r.cache.Get(key); ok {
		return v.(*peer), false, nil
	}

	p = create()
	r.cache.Add(key, p)
	return p, true, nil
}

// remove drops the peer for key, if present.
func (r *registry) remove(key string) {
	r.cache.Remove(key)
}

// list returns all peers, least recently used first, without touching
// their recency.
func (r *registry) list() []*peer {
	keys := r.cache.Keys()
	peers := make([]*peer, 0, len(keys))
	for _, k := range keys {
		if v, ok := r.cache.Peek(k); ok {
			peers = append(peers, v.(*peer))
		}
	}
	return peers
}

func (r *registry) len() int {
	return r.cache.Len()
}

// close removes every peer and refuses new ones.
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cache.Purge()
}
