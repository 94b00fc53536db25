package udp

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/postalsys/meshudp/internal/seqnum"
)

// sequenceRetention is how many destinations' sequence numbers are kept per
// allowed peer.
const sequenceRetention = 4

// outbound is the send side of one destination. It outlives the peer, so a
// destination whose peer expires or is evicted continues from the same
// sequence number instead of a new random one, which the remote window
// could see as late.
type outbound struct {
	mu   sync.Mutex // held for a whole message
	next seqnum.Number
}

// sequences maps destinations to their outbound state. Entries beyond
// capacity are forgotten least recently released first.
type sequences struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newSequences(size int) (*sequences, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &sequences{cache: cache}, nil
}

// acquire returns the outbound state for key, starting a new destination at
// a random sequence number.
func (s *sequences) acquire(key string) *outbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(key); ok {
		return v.(*outbound)
	}
	out := &outbound{next: seqnum.Random()}
	s.cache.Add(key, out)
	return out
}

// release records out as the state for key when its peer goes away. The
// entry becomes the most recently used so live churn does not push it out
// first.
func (s *sequences) release(key string, out *outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Add(key, out)
}

func (s *sequences) len() int {
	return s.cache.Len()
}
