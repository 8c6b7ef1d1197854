package node

import (
	"sync"
	"testing"
	"time"

	"chainsync/internal/ledger"

	"github.com/stretchr/testify/require"
)

// fakeLink records what the node sends instead of writing to a stream.
type fakeLink struct {
	addr string

	mu     sync.Mutex
	sent   []Message
	fail   error
	closed bool
}

func newFakeLink(addr string) *fakeLink { return &fakeLink{addr: addr} }

func (f *fakeLink) Addr() string { return f.addr }

func (f *fakeLink) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeLink) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeLink) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeLink) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// chainOf builds a valid chain of the given length; tag makes forks differ.
func chainOf(t *testing.T, length int, tag string) []ledger.Block {
	t.Helper()
	require.GreaterOrEqual(t, length, 1)
	chain := []ledger.Block{ledger.GenesisBlock()}
	base := time.Unix(1700000000, 0)
	for i := 1; i < length; i++ {
		chain = append(chain, ledger.NewNextBlock(chain[i-1], base.Add(time.Duration(i)*time.Second), tag))
	}
	return chain
}

// storeWith returns a store already holding chain.
func storeWith(t *testing.T, chain []ledger.Block) *ledger.MemStore {
	t.Helper()
	s := ledger.NewMemStore()
	for _, b := range chain[1:] {
		require.NoError(t, s.Append(b))
	}
	return s
}

// newTestNode builds a node with a local chain of the given length and one
// registered fake peer per address.
func newTestNode(t *testing.T, chain []ledger.Block, peers ...string) (*Node, []*fakeLink) {
	t.Helper()
	n := New("test", "127.0.0.1:0", storeWith(t, chain))
	links := make([]*fakeLink, 0, len(peers))
	for _, addr := range peers {
		l := newFakeLink(addr)
		n.peers.setup(l)
		l.reset() // drop the bootstrap QUERY_LATEST
		links = append(links, l)
	}
	return n, links
}
