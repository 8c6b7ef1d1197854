package node

import (
	"context"
	"net"
	"testing"
	"time"

	"chainsync/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// startNode runs a node with a real gRPC listener on a loopback port.
func startNode(t *testing.T, id string, chain []ledger.Block) *Node {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	n := New(id, lis.Addr().String(), storeWith(t, chain), WithDialTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = n.Run(ctx) }()
	go func() { _ = n.Serve(ctx, lis) }()
	return n
}

// tailIndex is polled from require.Eventually, so it must not fail the test.
func tailIndex(t *testing.T, n *Node) uint64 {
	t.Helper()
	b, _ := n.Tail(context.Background())
	return b.Index
}

func TestSubmitAppendsAndAnnounces(t *testing.T) {
	clock := time.Unix(1700000100, 0)
	n := New("test", "127.0.0.1:0", ledger.NewMemStore(), WithClock(func() time.Time { return clock }))
	l := newFakeLink("10.0.0.1:6001")
	n.peers.setup(l)
	l.reset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	b, err := n.Submit(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), b.Index)
	assert.Equal(t, ledger.GenesisBlock().Hash, b.PreviousHash)
	assert.Equal(t, clock.Unix(), b.Timestamp)
	assert.Equal(t, "hello", b.Data)

	blocks, err := n.Blocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Block{ledger.GenesisBlock(), b}, blocks)

	rng, err := n.BlockRange(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Block{b}, rng)

	assert.Equal(t, []Message{ResponseChain{Blocks: []ledger.Block{b}}}, l.messages())

	peers, err := n.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:6001"}, peers)
}

func TestOperationsFailAfterStop(t *testing.T) {
	n := New("test", "127.0.0.1:0", ledger.NewMemStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := n.Submit(context.Background(), "late")
	assert.ErrorIs(t, err, ErrNodeStopped)
	_, err = n.Blocks(context.Background())
	assert.ErrorIs(t, err, ErrNodeStopped)
}

func TestAddPeerUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	n := startNode(t, "lonely", chainOf(t, 1, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = n.AddPeer(ctx, addr)
	assert.ErrorIs(t, err, ErrPeerUnreachable)

	peers, err := n.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestAddPeerIgnoresSelf(t *testing.T) {
	n := startNode(t, "self", chainOf(t, 1, ""))
	require.NoError(t, n.AddPeer(context.Background(), n.ListenAddr()))

	peers, err := n.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestAddPeerIgnoresSelfOnWildcardListener(t *testing.T) {
	n := New("wild", "0.0.0.0:6001", ledger.NewMemStore())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	require.NoError(t, n.AddPeer(ctx, "127.0.0.1:6001"))
	peers, err := n.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestMalformedFrameKeepsLink(t *testing.T) {
	n := startNode(t, "target", chainOf(t, 3, "m"))
	events, unsubscribe := n.Events().Subscribe(16)
	defer unsubscribe()

	conn, err := grpc.NewClient(n.ListenAddr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &linkStreamDesc, linkMethod)
	require.NoError(t, err)
	_, err = stream.Header()
	require.NoError(t, err)

	recv := func() Message {
		var f frame
		require.NoError(t, stream.RecvMsg(&f))
		msg, err := DecodeMessage(f)
		require.NoError(t, err)
		return msg
	}

	// a new link is bootstrapped with QUERY_LATEST
	assert.Equal(t, QueryLatest{}, recv())

	require.NoError(t, stream.SendMsg(frame("garbage{")))
	raw, err := EncodeMessage(QueryAll{})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(frame(raw)))

	chain, err := n.Blocks(ctx)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, ResponseChain{Blocks: chain}, recv())

	peers, err := n.Peers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	dropped := false
	for !dropped {
		select {
		case ev := <-events:
			if ev.Kind == EventMessageDropped {
				dropped = true
				assert.Equal(t, peers[0], ev.Peer)
				assert.Contains(t, ev.Reason, ErrMalformedMessage.Error())
			}
			assert.NotEqual(t, EventPeerDown, ev.Kind)
		case <-ctx.Done():
			t.Fatal("no message_dropped event")
		}
	}
}

func TestNodesConvergeOverGRPC(t *testing.T) {
	a := startNode(t, "a", chainOf(t, 4, "a"))
	b := startNode(t, "b", chainOf(t, 1, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.AddPeer(ctx, a.ListenAddr()))

	// b learns a's lone tip, queries everyone, then replaces its chain.
	require.Eventually(t, func() bool { return tailIndex(t, b) == 3 }, 5*time.Second, 20*time.Millisecond)

	aBlocks, err := a.Blocks(ctx)
	require.NoError(t, err)
	bBlocks, err := b.Blocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, aBlocks, bBlocks)

	// both sides see the link
	require.Eventually(t, func() bool {
		pa, _ := a.Peers(ctx)
		pb, _ := b.Peers(ctx)
		return len(pa) == 1 && len(pb) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// the inbound side knows the dialer by its source address, not its listener
	pa, err := a.Peers(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, b.ListenAddr(), pa[0])

	// a new block on either side is spliced on the other
	minedA, err := a.Submit(ctx, "from a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tailIndex(t, b) == minedA.Index }, 5*time.Second, 20*time.Millisecond)

	minedB, err := b.Submit(ctx, "from b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tailIndex(t, a) == minedB.Index }, 5*time.Second, 20*time.Millisecond)

	tipA, err := a.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, minedB, tipA)
}

func TestPeerDropIsObserved(t *testing.T) {
	a := startNode(t, "a", chainOf(t, 1, ""))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := New("b", lis.Addr().String(), ledger.NewMemStore())
	bctx, bcancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(bctx) }()
	go func() { _ = b.Serve(bctx, lis) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.AddPeer(ctx, b.ListenAddr()))
	require.Eventually(t, func() bool {
		p, _ := a.Peers(ctx)
		return len(p) == 1
	}, 5*time.Second, 20*time.Millisecond)

	bcancel()

	require.Eventually(t, func() bool {
		p, _ := a.Peers(ctx)
		return len(p) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
