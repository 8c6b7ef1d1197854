package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"chainsync/internal/ledger"
	"chainsync/internal/logx"

	"google.golang.org/grpc"
)

// Node is the synchronization core. A single goroutine, Run, owns the chain
// store and the peer set; link goroutines and external callers hand work to
// it through post and do.
type Node struct {
	id         string
	listenAddr string
	store      ledger.Store
	events     *EventBus
	peers      *PeerManager
	now        func() time.Time

	inbox    chan func()
	stopped  chan struct{}
	lifetime context.Context
	stop     context.CancelFunc
}

type Option func(*Node)

// WithClock overrides the time source used for new blocks.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

func WithDialTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.peers.dialTimeout = d
		}
	}
}

// WithSendBuffer sets the per-link outbox size.
func WithSendBuffer(size int) Option {
	return func(n *Node) {
		if size > 0 {
			n.peers.sendBuffer = size
		}
	}
}

func New(id, listenAddr string, store ledger.Store, opts ...Option) *Node {
	lifetime, stop := context.WithCancel(context.Background())
	n := &Node{
		id:         id,
		listenAddr: listenAddr,
		store:      store,
		events:     NewEventBus(),
		now:        time.Now,
		inbox:      make(chan func(), 1024),
		stopped:    make(chan struct{}),
		lifetime:   lifetime,
		stop:       stop,
	}
	n.peers = NewPeerManager(n)
	for _, opt := range opts {
		opt(n)
	}
	store.OnChange(n.onChainChange)
	return n
}

func (n *Node) ID() string          { return n.id }
func (n *Node) ListenAddr() string  { return n.listenAddr }
func (n *Node) Events() *EventBus   { return n.events }
func (n *Node) Store() ledger.Store { return n.store }

func (n *Node) PeerManager() *PeerManager { return n.peers }

// Run processes posted work until ctx is done, then closes every link.
func (n *Node) Run(ctx context.Context) error {
	n.Logf("event loop started (tip=#%d)", n.store.Tail().Index)
	defer func() {
		n.stop()
		n.peers.closeAll()
		close(n.stopped)
		n.Logf("event loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-n.inbox:
			fn()
		}
	}
}

// post queues fn for the loop. It reports false once the node has stopped.
func (n *Node) post(fn func()) bool {
	select {
	case <-n.stopped:
		return false
	default:
	}
	select {
	case n.inbox <- fn:
		return true
	case <-n.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (n *Node) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !n.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrNodeStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrNodeStopped
	}
}

// onChainChange announces every accepted mutation to all peers.
func (n *Node) onChainChange(c ledger.ChainChange) {
	n.Logf("chain %s: tip #%d %s -> #%d %s (length %d)",
		c.Kind, c.OldTip.Index, c.OldTip.ShortHash(), c.NewTip.Index, c.NewTip.ShortHash(), c.Length)
	n.events.Publish(Event{
		Kind:   EventTipChanged,
		Change: c.Kind.String(),
		Index:  c.NewTip.Index,
		Hash:   c.NewTip.Hash,
		Length: c.Length,
	})
	n.peers.Broadcast(responseLatestMsg(n.store))
}

// --- request surface ---

// Submit builds the next block around data, appends it and announces it.
func (n *Node) Submit(ctx context.Context, data string) (ledger.Block, error) {
	var (
		b      ledger.Block
		addErr error
	)
	err := n.do(ctx, func() {
		b = ledger.NewNextBlock(n.store.Tail(), n.now(), data)
		addErr = n.store.Append(b)
	})
	if err != nil {
		return ledger.Block{}, err
	}
	if addErr != nil {
		return ledger.Block{}, addErr
	}
	return b, nil
}

func (n *Node) Blocks(ctx context.Context) ([]ledger.Block, error) {
	var out []ledger.Block
	err := n.do(ctx, func() { out = n.store.Snapshot() })
	return out, err
}

// BlockRange returns blocks with index in [start, end], clamped to the tail.
func (n *Node) BlockRange(ctx context.Context, start, end uint64) ([]ledger.Block, error) {
	var (
		out      []ledger.Block
		rangeErr error
	)
	if err := n.do(ctx, func() { out, rangeErr = n.store.Range(start, end) }); err != nil {
		return nil, err
	}
	return out, rangeErr
}

func (n *Node) Tail(ctx context.Context) (ledger.Block, error) {
	var b ledger.Block
	err := n.do(ctx, func() { b = n.store.Tail() })
	return b, err
}

func (n *Node) Peers(ctx context.Context) ([]string, error) {
	var out []string
	err := n.do(ctx, func() { out = n.peers.Peers() })
	return out, err
}

// AddPeer connects to addr and starts synchronizing with it.
func (n *Node) AddPeer(ctx context.Context, addr string) error {
	return n.peers.Connect(ctx, addr)
}

// Serve accepts inbound peer links on lis until ctx is done.
func (n *Node) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	srv.RegisterService(&linkServiceDesc, n.peers)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	n.Logf("listening for peers on %s", lis.Addr())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (n *Node) Logf(format string, args ...any) {
	logx.Infof("NODE", "[%s] %s", n.id, fmt.Sprintf(format, args...))
}
