package node

import (
	"testing"
	"time"

	"chainsync/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpliceOntoGenesis(t *testing.T) {
	n, links := newTestNode(t, chainOf(t, 1, ""), "10.0.0.1:6001", "10.0.0.2:6001")
	next := ledger.NewNextBlock(ledger.GenesisBlock(), time.Unix(1700000001, 0), "first")

	out := n.handleChainResponse("10.0.0.1:6001", []ledger.Block{next})

	assert.Equal(t, SyncAppended, out)
	assert.Equal(t, 2, n.store.Len())
	assert.Equal(t, next, n.store.Tail())
	for _, l := range links {
		assert.Equal(t, []Message{ResponseChain{Blocks: []ledger.Block{next}}}, l.messages(), l.addr)
	}
}

func TestLongerForkReplacesLocalChain(t *testing.T) {
	n, links := newTestNode(t, chainOf(t, 5, "local"), "10.0.0.1:6001")
	remote := chainOf(t, 7, "remote")

	out := n.handleChainResponse("10.0.0.1:6001", remote)

	assert.Equal(t, SyncReplaced, out)
	assert.Equal(t, remote, n.store.Snapshot())
	assert.Equal(t, []Message{ResponseChain{Blocks: []ledger.Block{remote[6]}}}, links[0].messages())
}

func TestShorterChainIsIgnored(t *testing.T) {
	local := chainOf(t, 5, "local")
	n, links := newTestNode(t, local, "10.0.0.1:6001")

	out := n.handleChainResponse("10.0.0.1:6001", chainOf(t, 4, "remote"))

	assert.Equal(t, SyncIgnored, out)
	assert.Equal(t, local, n.store.Snapshot())
	assert.Empty(t, links[0].messages())
}

func TestEqualLengthForkIsIgnored(t *testing.T) {
	local := chainOf(t, 5, "local")
	n, links := newTestNode(t, local, "10.0.0.1:6001")

	out := n.handleChainResponse("10.0.0.1:6001", chainOf(t, 5, "remote"))

	assert.Equal(t, SyncIgnored, out)
	assert.Equal(t, local, n.store.Snapshot())
	assert.Empty(t, links[0].messages())
}

func TestLoneTipTriggersQueryAll(t *testing.T) {
	local := chainOf(t, 3, "local")
	n, links := newTestNode(t, local, "10.0.0.1:6001", "10.0.0.2:6001")
	remote := chainOf(t, 6, "remote")

	out := n.handleChainResponse("10.0.0.1:6001", remote[5:])

	assert.Equal(t, SyncQueried, out)
	assert.Equal(t, local, n.store.Snapshot())
	for _, l := range links {
		assert.Equal(t, []Message{QueryAll{}}, l.messages(), l.addr)
	}
}

func TestInvalidLongerChainIsRejected(t *testing.T) {
	local := chainOf(t, 3, "local")
	n, links := newTestNode(t, local, "10.0.0.1:6001")
	remote := chainOf(t, 6, "remote")
	remote[2].Data = "forged"

	out := n.handleChainResponse("10.0.0.1:6001", remote)

	assert.Equal(t, SyncRejected, out)
	assert.Equal(t, local, n.store.Snapshot())
	assert.Empty(t, links[0].messages())
}

func TestForgedSpliceIsRejected(t *testing.T) {
	local := chainOf(t, 2, "local")
	n, links := newTestNode(t, local, "10.0.0.1:6001")
	next := ledger.NewNextBlock(local[1], time.Unix(1800000000, 0), "x")
	next.Data = "changed after hashing"

	out := n.handleChainResponse("10.0.0.1:6001", []ledger.Block{next})

	assert.Equal(t, SyncRejected, out)
	assert.Equal(t, local, n.store.Snapshot())
	assert.Empty(t, links[0].messages())
}

func TestUnsortedSnapshotIsSortedFirst(t *testing.T) {
	n, _ := newTestNode(t, chainOf(t, 2, "local"), "10.0.0.1:6001")
	remote := chainOf(t, 5, "remote")
	shuffled := []ledger.Block{remote[3], remote[0], remote[4], remote[2], remote[1]}

	out := n.handleChainResponse("10.0.0.1:6001", shuffled)

	assert.Equal(t, SyncReplaced, out)
	assert.Equal(t, remote, n.store.Snapshot())
}

func TestSplicePrefersAppendOverReplace(t *testing.T) {
	// A full chain whose tip links onto the local tail is handled by appending
	// only that tip.
	chain := chainOf(t, 4, "shared")
	n, links := newTestNode(t, chain[:3], "10.0.0.1:6001")

	out := n.handleChainResponse("10.0.0.1:6001", chain)

	assert.Equal(t, SyncAppended, out)
	assert.Equal(t, chain, n.store.Snapshot())
	assert.Len(t, links[0].messages(), 1)
}

func TestEmptySnapshotIsDropped(t *testing.T) {
	n, links := newTestNode(t, chainOf(t, 2, "local"), "10.0.0.1:6001")
	events, cancel := n.events.Subscribe(4)
	defer cancel()

	assert.Equal(t, SyncMalformed, n.handleChainResponse("10.0.0.1:6001", nil))
	assert.Empty(t, links[0].messages())

	select {
	case ev := <-events:
		assert.Equal(t, EventMessageDropped, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a message_dropped event")
	}
}

func TestQueriesAreAnsweredToTheAsker(t *testing.T) {
	chain := chainOf(t, 3, "local")
	n, links := newTestNode(t, chain, "10.0.0.1:6001", "10.0.0.2:6001")
	asker, other := links[0], links[1]

	n.handleMessage(asker, QueryLatest{})
	require.Equal(t, []Message{ResponseChain{Blocks: []ledger.Block{chain[2]}}}, asker.messages())

	asker.reset()
	n.handleMessage(asker, QueryAll{})
	require.Equal(t, []Message{ResponseChain{Blocks: chain}}, asker.messages())

	assert.Empty(t, other.messages())
}

func TestHandleMessageRoutesChainResponses(t *testing.T) {
	n, links := newTestNode(t, chainOf(t, 1, ""), "10.0.0.1:6001")
	next := ledger.NewNextBlock(ledger.GenesisBlock(), time.Unix(1700000001, 0), "first")

	n.handleMessage(links[0], ResponseChain{Blocks: []ledger.Block{next}})

	assert.Equal(t, next, n.store.Tail())
}

func TestSyncOutcomeString(t *testing.T) {
	assert.Equal(t, "appended", SyncAppended.String())
	assert.Equal(t, "queried", SyncQueried.String())
	assert.Equal(t, "replaced", SyncReplaced.String())
	assert.Equal(t, "unknown", SyncOutcome(42).String())
}
