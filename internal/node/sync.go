package node

import (
	"sort"

	"chainsync/internal/ledger"
	"chainsync/internal/logx"
)

// SyncOutcome records what the node did with a received chain snapshot.
type SyncOutcome int

const (
	SyncIgnored   SyncOutcome = iota // local chain is as long or longer
	SyncAppended                     // remote tip spliced onto the local tail
	SyncQueried                      // asked every peer for its full chain
	SyncReplaced                     // local chain replaced by the remote one
	SyncRejected                     // remote data failed validation
	SyncMalformed                    // empty snapshot
)

func (o SyncOutcome) String() string {
	switch o {
	case SyncIgnored:
		return "ignored"
	case SyncAppended:
		return "appended"
	case SyncQueried:
		return "queried"
	case SyncReplaced:
		return "replaced"
	case SyncRejected:
		return "rejected"
	case SyncMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// handleMessage dispatches one inbound message from l. Runs on the loop.
func (n *Node) handleMessage(l Link, msg Message) {
	switch m := msg.(type) {
	case QueryLatest:
		n.peers.send(l, responseLatestMsg(n.store))
	case QueryAll:
		n.peers.send(l, responseAllMsg(n.store))
	case ResponseChain:
		n.handleChainResponse(l.Addr(), m.Blocks)
	default:
		logx.Error("SYNC", "unhandled message type ", msg.Type(), " from ", l.Addr())
	}
}

// handleChainResponse reconciles the local chain with a peer snapshot.
//
// A remote tip that links onto the local tail is appended. A lone tip that
// does not link triggers a QUERY_ALL broadcast. A longer multi-block chain
// that does not link replaces the local chain if it is valid. Successful
// mutations are announced by the store change listener.
func (n *Node) handleChainResponse(from string, received []ledger.Block) SyncOutcome {
	if len(received) == 0 {
		logx.Warnf("SYNC", "empty chain response from %s", from)
		n.events.Publish(Event{Kind: EventMessageDropped, Peer: from, Reason: "empty chain response"})
		return SyncMalformed
	}

	blocks := make([]ledger.Block, len(received))
	copy(blocks, received)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	latestReceived := blocks[len(blocks)-1]
	latestHeld := n.store.Tail()

	if latestReceived.Index <= latestHeld.Index {
		logx.Debugf("SYNC", "from=%s remote tip #%d not ahead of local #%d", from, latestReceived.Index, latestHeld.Index)
		return SyncIgnored
	}

	n.Logf("sync from=%s remote tip #%d ahead of local #%d", from, latestReceived.Index, latestHeld.Index)

	switch {
	case latestHeld.Hash == latestReceived.PreviousHash:
		if err := n.store.Append(latestReceived); err != nil {
			logx.Warnf("SYNC", "append #%d from %s rejected: %v", latestReceived.Index, from, err)
			return SyncRejected
		}
		return SyncAppended

	case len(blocks) == 1:
		n.Logf("sync from=%s sent a lone tip, querying all peers", from)
		n.peers.Broadcast(queryAllMsg())
		return SyncQueried

	default:
		if err := n.store.Replace(blocks); err != nil {
			logx.Warnf("SYNC", "replace with %d blocks from %s rejected: %v", len(blocks), from, err)
			return SyncRejected
		}
		return SyncReplaced
	}
}
