package observer

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusSynced  Status = "synced"
	StatusSyncing Status = "syncing"
	StatusForked  Status = "forked"
	StatusOffline Status = "offline"
)

type NodeState struct {
	Addr     string    `json:"addr"`
	TipIndex uint64    `json:"tipIndex"`
	TipHash  string    `json:"tipHash"`
	Peers    int       `json:"peers"`
	LastSeen time.Time `json:"lastSeen"`
	Online   bool      `json:"online"`
	Status   Status    `json:"status"`
	Lag      uint64    `json:"lag"`
}

type LogEntry struct {
	At      time.Time `json:"at"`
	Node    string    `json:"node"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

type Snapshot struct {
	At           time.Time   `json:"at"`
	NetworkTip   uint64      `json:"networkTip"`
	NetworkHash  string      `json:"networkHash"`
	OnlineCount  int         `json:"onlineCount"`
	TotalCount   int         `json:"totalCount"`
	SyncedCount  int         `json:"syncedCount"`
	SyncingCount int         `json:"syncingCount"`
	ForkedCount  int         `json:"forkedCount"`
	OfflineCount int         `json:"offlineCount"`
	Nodes        []NodeState `json:"nodes"`
	Events       []LogEntry  `json:"events"`
}

// Store is the observer's view of every watched node.
type Store struct {
	mu sync.RWMutex

	nodesByAddr map[string]*NodeState
	logs        []LogEntry
	logCap      int
}

func NewStore() *Store {
	return &Store{
		nodesByAddr: make(map[string]*NodeState),
		logCap:      400,
	}
}

func (s *Store) UpsertNode(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodesByAddr[addr]; !ok {
		s.nodesByAddr[addr] = &NodeState{Addr: addr}
	}
}

func (s *Store) UpdateTip(addr string, index uint64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.node(addr)
	n.TipIndex = index
	n.TipHash = hash
	n.LastSeen = time.Now()
	n.Online = true
}

// AdjustPeers moves the peer count of addr by delta, never below zero.
func (s *Store) AdjustPeers(addr string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.node(addr)
	n.Peers += delta
	if n.Peers < 0 {
		n.Peers = 0
	}
}

func (s *Store) MarkSeen(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodesByAddr[addr]; ok {
		n.LastSeen = time.Now()
		n.Online = true
	}
}

func (s *Store) MarkOffline(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodesByAddr[addr]; ok {
		n.Online = false
		n.Peers = 0
	}
}

func (s *Store) AddLog(e LogEntry) {
	if e.Message == "" {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	if len(s.logs) > s.logCap {
		// drop oldest
		s.logs = s.logs[len(s.logs)-s.logCap:]
	}
}

// node must be called with mu held.
func (s *Store) node(addr string) *NodeState {
	n, ok := s.nodesByAddr[addr]
	if !ok {
		n = &NodeState{Addr: addr}
		s.nodesByAddr[addr] = n
	}
	return n
}

// Snapshot classifies every node against the longest tip seen among online
// nodes. A node at the network tip index with a different hash is forked:
// equal-length chains are never swapped, so it stays that way until a
// longer chain appears.
func (s *Store) Snapshot(offlineAfter time.Duration) Snapshot {
	now := time.Now()

	s.mu.Lock()
	for _, n := range s.nodesByAddr {
		if n.Online && offlineAfter > 0 && now.Sub(n.LastSeen) > offlineAfter {
			n.Online = false
		}
	}

	// Ties on the tip index go to the lowest address so the result is stable.
	addrs := make([]string, 0, len(s.nodesByAddr))
	for addr := range s.nodesByAddr {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var networkTip uint64
	var networkHash string
	for _, addr := range addrs {
		n := s.nodesByAddr[addr]
		if !n.Online {
			continue
		}
		if networkHash == "" || n.TipIndex > networkTip {
			networkTip = n.TipIndex
			networkHash = n.TipHash
		}
	}

	nodes := make([]NodeState, 0, len(s.nodesByAddr))
	for _, n := range s.nodesByAddr {
		cp := *n
		switch {
		case !cp.Online:
			cp.Status = StatusOffline
			cp.Lag = 0
		case networkTip > cp.TipIndex:
			cp.Status = StatusSyncing
			cp.Lag = networkTip - cp.TipIndex
		case cp.TipHash != networkHash:
			cp.Status = StatusForked
			cp.Lag = 0
		default:
			cp.Status = StatusSynced
			cp.Lag = 0
		}
		nodes = append(nodes, cp)
	}

	// Newest-first, capped for display.
	const maxEvents = 200
	events := make([]LogEntry, 0, min(maxEvents, len(s.logs)))
	for i := len(s.logs) - 1; i >= 0 && len(events) < maxEvents; i-- {
		events = append(events, s.logs[i])
	}
	s.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Addr < nodes[j].Addr })

	snap := Snapshot{
		At:          now,
		NetworkTip:  networkTip,
		NetworkHash: networkHash,
		TotalCount:  len(nodes),
		Nodes:       nodes,
		Events:      events,
	}
	for i := range nodes {
		switch nodes[i].Status {
		case StatusOffline:
			snap.OfflineCount++
			continue
		case StatusSynced:
			snap.SyncedCount++
		case StatusSyncing:
			snap.SyncingCount++
		case StatusForked:
			snap.ForkedCount++
		}
		snap.OnlineCount++
	}
	return snap
}
