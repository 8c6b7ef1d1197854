package observer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chainsync/internal/jsonx"
	"chainsync/internal/logx"
	"chainsync/internal/node"
)

// Observer follows the event streams of a set of nodes and keeps a network
// view showing whether they agree on a single chain.
type Observer struct {
	store *Store
	bc    *Broadcaster
	http  *http.Client

	offlineAfter time.Duration
	retryEvery   time.Duration
}

func New(store *Store, bc *Broadcaster) *Observer {
	return &Observer{
		store:        store,
		bc:           bc,
		http:         &http.Client{},
		offlineAfter: 30 * time.Second,
		retryEvery:   2 * time.Second,
	}
}

func (o *Observer) OfflineAfter() time.Duration { return o.offlineAfter }
func (o *Observer) SetOfflineAfter(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	o.offlineAfter = d
}

// Run watches every node base URL until ctx is done. Streams that drop are
// retried; the node is shown offline meanwhile.
func (o *Observer) Run(ctx context.Context, nodes []string) error {
	for _, addr := range nodes {
		addr = normalize(addr)
		if addr == "" {
			continue
		}
		o.store.UpsertNode(addr)
		go o.follow(ctx, addr)
	}

	// Periodic snapshot tick so lag/status update even without events.
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			o.publish()
		}
	}
}

func (o *Observer) publish() {
	o.bc.Publish(o.store.Snapshot(o.offlineAfter))
}

func (o *Observer) follow(ctx context.Context, addr string) {
	for {
		err := o.stream(ctx, addr)
		if ctx.Err() != nil {
			return
		}
		o.store.MarkOffline(addr)
		o.store.AddLog(LogEntry{Node: addr, Kind: "offline", Message: fmt.Sprintf("stream ended: %v", err)})
		o.publish()
		logx.Debugf("OBSERVER", "stream %s ended: %v", addr, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.retryEvery):
		}
	}
}

func (o *Observer) stream(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	o.store.MarkSeen(addr)
	return readSSE(resp.Body, func(data string) {
		var ev node.Event
		if err := jsonx.Unmarshal([]byte(data), &ev); err != nil {
			logx.Warnf("OBSERVER", "bad event from %s: %v", addr, err)
			return
		}
		o.apply(addr, ev)
		o.publish()
	}, func() { o.store.MarkSeen(addr) })
}

func (o *Observer) apply(addr string, ev node.Event) {
	o.store.MarkSeen(addr)
	switch ev.Kind {
	case node.EventTipChanged:
		o.store.UpdateTip(addr, ev.Index, ev.Hash)
		if ev.Change != "" {
			o.store.AddLog(LogEntry{At: ev.At, Node: addr, Kind: "tip",
				Message: fmt.Sprintf("chain %s, tip #%d", ev.Change, ev.Index)})
		}
	case node.EventPeerUp:
		o.store.AdjustPeers(addr, 1)
		o.store.AddLog(LogEntry{At: ev.At, Node: addr, Kind: "peer", Message: "peer up " + ev.Peer})
	case node.EventPeerDown:
		o.store.AdjustPeers(addr, -1)
		o.store.AddLog(LogEntry{At: ev.At, Node: addr, Kind: "peer", Message: "peer down " + ev.Peer + ": " + ev.Reason})
	case node.EventMessageDropped:
		o.store.AddLog(LogEntry{At: ev.At, Node: addr, Kind: "drop", Message: "dropped message from " + ev.Peer})
	default:
		// unknown event kinds only refresh liveness
	}
}

// readSSE calls onData for each "data:" payload and onComment for each
// keep-alive comment until r ends.
func readSSE(r io.Reader, onData func(string), onComment func()) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				onData(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			onComment()
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("stream closed")
}

func normalize(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}
