package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"chainsync/internal/logx"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// PeerManager owns the live link set. Methods touching links (setup, remove,
// send, Broadcast, Peers) run on the node event loop only; Connect and the
// per-link goroutines hand their results to the loop with post.
type PeerManager struct {
	n *Node

	links map[string]Link // key: remote addr

	dialTimeout time.Duration
	sendBuffer  int
}

func NewPeerManager(n *Node) *PeerManager {
	return &PeerManager{
		n:           n,
		links:       make(map[string]Link),
		dialTimeout: 5 * time.Second,
		sendBuffer:  64,
	}
}

// Peers lists live remote addresses in sorted order.
func (pm *PeerManager) Peers() []string {
	out := make([]string, 0, len(pm.links))
	for addr := range pm.links {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (pm *PeerManager) Len() int { return len(pm.links) }

func (pm *PeerManager) has(addr string) bool {
	_, ok := pm.links[addr]
	return ok
}

// setup registers l and bootstraps synchronization with a QUERY_LATEST.
// Inbound and outbound links both end up here.
func (pm *PeerManager) setup(l Link) {
	if _, dup := pm.links[l.Addr()]; dup {
		pm.n.Logf("peer duplicate addr=%s, closing new link", l.Addr())
		l.Close()
		return
	}
	pm.links[l.Addr()] = l
	pm.n.Logf("peer up addr=%s peers=%d", l.Addr(), len(pm.links))
	pm.n.events.Publish(Event{Kind: EventPeerUp, Peer: l.Addr()})

	if err := l.Send(queryLatestMsg()); err != nil {
		pm.remove(l, err)
	}
}

// remove drops l from the live set. It is a no-op for links that were never
// registered or were already removed.
func (pm *PeerManager) remove(l Link, cause error) {
	cur, ok := pm.links[l.Addr()]
	if !ok || cur != l {
		l.Close()
		return
	}
	delete(pm.links, l.Addr())
	l.Close()

	reason := "disconnected"
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, ErrLinkClosed) {
		reason = cause.Error()
	}
	pm.n.Logf("peer down addr=%s reason=%s peers=%d", l.Addr(), reason, len(pm.links))
	pm.n.events.Publish(Event{Kind: EventPeerDown, Peer: l.Addr(), Reason: reason})
}

// Broadcast sends msg to every live link. The set is copied first so links
// removed by a failed send do not disturb the iteration. It returns the
// number of links the message was queued on.
func (pm *PeerManager) Broadcast(msg Message) int {
	targets := make([]Link, 0, len(pm.links))
	for _, l := range pm.links {
		targets = append(targets, l)
	}

	sent := 0
	for _, l := range targets {
		if err := l.Send(msg); err != nil {
			logx.Warnf("P2P", "broadcast %s to %s failed: %v", msg.Type(), l.Addr(), err)
			pm.remove(l, err)
			continue
		}
		sent++
	}
	return sent
}

// send delivers msg to a single link, dropping the link on failure.
func (pm *PeerManager) send(l Link, msg Message) {
	if err := l.Send(msg); err != nil {
		logx.Warnf("P2P", "send %s to %s failed: %v", msg.Type(), l.Addr(), err)
		pm.remove(l, err)
	}
}

func (pm *PeerManager) closeAll() {
	for _, l := range pm.links {
		delete(pm.links, l.Addr())
		l.Close()
	}
}

// ConnectAll dials every address in the background, logging failures.
func (pm *PeerManager) ConnectAll(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		addr := addr
		go func() {
			if err := pm.Connect(ctx, addr); err != nil {
				logx.Warnf("P2P", "peer dial failed addr=%s err=%v", addr, err)
			}
		}()
	}
}

// Connect opens an outbound link to addr. It returns once the stream is
// established; the link then lives until either side closes it.
func (pm *PeerManager) Connect(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("empty addr")
	}
	if isSelf(addr, pm.n.ListenAddr()) {
		return nil
	}

	var exists bool
	if err := pm.n.do(ctx, func() { exists = pm.has(addr) }); err != nil {
		return err
	}
	if exists {
		return nil
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, addr, err)
	}

	// The stream outlives ctx; it is bound to the node lifetime instead.
	streamCtx, cancel := context.WithCancel(pm.n.lifetime)
	timer := time.AfterFunc(pm.dialTimeout, cancel)
	stopDial := context.AfterFunc(ctx, cancel)

	stream, err := conn.NewStream(streamCtx, &linkStreamDesc, linkMethod)
	if err == nil {
		// NewStream can return before the peer answers; the header round
		// trip confirms the link service is actually there.
		_, err = stream.Header()
	}
	timer.Stop()
	stopDial()
	if err == nil && streamCtx.Err() != nil {
		err = streamCtx.Err()
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, addr, err)
	}

	l := newGRPCLink(addr, false, stream, pm.sendBuffer, func() {
		_ = stream.CloseSend()
		cancel()
		_ = conn.Close()
	})
	go pm.attach(l)
	return nil
}

// isSelf reports whether addr names our own listener. A wildcard listen host
// matches any local address on the same port.
func isSelf(addr, listen string) bool {
	if addr == listen {
		return true
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	lhost, lport, err := net.SplitHostPort(listen)
	if err != nil || port != lport {
		return false
	}
	if lip := net.ParseIP(lhost); lhost == "" || (lip != nil && lip.IsUnspecified()) {
		return isLocalHost(host)
	}
	return sameHost(host, lhost)
}

func isLocalHost(host string) bool {
	if isLoopbackName(host) {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func sameHost(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	ia, ib := net.ParseIP(a), net.ParseIP(b)
	if ia != nil && ib != nil {
		return ia.Equal(ib)
	}
	return isLoopbackName(a) && isLoopbackName(b)
}

func isLoopbackName(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// serveLink accepts an inbound link; it returns when the link ends.
func (pm *PeerManager) serveLink(stream grpc.ServerStream) error {
	addr := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	// Headers let the dialing side confirm the link before it registers it.
	if err := stream.SendHeader(nil); err != nil {
		return err
	}
	l := newGRPCLink(addr, true, stream, pm.sendBuffer, nil)
	err := pm.attach(l)
	if errors.Is(err, ErrLinkClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return status.Error(codes.Unavailable, err.Error())
}

// attach runs the lifecycle of l: setup on the loop, reader and writer
// goroutines, and removal once the link fails or is closed.
func (pm *PeerManager) attach(l *grpcLink) error {
	if !pm.n.post(func() { pm.setup(l) }) {
		l.closeWith(ErrNodeStopped)
		return ErrNodeStopped
	}
	go l.writeLoop()

	readErr := make(chan error, 1)
	go func() { readErr <- pm.readLoop(l) }()

	var err error
	select {
	case err = <-readErr:
		l.closeWith(err)
	case <-l.done:
		err = l.closeErr()
	}
	pm.n.post(func() { pm.remove(l, err) })
	return err
}

func (pm *PeerManager) readLoop(l *grpcLink) error {
	for {
		raw, err := l.recv()
		if err != nil {
			return err
		}
		msg, err := DecodeMessage(raw)
		if err != nil {
			logx.Warnf("P2P", "dropping message from %s: %v", l.Addr(), err)
			pm.n.events.Publish(Event{Kind: EventMessageDropped, Peer: l.Addr(), Reason: err.Error()})
			continue
		}
		if !pm.n.post(func() { pm.n.handleMessage(l, msg) }) {
			return ErrNodeStopped
		}
	}
}
