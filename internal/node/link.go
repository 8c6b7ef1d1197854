package node

import (
	"context"
	"fmt"
	"sync"

	"chainsync/internal/jsonx"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Link is one live bidirectional connection to a peer.
type Link interface {
	// Addr is the remote endpoint address.
	Addr() string
	// Send queues msg for delivery without waiting for the network.
	Send(msg Message) error
	Close()
}

// frame is an already-encoded envelope. The wire codec passes frames through
// untouched so that a malformed payload is rejected per message instead of
// failing the whole gRPC stream.
type frame []byte

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(frame); ok {
		return f, nil
	}
	return jsonx.Marshal(v)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*frame); ok {
		*f = append((*f)[:0], data...)
		return nil
	}
	return jsonx.Unmarshal(data, v)
}

func (wireCodec) Name() string { return "chainsync-json" }

func init() {
	encoding.RegisterCodec(wireCodec{})
}

const linkMethod = "/chainsync.PeerLink/Link"

// linkServer is implemented by PeerManager to accept inbound links.
type linkServer interface {
	serveLink(stream grpc.ServerStream) error
}

var linkStreamDesc = grpc.StreamDesc{
	StreamName:    "Link",
	Handler:       linkHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: "chainsync.PeerLink",
	HandlerType: (*linkServer)(nil),
	Streams:     []grpc.StreamDesc{linkStreamDesc},
	Metadata:    "chainsync/peerlink",
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkServer).serveLink(stream)
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream a link uses.
type msgStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcLink adapts a bidirectional gRPC stream to Link. Writes go through a
// bounded outbox drained by writeLoop so Send never blocks the caller.
type grpcLink struct {
	addr    string
	inbound bool
	stream  msgStream

	outbox    chan frame
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()

	errMu sync.Mutex
	err   error
}

func newGRPCLink(addr string, inbound bool, stream msgStream, buffer int, onClose func()) *grpcLink {
	if buffer <= 0 {
		buffer = 64
	}
	return &grpcLink{
		addr:    addr,
		inbound: inbound,
		stream:  stream,
		outbox:  make(chan frame, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (l *grpcLink) Addr() string { return l.addr }

func (l *grpcLink) String() string {
	dir := "out"
	if l.inbound {
		dir = "in"
	}
	return fmt.Sprintf("%s(%s)", l.addr, dir)
}

func (l *grpcLink) Send(msg Message) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, l.addr, l.closeErr())
	default:
	}
	select {
	case l.outbox <- frame(raw):
		return nil
	default:
		return fmt.Errorf("%w: %s: send buffer full", ErrPeerUnreachable, l.addr)
	}
}

func (l *grpcLink) Close() {
	l.closeWith(ErrLinkClosed)
}

func (l *grpcLink) closeWith(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
		if l.onClose != nil {
			l.onClose()
		}
	})
}

func (l *grpcLink) closeErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *grpcLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.outbox:
			if err := l.stream.SendMsg(f); err != nil {
				l.closeWith(fmt.Errorf("%w: send: %v", ErrPeerUnreachable, err))
				return
			}
		}
	}
}

// recv blocks for the next raw frame.
func (l *grpcLink) recv() ([]byte, error) {
	var f frame
	if err := l.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f, nil
}
