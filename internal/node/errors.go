package node

import "errors"

var (
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrMalformedMessage = errors.New("malformed message")
	ErrNodeStopped      = errors.New("node stopped")
	ErrLinkClosed       = errors.New("link closed")
)
