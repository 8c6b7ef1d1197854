package node

import (
	"fmt"

	"chainsync/internal/jsonx"
	"chainsync/internal/ledger"
)

// MessageType is the integer tag carried on the wire.
type MessageType int

const (
	TypeQueryLatest   MessageType = 0
	TypeQueryAll      MessageType = 1
	TypeResponseChain MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeQueryLatest:
		return "QUERY_LATEST"
	case TypeQueryAll:
		return "QUERY_ALL"
	case TypeResponseChain:
		return "RESPONSE_CHAIN"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is one of QueryLatest, QueryAll or ResponseChain.
type Message interface {
	Type() MessageType
	sealed()
}

// QueryLatest asks a peer for its tail block.
type QueryLatest struct{}

// QueryAll asks a peer for its whole chain.
type QueryAll struct{}

// ResponseChain carries either a single-block announcement or a full chain.
type ResponseChain struct {
	Blocks []ledger.Block
}

func (QueryLatest) Type() MessageType   { return TypeQueryLatest }
func (QueryAll) Type() MessageType      { return TypeQueryAll }
func (ResponseChain) Type() MessageType { return TypeResponseChain }

func (QueryLatest) sealed()   {}
func (QueryAll) sealed()      {}
func (ResponseChain) sealed() {}

// envelope is the JSON shape exchanged between peers. Data holds the
// JSON-encoded block array and is only set for RESPONSE_CHAIN.
type envelope struct {
	Type *MessageType `json:"type"`
	Data *string      `json:"data,omitempty"`
}

func EncodeMessage(m Message) ([]byte, error) {
	t := m.Type()
	env := envelope{Type: &t}
	if rc, ok := m.(ResponseChain); ok {
		blocks := rc.Blocks
		if blocks == nil {
			blocks = []ledger.Block{}
		}
		raw, err := jsonx.Marshal(blocks)
		if err != nil {
			return nil, fmt.Errorf("encode blocks: %w", err)
		}
		s := string(raw)
		env.Data = &s
	}
	return jsonx.Marshal(env)
}

func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := jsonx.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	switch *env.Type {
	case TypeQueryLatest:
		return QueryLatest{}, nil
	case TypeQueryAll:
		return QueryAll{}, nil
	case TypeResponseChain:
		if env.Data == nil {
			return nil, fmt.Errorf("%w: %s without data", ErrMalformedMessage, *env.Type)
		}
		var blocks []ledger.Block
		if err := jsonx.Unmarshal([]byte(*env.Data), &blocks); err != nil {
			return nil, fmt.Errorf("%w: chain data: %v", ErrMalformedMessage, err)
		}
		return ResponseChain{Blocks: blocks}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, int(*env.Type))
	}
}

func queryLatestMsg() Message { return QueryLatest{} }

func queryAllMsg() Message { return QueryAll{} }

func responseAllMsg(s ledger.Store) Message {
	return ResponseChain{Blocks: s.Snapshot()}
}

func responseLatestMsg(s ledger.Store) Message {
	return ResponseChain{Blocks: []ledger.Block{s.Tail()}}
}
