package ledger

// ChangeKind tells listeners how the chain moved.
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota
	ChangeReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAppended:
		return "appended"
	case ChangeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// ChainChange is delivered to OnChange listeners after every accepted mutation.
type ChainChange struct {
	Kind   ChangeKind
	OldTip Block
	NewTip Block
	Length int
}

// Store is the chain storage interface needed for synchronization.
type Store interface {
	Tail() Block
	Len() int
	Get(index uint64) (Block, bool)
	Range(start, end uint64) ([]Block, error) // inclusive
	Snapshot() []Block
	Append(candidate Block) error
	Replace(candidate []Block) error
	OnChange(fn func(ChainChange))
}

// MemStore keeps a contiguous chain from genesis to tail in memory.
//
// It is not safe for concurrent use. The node event loop owns it and routes
// every read and mutation through a single goroutine.
type MemStore struct {
	blocks    []Block // index == block index
	listeners []func(ChainChange)
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{blocks: []Block{GenesisBlock()}}
}

func (s *MemStore) Tail() Block {
	return s.blocks[len(s.blocks)-1]
}

func (s *MemStore) Len() int {
	return len(s.blocks)
}

func (s *MemStore) Get(index uint64) (Block, bool) {
	if index >= uint64(len(s.blocks)) {
		return Block{}, false
	}
	return s.blocks[index], true
}

func (s *MemStore) Range(start, end uint64) ([]Block, error) {
	if end < start {
		return nil, ErrRangeInvalid
	}
	if start >= uint64(len(s.blocks)) {
		return []Block{}, nil
	}
	if end >= uint64(len(s.blocks)) {
		end = uint64(len(s.blocks)) - 1
	}
	out := make([]Block, end-start+1)
	copy(out, s.blocks[start:end+1])
	return out, nil
}

// Snapshot returns a copy of the whole chain.
func (s *MemStore) Snapshot() []Block {
	out := make([]Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// Append adds candidate if it is a valid successor of the current tail.
// On error the chain is left untouched.
func (s *MemStore) Append(candidate Block) error {
	tail := s.Tail()
	if err := ValidateSuccessor(candidate, tail); err != nil {
		return err
	}
	s.blocks = append(s.blocks, candidate)
	s.notify(ChainChange{Kind: ChangeAppended, OldTip: tail, NewTip: candidate, Length: len(s.blocks)})
	return nil
}

// Replace swaps the whole chain for candidate when candidate is valid and
// strictly longer. Equal-length chains are never swapped.
func (s *MemStore) Replace(candidate []Block) error {
	if err := ValidateChain(candidate); err != nil {
		return err
	}
	if len(candidate) <= len(s.blocks) {
		return ErrChainNotLonger
	}
	next := make([]Block, len(candidate))
	copy(next, candidate)

	oldTip := s.Tail()
	s.blocks = next
	s.notify(ChainChange{Kind: ChangeReplaced, OldTip: oldTip, NewTip: s.Tail(), Length: len(s.blocks)})
	return nil
}

// OnChange registers fn to run synchronously after each accepted mutation.
func (s *MemStore) OnChange(fn func(ChainChange)) {
	if fn == nil {
		return
	}
	s.listeners = append(s.listeners, fn)
}

func (s *MemStore) notify(c ChainChange) {
	for _, fn := range s.listeners {
		fn(c)
	}
}
