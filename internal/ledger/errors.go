package ledger

import (
	"errors"
	"fmt"
)

// Reasons a single block is rejected as the successor of another.
var (
	ErrIndexGap       = errors.New("block index is not contiguous with predecessor")
	ErrHashLinkBroken = errors.New("previous hash does not match predecessor hash")
	ErrHashMismatch   = errors.New("block hash does not match computed hash")
)

var (
	ErrEmptyChain     = errors.New("chain is empty")
	ErrBadGenesis     = errors.New("chain does not start with the genesis block")
	ErrChainNotLonger = errors.New("candidate chain is not longer than the local chain")
	ErrRangeInvalid   = errors.New("invalid range")
)

// InvalidBlockError reports which block failed validation and why.
type InvalidBlockError struct {
	Index  uint64
	Reason error
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block #%d: %v", e.Index, e.Reason)
}

func (e *InvalidBlockError) Unwrap() error { return e.Reason }

// InvalidChainError wraps the first problem found in a candidate chain.
type InvalidChainError struct {
	Length int
	Reason error
}

func (e *InvalidChainError) Error() string {
	return fmt.Sprintf("invalid chain (length %d): %v", e.Length, e.Reason)
}

func (e *InvalidChainError) Unwrap() error { return e.Reason }
