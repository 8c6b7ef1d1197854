package ledger

// ValidateSuccessor checks that candidate may directly follow predecessor.
// It returns nil or an *InvalidBlockError whose Reason is one of
// ErrIndexGap, ErrHashLinkBroken or ErrHashMismatch.
func ValidateSuccessor(candidate, predecessor Block) error {
	var reason error
	switch {
	case predecessor.Index+1 != candidate.Index:
		reason = ErrIndexGap
	case predecessor.Hash != candidate.PreviousHash:
		reason = ErrHashLinkBroken
	case candidate.ComputeHash() != candidate.Hash:
		reason = ErrHashMismatch
	default:
		return nil
	}
	return &InvalidBlockError{Index: candidate.Index, Reason: reason}
}

func IsValidSuccessor(candidate, predecessor Block) bool {
	return ValidateSuccessor(candidate, predecessor) == nil
}

// ValidateChain checks that chain starts with GenesisBlock and that every
// following block is a valid successor of the one before it.
func ValidateChain(chain []Block) error {
	if len(chain) == 0 {
		return &InvalidChainError{Length: 0, Reason: ErrEmptyChain}
	}
	if chain[0] != GenesisBlock() {
		return &InvalidChainError{Length: len(chain), Reason: ErrBadGenesis}
	}
	for i := 1; i < len(chain); i++ {
		if err := ValidateSuccessor(chain[i], chain[i-1]); err != nil {
			return &InvalidChainError{Length: len(chain), Reason: err}
		}
	}
	return nil
}

func IsValidChain(chain []Block) bool {
	return ValidateChain(chain) == nil
}
