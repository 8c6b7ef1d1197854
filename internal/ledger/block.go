package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Block is a minimal chain-linked ledger entry.
//
// Data is opaque to the ledger. Validation only enforces continuity (index
// increments, previous-hash links) and deterministic hashing.
type Block struct {
	Index        uint64 `json:"index"`
	PreviousHash string `json:"previousHash"`
	Timestamp    int64  `json:"timestamp"` // unix seconds
	Data         string `json:"data"`
	Hash         string `json:"hash"`
}

const (
	genesisPreviousHash = "0"
	genesisTimestamp    = int64(1465154705)
	genesisData         = "my genesis block!!"
)

var genesis = func() Block {
	b := Block{
		Index:        0,
		PreviousHash: genesisPreviousHash,
		Timestamp:    genesisTimestamp,
		Data:         genesisData,
	}
	b.Hash = b.ComputeHash()
	return b
}()

// GenesisBlock returns the fixed first block shared by every node.
func GenesisBlock() Block {
	return genesis
}

// NewNextBlock creates the block following prev with the provided timestamp and data.
func NewNextBlock(prev Block, ts time.Time, data string) Block {
	b := Block{
		Index:        prev.Index + 1,
		PreviousHash: prev.Hash,
		Timestamp:    ts.Unix(),
		Data:         data,
	}
	b.Hash = b.ComputeHash()
	return b
}

// ComputeHash returns the hex SHA-256 digest of index, previous hash,
// timestamp and data concatenated in that order.
func ComputeHash(index uint64, previousHash string, timestamp int64, data string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(strconv.FormatUint(index, 10)))
	_, _ = h.Write([]byte(previousHash))
	_, _ = h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (b Block) ComputeHash() string {
	return ComputeHash(b.Index, b.PreviousHash, b.Timestamp, b.Data)
}

// ShortHash is the first 12 hex characters of the hash, for log lines.
func (b Block) ShortHash() string {
	if len(b.Hash) <= 12 {
		return b.Hash
	}
	return b.Hash[:12]
}
