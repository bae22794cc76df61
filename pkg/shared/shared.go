package shared

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is a chain log as returned by eth_getLogs or a logs subscription.
type RawLog = types.Log

// TransferEvent is one ERC-721 ownership transfer of a tokenized document.
// Field names and json tags match the ledger's ingest payload.
type TransferEvent struct {
	Network     string `json:"network"`
	Contract    string `json:"contract"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	TokenID     string `json:"token_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	LogIndex    uint64 `json:"log_index"`
}

// Key is the identity key of the event: (network, contract, tx_hash, log_index).
func (e TransferEvent) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d",
		e.Network, strings.ToLower(e.Contract), strings.ToLower(e.TxHash), e.LogIndex)
}

func (e TransferEvent) Position() Position {
	return Position{Block: e.BlockNumber, Index: e.LogIndex}
}

// Position orders logs within a chain.
type Position struct {
	Block uint64
	Index uint64
}

func PositionOf(l RawLog) Position {
	return Position{Block: l.BlockNumber, Index: uint64(l.Index)}
}

func (p Position) Less(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

func (p Position) String() string {
	return fmt.Sprintf("%d/%d", p.Block, p.Index)
}

// DedupKey is the practical in-instance dedup key (tx_hash, log_index).
func DedupKey(l RawLog) string {
	return fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)
}

// Batch is an ordered group of logs handed out by the chain connector.
// Once every log in it is processed, all blocks up to and including
// SettledThrough are complete. Zero settles nothing.
type Batch struct {
	Logs           []RawLog
	SettledThrough uint64
}
