package filter

import (
	"fmt"
	"math/big"
	"strings"

	"transfer-watcher/pkg/shared"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const transferSignature = "Transfer(address,address,uint256)"

// TransferTopic is topic0 of the ERC-721 Transfer event.
var TransferTopic = eventTopic(transferSignature)

func eventTopic(signature string) common.Hash {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(signature))
	return common.BytesToHash(hash.Sum(nil))
}

// Transform converts one raw chain log into a TransferEvent. It never
// mutates raw. Logs missing any required field yield *shared.MalformedLogError.
func Transform(network string, contract common.Address, raw shared.RawLog) (shared.TransferEvent, error) {
	malformed := func(reason string) error {
		return &shared.MalformedLogError{
			TxHash:   raw.TxHash.Hex(),
			LogIndex: uint64(raw.Index),
			Block:    raw.BlockNumber,
			Reason:   reason,
		}
	}

	if raw.Removed {
		return shared.TransferEvent{}, malformed("log removed by chain reorganization")
	}
	if len(raw.Topics) == 0 || raw.Topics[0] != TransferTopic {
		return shared.TransferEvent{}, malformed("not a Transfer event")
	}
	switch {
	case len(raw.Topics) < 2:
		return shared.TransferEvent{}, malformed("missing from")
	case len(raw.Topics) < 3:
		return shared.TransferEvent{}, malformed("missing to")
	case len(raw.Topics) < 4:
		// ERC-20 Transfer shares the signature but carries the amount in data.
		return shared.TransferEvent{}, malformed("missing tokenId")
	}
	if raw.TxHash == (common.Hash{}) {
		return shared.TransferEvent{}, malformed("missing transactionHash")
	}
	// Pending logs carry neither a block hash nor a meaningful block number.
	if raw.BlockHash == (common.Hash{}) {
		return shared.TransferEvent{}, malformed("missing blockNumber")
	}

	tokenID := new(big.Int).SetBytes(raw.Topics[3].Bytes())

	return shared.TransferEvent{
		Network:     network,
		Contract:    contract.Hex(),
		TxHash:      raw.TxHash.Hex(),
		BlockNumber: raw.BlockNumber,
		TokenID:     tokenID.String(),
		From:        common.BytesToAddress(raw.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(raw.Topics[2].Bytes()).Hex(),
		LogIndex:    uint64(raw.Index),
	}, nil
}

// AllowList is a set of lower-cased recipient addresses. Empty forwards all.
type AllowList map[string]struct{}

func NewAllowList(addrs []string) (AllowList, error) {
	allow := make(AllowList, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid allow_list address: %q", a)
		}
		allow[normalize(a)] = struct{}{}
	}
	return allow, nil
}

func (a AllowList) Contains(addr string) bool {
	_, ok := a[normalize(addr)]
	return ok
}

func (a AllowList) Len() int {
	return len(a)
}

// ShouldForward reports whether event goes to the ledger.
func ShouldForward(event shared.TransferEvent, allow AllowList) bool {
	if len(allow) == 0 {
		return true
	}
	return allow.Contains(event.To)
}

func normalize(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}
