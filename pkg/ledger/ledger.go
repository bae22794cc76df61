package ledger

import (
	"context"
	"fmt"
	"sync"

	"transfer-watcher/pkg/shared"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
)

// Namespace is the JSON-RPC namespace of the ledger; methods are exposed as
// ledger_ingestTransfer and ledger_getTransfers.
const Namespace = "ledger"

// Service is an in-memory append-only transfer ledger. Ingest is idempotent
// on the identity key (network, contract, tx_hash, log_index).
type Service struct {
	mu        sync.RWMutex
	transfers []shared.TransferEvent
	seen      map[string]struct{}
}

func NewService() *Service {
	return &Service{seen: make(map[string]struct{})}
}

// NewServer registers svc on a fresh RPC server.
func NewServer(svc *Service) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, svc); err != nil {
		return nil, fmt.Errorf("failed to register ledger service: %w", err)
	}
	return srv, nil
}

type invalidPayloadError struct {
	reason string
}

func (e *invalidPayloadError) Error() string  { return "invalid transfer payload: " + e.reason }
func (e *invalidPayloadError) ErrorCode() int { return -32602 }

func (s *Service) IngestTransfer(ctx context.Context, p shared.TransferEvent) error {
	if err := validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	if _, dup := s.seen[key]; dup {
		log.Debug().Str("key", key).Msg("duplicate transfer ignored")
		return nil
	}
	s.seen[key] = struct{}{}
	s.transfers = append(s.transfers, p)
	log.Info().
		Str("network", p.Network).
		Str("tx_hash", p.TxHash).
		Uint64("block", p.BlockNumber).
		Str("token_id", p.TokenID).
		Msg("transfer ingested")
	return nil
}

func (s *Service) GetTransfers(ctx context.Context) ([]shared.TransferEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shared.TransferEvent, len(s.transfers))
	copy(out, s.transfers)
	return out, nil
}

func validate(p shared.TransferEvent) error {
	switch {
	case p.Network == "":
		return &invalidPayloadError{"network is required"}
	case !common.IsHexAddress(p.Contract):
		return &invalidPayloadError{"contract is not an address"}
	case p.TxHash == "":
		return &invalidPayloadError{"tx_hash is required"}
	case p.TokenID == "":
		return &invalidPayloadError{"token_id is required"}
	case p.From == "" || p.To == "":
		return &invalidPayloadError{"from and to are required"}
	}
	return nil
}
