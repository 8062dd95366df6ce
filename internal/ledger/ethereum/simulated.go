package ethereum

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// Simulated bundles an in-process chain with a ledger client that mines a
// block after every submission. Intended for tests and local development.
type Simulated struct {
	*Client
	Backend *simulated.Backend
}

// NewSimulated starts a simulated chain funding the given accounts.
func NewSimulated(funded map[common.Address]*big.Int, cfg Config) (*Simulated, error) {
	alloc := make(coretypes.GenesisAlloc, len(funded))
	for addr, balance := range funded {
		alloc[addr] = coretypes.Account{Balance: new(big.Int).Set(balance)}
	}
	backend := simulated.NewBackend(alloc)
	client, err := New(backend.Client(), cfg, WithAfterSubmit(func() { backend.Commit() }))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &Simulated{Client: client, Backend: backend}, nil
}

// Close stops the simulated chain.
func (s *Simulated) Close() {
	s.Client.Close()
	_ = s.Backend.Close()
}
