package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainReader is the subset of chain access the settlement verifier needs.
type ChainReader interface {
	ChainID() int64
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	// TokenContract resolves a token symbol to its contract address.
	TokenContract(symbol string) (common.Address, bool)
}

// ChainResolver returns the reader configured for a chain id.
type ChainResolver interface {
	Chain(chainID int64) (ChainReader, bool)
}

// StaticChains is a fixed ChainResolver keyed by chain id.
type StaticChains map[int64]ChainReader

// Chain implements ChainResolver.
func (s StaticChains) Chain(chainID int64) (ChainReader, bool) {
	reader, ok := s[chainID]
	return reader, ok
}
