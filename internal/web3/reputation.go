package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/reputation"
)

// ReputationRegistryABI is the read interface of the score contract.
const ReputationRegistryABI = `[{"inputs":[{"internalType":"address","name":"agent","type":"address"}],"name":"getScore","outputs":[{"internalType":"int256","name":"","type":"int256"}],"stateMutability":"view","type":"function"}]`

// ReputationRegistry reads agent scores from an on-chain registry whose
// getScore returns a fixed-point int256 with the configured decimals.
type ReputationRegistry struct {
	caller   gethcore.ContractCaller
	address  common.Address
	abi      abi.ABI
	decimals int
}

// NewReputationRegistry binds the registry deployed at address.
func NewReputationRegistry(caller gethcore.ContractCaller, address string, decimals int) (*ReputationRegistry, error) {
	if caller == nil {
		return nil, fmt.Errorf("信誉合约缺少链客户端")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("信誉合约地址无效: %q", address)
	}
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("信誉分精度无效: %d", decimals)
	}
	parsed, err := abi.JSON(strings.NewReader(ReputationRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("解析信誉合约 ABI 失败: %w", err)
	}
	return &ReputationRegistry{
		caller:   caller,
		address:  common.HexToAddress(address),
		abi:      parsed,
		decimals: decimals,
	}, nil
}

// Score implements reputation.Source.
func (r *ReputationRegistry) Score(ctx context.Context, agentID string) (float64, error) {
	if !common.IsHexAddress(agentID) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "agent is not an address", xerrors.WithMetadata("agent", agentID))
	}
	data, err := r.abi.Pack("getScore", common.HexToAddress(agentID))
	if err != nil {
		return 0, xerrors.Wrap(reputation.CodeSourceUnavailable, err, "encode getScore call")
	}
	out, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return 0, xerrors.Wrap(reputation.CodeSourceUnavailable, err, "call reputation registry")
	}
	values, err := r.abi.Unpack("getScore", out)
	if err != nil || len(values) != 1 {
		return 0, xerrors.Wrap(reputation.CodeSourceUnavailable, err, "decode getScore result")
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return 0, xerrors.New(reputation.CodeSourceUnavailable, fmt.Sprintf("unexpected getScore type %T", values[0]))
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.decimals)), nil))
	score, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), scale).Float64()
	return score, nil
}

var _ reputation.Source = (*ReputationRegistry)(nil)
