package web3

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/reputation"
)

const registryAddress = "0x0000000000000000000000000000000000000Abc"

type fakeCaller struct {
	t      *testing.T
	scores map[common.Address]*big.Int
	err    error
}

func (f *fakeCaller) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	parsed, err := abi.JSON(strings.NewReader(ReputationRegistryABI))
	require.NoError(f.t, err)
	require.NotNil(f.t, msg.To)
	assert.Equal(f.t, common.HexToAddress(registryAddress), *msg.To)

	method := parsed.Methods["getScore"]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	require.NoError(f.t, err)
	score, ok := f.scores[args[0].(common.Address)]
	if !ok {
		score = new(big.Int)
	}
	return method.Outputs.Pack(score)
}

func TestReputationRegistryScore(t *testing.T) {
	caller := &fakeCaller{t: t, scores: map[common.Address]*big.Int{
		testPayer: big.NewInt(250),
		common.HexToAddress("0x00000000000000000000000000000000000000b2"): big.NewInt(-75),
	}}
	registry, err := NewReputationRegistry(caller, registryAddress, 2)
	require.NoError(t, err)

	score, err := registry.Score(context.Background(), testPayer.Hex())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, score, 1e-9)

	score, err = registry.Score(context.Background(), "0x00000000000000000000000000000000000000b2")
	require.NoError(t, err)
	assert.InDelta(t, -0.75, score, 1e-9)

	score, err = registry.Score(context.Background(), "0x00000000000000000000000000000000000000c3")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestReputationRegistryErrors(t *testing.T) {
	registry, err := NewReputationRegistry(&fakeCaller{t: t, err: errors.New("rpc down")}, registryAddress, 0)
	require.NoError(t, err)

	_, err = registry.Score(context.Background(), testPayer.Hex())
	assert.Equal(t, reputation.CodeSourceUnavailable, xerrors.CodeOf(err))

	_, err = registry.Score(context.Background(), "not-an-address")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestNewReputationRegistryValidation(t *testing.T) {
	_, err := NewReputationRegistry(nil, registryAddress, 0)
	assert.Error(t, err)
	_, err = NewReputationRegistry(&fakeCaller{t: t}, "nope", 0)
	assert.Error(t, err)
	_, err = NewReputationRegistry(&fakeCaller{t: t}, registryAddress, -1)
	assert.Error(t, err)
}
