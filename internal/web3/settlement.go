package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"A2A-PayGate/internal/payment"
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event id.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// SettlementConfig tunes on-chain settlement checks.
type SettlementConfig struct {
	// MinConfirmations is the number of blocks including the settlement
	// block that must exist before the payment counts. Zero disables it.
	MinConfirmations uint64
	// SkipTransferCheck accepts any successful transaction without
	// matching an ERC-20 Transfer log against the expected terms.
	SkipTransferCheck bool
}

// SettlementVerifier checks that a proof's settlementRef names a successful
// transaction paying the expected amount to the payee. When inner is set it
// runs first, and a proof without a transaction hash is accepted on inner's
// verdict alone.
type SettlementVerifier struct {
	inner  payment.Verifier
	chains ChainResolver
	cfg    SettlementConfig
}

// NewSettlementVerifier builds a verifier over the given chains.
func NewSettlementVerifier(chains ChainResolver, inner payment.Verifier, cfg SettlementConfig) *SettlementVerifier {
	return &SettlementVerifier{inner: inner, chains: chains, cfg: cfg}
}

// Verify implements payment.Verifier. RPC failures are returned as plain
// errors so the gate reports them as verifier outages.
func (v *SettlementVerifier) Verify(ctx context.Context, proof *payment.Proof, expected payment.Expectation) (payment.Settlement, error) {
	var settlement payment.Settlement
	if v.inner != nil {
		s, err := v.inner.Verify(ctx, proof, expected)
		if err != nil {
			return payment.Settlement{}, err
		}
		settlement = s
	}

	ref := strings.TrimSpace(proof.SettlementRef)
	if !IsTxHash(ref) {
		if v.inner != nil {
			return settlement, nil
		}
		return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, "settlementRef must be a transaction hash")
	}
	hash := common.HexToHash(ref)

	chain, ok := v.chains.Chain(expected.ChainID)
	if !ok {
		return payment.Settlement{}, fmt.Errorf("未配置链 %d 的 RPC 客户端", expected.ChainID)
	}
	receipt, err := chain.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, "settlement transaction not found")
	}
	if err != nil {
		return payment.Settlement{}, fmt.Errorf("查询结算交易失败: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, "settlement transaction reverted")
	}

	if v.cfg.MinConfirmations > 0 {
		head, err := chain.BlockNumber(ctx)
		if err != nil {
			return payment.Settlement{}, fmt.Errorf("查询最新区块失败: %w", err)
		}
		if receipt.BlockNumber == nil || head+1 < receipt.BlockNumber.Uint64()+v.cfg.MinConfirmations {
			return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, "settlement transaction not yet confirmed")
		}
	}

	if !v.cfg.SkipTransferCheck {
		contract, ok := chain.TokenContract(expected.Token)
		if !ok {
			return payment.Settlement{}, fmt.Errorf("链 %d 未配置代币 %s 的合约地址", expected.ChainID, expected.Token)
		}
		if rej := matchTransfer(receipt.Logs, contract, proof.Payer, expected); rej != nil {
			return payment.Settlement{}, rej
		}
	}
	return payment.Settlement{Reference: hash.Hex()}, nil
}

// matchTransfer looks for a Transfer from payer to payee on the token
// contract carrying at least the expected amount.
func matchTransfer(logs []*types.Log, contract common.Address, payer string, expected payment.Expectation) *payment.Rejection {
	from := common.HexToAddress(payer)
	to := common.HexToAddress(expected.Payee)
	best := new(big.Int)
	found := false
	for _, l := range logs {
		if l == nil || l.Address != contract || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != from || common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		found = true
		if amount := new(big.Int).SetBytes(l.Data); amount.Cmp(best) > 0 {
			best = amount
		}
	}
	if !found {
		return payment.Reject(payment.RejectUnverifiableProof, "no matching token transfer in settlement transaction")
	}
	if expected.Amount != nil && best.Cmp(expected.Amount) < 0 {
		return payment.Reject(payment.RejectInsufficientAmount, fmt.Sprintf("settled %s, expected %s", best, expected.Amount))
	}
	return nil
}

// IsTxHash reports whether s is a 0x-prefixed 32-byte hex string.
func IsTxHash(s string) bool {
	if len(s) != 2+2*common.HashLength || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

var _ payment.Verifier = (*SettlementVerifier)(nil)
