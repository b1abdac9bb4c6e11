package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"A2A-PayGate/internal/payment"
)

// CanonicalMessage returns the string a payer signs for a proof:
// x402:{paymentId}:{payer}:{payee}:{amount}:{token}:{chainId}:{validBefore}.
// Addresses are checksummed so casing differences do not change the message.
func CanonicalMessage(p *payment.Proof) string {
	return strings.Join([]string{
		"x402",
		p.PaymentID,
		payment.CanonicalAddress(p.Payer),
		payment.CanonicalAddress(p.Payee),
		strings.TrimSpace(p.Amount),
		strings.TrimSpace(p.Token),
		strconv.FormatInt(p.ChainID, 10),
		strconv.FormatInt(p.ValidBefore, 10),
	}, ":")
}

// MessageHash returns the EIP-191 personal message hash of the proof.
func MessageHash(p *payment.Proof) common.Hash {
	return common.BytesToHash(accounts.TextHash([]byte(CanonicalMessage(p))))
}

// SignProof signs the proof with key and stores the 65-byte signature.
func SignProof(p *payment.Proof, key *ecdsa.PrivateKey) error {
	hash := MessageHash(p)
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return fmt.Errorf("签名付款凭证失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	p.Signature = hexutil.Encode(sig)
	return nil
}

// RecoverPayer returns the address that signed the proof.
func RecoverPayer(p *payment.Proof) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(p.Signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("签名不是合法的十六进制: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度应为 %d 字节，实际 %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(MessageHash(p).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复签名公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignatureVerifier accepts proofs signed by their payer. It never fails
// with an outage: every problem is the caller's and maps to a rejection.
type SignatureVerifier struct{}

// NewSignatureVerifier returns a verifier for EIP-191 signed proofs.
func NewSignatureVerifier() *SignatureVerifier {
	return &SignatureVerifier{}
}

// Verify implements payment.Verifier.
func (v *SignatureVerifier) Verify(_ context.Context, proof *payment.Proof, _ payment.Expectation) (payment.Settlement, error) {
	if strings.TrimSpace(proof.Signature) == "" {
		return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, "missing signature")
	}
	signer, err := RecoverPayer(proof)
	if err != nil {
		return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, err.Error())
	}
	if !payment.SameAddress(signer.Hex(), proof.Payer) {
		return payment.Settlement{}, payment.Reject(payment.RejectUnverifiableProof, "signature does not match payer")
	}
	return payment.Settlement{Reference: MessageHash(proof).Hex()}, nil
}

var _ payment.Verifier = (*SignatureVerifier)(nil)
