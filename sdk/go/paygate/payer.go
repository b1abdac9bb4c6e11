package paygate

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Payer turns a payment requirement into a proof.
type Payer interface {
	Pay(ctx context.Context, req Requirement) (Proof, error)
}

// PayerFunc adapts a function to Payer.
type PayerFunc func(ctx context.Context, req Requirement) (Proof, error)

// Pay implements Payer.
func (f PayerFunc) Pay(ctx context.Context, req Requirement) (Proof, error) {
	return f(ctx, req)
}

// KeyPayer signs EIP-191 proofs with a local private key.
type KeyPayer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	validity time.Duration
	now      func() time.Time
}

// NewKeyPayer returns a payer whose proofs stay valid for validity
// (default five minutes).
func NewKeyPayer(key *ecdsa.PrivateKey, validity time.Duration) (*KeyPayer, error) {
	if key == nil {
		return nil, errors.New("paygate: private key is required")
	}
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	return &KeyPayer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		validity: validity,
		now:      time.Now,
	}, nil
}

// NewKeyPayerFromHex parses a hex private key.
func NewKeyPayerFromHex(hexKey string, validity time.Duration) (*KeyPayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("paygate: parse private key: %w", err)
	}
	return NewKeyPayer(key, validity)
}

// Address returns the payer's checksummed address.
func (p *KeyPayer) Address() string {
	return p.address.Hex()
}

// Pay implements Payer.
func (p *KeyPayer) Pay(_ context.Context, req Requirement) (Proof, error) {
	if !common.IsHexAddress(req.Payee) {
		return Proof{}, fmt.Errorf("paygate: payee %q is not an address", req.Payee)
	}
	proof := Proof{
		X402Version: X402Version,
		PaymentID:   uuid.NewString(),
		Payer:       p.address.Hex(),
		Payee:       common.HexToAddress(req.Payee).Hex(),
		Amount:      req.Amount,
		Token:       req.Token,
		ChainID:     req.ChainID,
		ValidBefore: p.now().Add(p.validity).Unix(),
	}
	if err := SignProof(&proof, p.key); err != nil {
		return Proof{}, err
	}
	return proof, nil
}

// CanonicalMessage is the text a payer signs:
// x402:{paymentId}:{payer}:{payee}:{amount}:{token}:{chainId}:{validBefore}.
func CanonicalMessage(p *Proof) string {
	return strings.Join([]string{
		"x402",
		p.PaymentID,
		checksum(p.Payer),
		checksum(p.Payee),
		strings.TrimSpace(p.Amount),
		strings.TrimSpace(p.Token),
		strconv.FormatInt(p.ChainID, 10),
		strconv.FormatInt(p.ValidBefore, 10),
	}, ":")
}

// SignProof fills p.Signature with a 65-byte EIP-191 signature.
func SignProof(p *Proof, key *ecdsa.PrivateKey) error {
	hash := accounts.TextHash([]byte(CanonicalMessage(p)))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("paygate: sign proof: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	p.Signature = hexutil.Encode(sig)
	return nil
}

func checksum(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// budgetPayer refuses requirements above a ceiling.
type budgetPayer struct {
	inner Payer
	max   *big.Int
}

func (b budgetPayer) Pay(ctx context.Context, req Requirement) (Proof, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return Proof{}, fmt.Errorf("paygate: invalid amount %q", req.Amount)
	}
	if amount.Cmp(b.max) > 0 {
		return Proof{}, fmt.Errorf("%w: %s exceeds %s", ErrOverBudget, amount, b.max)
	}
	return b.inner.Pay(ctx, req)
}

// ErrOverBudget is returned when a route costs more than the configured
// maximum payment.
var ErrOverBudget = errors.New("paygate: price exceeds maximum payment")
