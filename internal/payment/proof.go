package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// 请求与响应中使用的 x402 头。
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderPaymentMode     = "X-Payment-Mode"

	X402Version = 1
)

// Proof 是调用方在 X-PAYMENT 头中提交的付款凭证。
type Proof struct {
	X402Version   int    `json:"x402Version"`
	PaymentID     string `json:"paymentId"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	ChainID       int64  `json:"chainId"`
	ValidAfter    int64  `json:"validAfter,omitempty"`
	ValidBefore   int64  `json:"validBefore,omitempty"`
	Signature     string `json:"signature,omitempty"`
	SettlementRef string `json:"settlementRef,omitempty"`
}

// DecodeProof 解析头部内容，支持 base64(JSON) 与原始 JSON 两种形式。
func DecodeProof(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("付款凭证为空")
	}
	raw := []byte(header)
	if header[0] != '{' {
		decoded, err := decodeBase64(header)
		if err != nil {
			return nil, fmt.Errorf("付款凭证不是合法的 base64: %w", err)
		}
		raw = decoded
	}
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("付款凭证不是合法的 JSON: %w", err)
	}
	return &proof, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("无法识别的 base64 编码")
}

// Encode 将凭证编码为 base64(JSON)，供客户端写入请求头。
func (p *Proof) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// AmountValue 解析凭证金额，支持十进制或 0x 前缀的十六进制。
func (p *Proof) AmountValue() (*big.Int, error) {
	amount, ok := math.ParseBig256(strings.TrimSpace(p.Amount))
	if !ok || amount == nil {
		return nil, fmt.Errorf("金额 %q 无法解析", p.Amount)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("金额不能为负数")
	}
	return amount, nil
}

// Validate 检查凭证的必填字段。
func (p *Proof) Validate() error {
	if strings.TrimSpace(p.PaymentID) == "" {
		return fmt.Errorf("缺少 paymentId")
	}
	if !common.IsHexAddress(p.Payer) {
		return fmt.Errorf("payer 不是合法地址")
	}
	if strings.TrimSpace(p.Payee) == "" {
		return fmt.Errorf("缺少 payee")
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("缺少 token")
	}
	if p.Signature == "" && p.SettlementRef == "" {
		return fmt.Errorf("需要 signature 或 settlementRef")
	}
	return nil
}

// CanonicalAddress 将十六进制地址转换为校验和格式，非地址原样返回。
func CanonicalAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// SameAddress 比较两个地址，十六进制地址忽略大小写。
func SameAddress(a, b string) bool {
	return strings.EqualFold(CanonicalAddress(a), CanonicalAddress(b))
}
