package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"A2A-PayGate/internal/auth"
	"A2A-PayGate/internal/payment"
)

// Client 是一次准入判断的主体。ID 是计数窗口的键，ReputationID 为空时信誉按 ID 查询。
type Client struct {
	ID           string
	ReputationID string
}

func (c Client) reputationKey() string {
	if c.ReputationID != "" {
		return c.ReputationID
	}
	return c.ID
}

// PayerCheck 校验付款凭证的签名并返回签名者地址。
type PayerCheck func(proof *payment.Proof) (string, error)

// ResolverOption 配置 ClientResolver。
type ResolverOption func(*ClientResolver)

// WithPayerCheck 允许使用签名有效的付款方地址作为信誉身份。
// 未配置时忽略 X-PAYMENT 中的付款方。
func WithPayerCheck(check PayerCheck) ResolverOption {
	return func(r *ClientResolver) {
		r.payerCheck = check
	}
}

// ClientResolver 解析限流使用的客户端。
// 优先级：已认证智能体地址 > 已结算收据的付款方 > 网络地址。
// 请求头中的付款凭证尚未经过付款网关，只能为网络地址窗口提供信誉身份，不能开启新窗口。
type ClientResolver struct {
	trusted    []netip.Prefix
	payerCheck PayerCheck
}

// NewClientResolver 创建解析器，trustedProxies 为可信代理的 IP 或 CIDR，
// 只有来自可信代理的请求才会读取 X-Forwarded-For。
func NewClientResolver(trustedProxies []string, opts ...ResolverOption) (*ClientResolver, error) {
	r := &ClientResolver{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("可信代理 %q 格式错误: %w", raw, err)
			}
			r.trusted = append(r.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("可信代理 %q 格式错误: %w", raw, err)
		}
		addr = addr.Unmap()
		r.trusted = append(r.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Resolve 实现解析优先级。
func (c *ClientResolver) Resolve(r *http.Request) Client {
	if agent, ok := auth.AgentFromContext(r.Context()); ok && agent != "" {
		return Client{ID: agent}
	}
	if receipt, ok := payment.ReceiptFrom(r.Context()); ok && receipt.Payer != "" {
		return Client{ID: payment.CanonicalAddress(receipt.Payer)}
	}
	client := Client{ID: c.NetworkAddress(r)}
	if payer, ok := c.signedPayer(r); ok {
		client.ReputationID = payer
	}
	return client
}

// ClientID 返回计数窗口的键。
func (c *ClientResolver) ClientID(r *http.Request) string {
	return c.Resolve(r).ID
}

// signedPayer 仅在签名者与凭证声明的付款方一致时返回付款方地址。
func (c *ClientResolver) signedPayer(r *http.Request) (string, bool) {
	header := r.Header.Get(payment.HeaderPayment)
	if header == "" || c.payerCheck == nil {
		return "", false
	}
	proof, err := payment.DecodeProof(header)
	if err != nil || !common.IsHexAddress(proof.Payer) {
		return "", false
	}
	signer, err := c.payerCheck(proof)
	if err != nil || !payment.SameAddress(signer, proof.Payer) {
		return "", false
	}
	return payment.CanonicalAddress(proof.Payer), true
}

// NetworkAddress 返回网络层客户端地址。
func (c *ClientResolver) NetworkAddress(r *http.Request) string {
	remote := hostOf(r.RemoteAddr)
	addr, err := netip.ParseAddr(remote)
	if err != nil || !c.isTrusted(addr) {
		return remote
	}
	forwarded := r.Header.Values("X-Forwarded-For")
	var hops []string
	for _, line := range forwarded {
		for _, part := range strings.Split(line, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	// 从右向左跳过可信代理，第一个不可信的地址即为客户端。
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(hostOf(hops[i]))
		if err != nil {
			return remote
		}
		if !c.isTrusted(hop) {
			return hop.Unmap().String()
		}
	}
	if len(hops) > 0 {
		return hostOf(hops[0])
	}
	return remote
}

func (c *ClientResolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
