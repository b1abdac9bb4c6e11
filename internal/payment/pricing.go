package payment

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "A2A-PayGate/internal/errors"
)

// Token 描述可用于支付的代币及其精度。
type Token struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals"`
	// Address 为代币合约地址，仅用于展示。
	Address string `json:"address,omitempty" yaml:"address"`
}

// USDC 是默认支持的代币。
var USDC = Token{Symbol: "USDC", Decimals: 6}

// RouteConfig 是配置文件中的单条定价。
type RouteConfig struct {
	Price string `json:"price" yaml:"price"`
	Token string `json:"token" yaml:"token"`
}

// RoutePrice 是规范化之后的路由定价。
type RoutePrice struct {
	Route string `json:"route"`
	// Price 保留配置中的十进制字符串，用于 402 响应。
	Price string `json:"price"`
	Token string `json:"token"`
	// Amount 为按代币精度换算后的最小单位金额。
	Amount *big.Int `json:"amount"`
}

// NormalizeRoute 去除空白与首尾斜杠并转为小写。
func NormalizeRoute(route string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(route), "/"))
}

// Pricing 保存路由到价格的映射，路由键大小写与斜杠不敏感。
type Pricing struct {
	mu           sync.RWMutex
	routes       map[string]RoutePrice
	tokens       map[string]Token
	defaultToken string
}

// NewPricing 创建定价表。未提供代币时默认只支持 USDC。
func NewPricing(tokens ...Token) *Pricing {
	if len(tokens) == 0 {
		tokens = []Token{USDC}
	}
	p := &Pricing{
		routes: make(map[string]RoutePrice),
		tokens: make(map[string]Token, len(tokens)),
	}
	for i, token := range tokens {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		token.Symbol = symbol
		p.tokens[symbol] = token
		if i == 0 {
			p.defaultToken = symbol
		}
	}
	return p
}

// Token 返回代币信息。
func (p *Pricing) Token(symbol string) (Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	token, ok := p.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// AddRoute 设置路由价格，重复设置同一路由会覆盖原有价格。
func (p *Pricing) AddRoute(route, price, token string) error {
	entry, err := p.build(route, price, token)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.routes[entry.Route] = entry
	p.mu.Unlock()
	return nil
}

func (p *Pricing) build(route, price, token string) (RoutePrice, error) {
	key := NormalizeRoute(route)
	if key == "" {
		return RoutePrice{}, xerrors.New(xerrors.CodeInvalidArgument, "路由不能为空")
	}
	symbol := strings.ToUpper(strings.TrimSpace(token))
	p.mu.RLock()
	if symbol == "" {
		symbol = p.defaultToken
	}
	info, ok := p.tokens[symbol]
	p.mu.RUnlock()
	if !ok {
		return RoutePrice{}, xerrors.New(xerrors.CodeInvalidArgument, "不支持的代币: "+symbol, xerrors.WithMetadata("route", key))
	}
	amount, err := ParseAmount(price, info.Decimals)
	if err != nil {
		return RoutePrice{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "价格格式错误", xerrors.WithMetadata("route", key))
	}
	if amount.Sign() <= 0 {
		return RoutePrice{}, xerrors.New(xerrors.CodeInvalidArgument, "价格必须大于 0", xerrors.WithMetadata("route", key))
	}
	return RoutePrice{Route: key, Price: strings.TrimSpace(price), Token: symbol, Amount: amount}, nil
}

// RemoveRoute 移除路由定价，返回路由此前是否存在。
func (p *Pricing) RemoveRoute(route string) bool {
	key := NormalizeRoute(route)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.routes[key]
	delete(p.routes, key)
	return ok
}

// IsPaywalled 判断路由是否需要付费。
func (p *Pricing) IsPaywalled(route string) bool {
	_, ok := p.Lookup(route)
	return ok
}

// Lookup 返回路由定价的副本。
func (p *Pricing) Lookup(route string) (RoutePrice, bool) {
	key := NormalizeRoute(route)
	if key == "" {
		return RoutePrice{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.routes[key]
	if !ok {
		return RoutePrice{}, false
	}
	entry.Amount = new(big.Int).Set(entry.Amount)
	return entry, true
}

// AddFromConfig 批量添加定价。任一条目无效时不会写入任何条目。
func (p *Pricing) AddFromConfig(cfg map[string]RouteConfig) error {
	entries := make([]RoutePrice, 0, len(cfg))
	for route, rc := range cfg {
		entry, err := p.build(route, rc.Price, rc.Token)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range entries {
		p.routes[entry.Route] = entry
	}
	return nil
}

// pricingFile 是定价文件的结构。
type pricingFile struct {
	Routes map[string]RouteConfig `yaml:"routes"`
}

// LoadFile 从 YAML 文件加载定价。
func (p *Pricing) LoadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取定价文件失败")
	}
	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析定价文件失败")
	}
	return p.AddFromConfig(file.Routes)
}

// Routes 返回所有定价，按路由排序。
func (p *Pricing) Routes() []RoutePrice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RoutePrice, 0, len(p.routes))
	for _, entry := range p.routes {
		entry.Amount = new(big.Int).Set(entry.Amount)
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// ParseAmount 将十进制字符串按 decimals 换算为最小单位整数，不经过浮点。
func ParseAmount(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("金额不能为空")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("无效的精度 %d", decimals)
	}
	whole, frac, hasDot := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasDot && (frac == "" || !isDigits(frac))) {
		return nil, fmt.Errorf("金额 %q 不是合法的十进制数", value)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("金额 %q 超出代币精度 %d", value, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("金额 %q 无法解析", value)
	}
	return amount, nil
}

// FormatAmount 将最小单位金额格式化为十进制字符串。
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
