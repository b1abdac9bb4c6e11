package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"A2A-PayGate/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	ChainID int64
	RPCURL  string
	// Tokens maps a token symbol to its ERC-20 contract address.
	Tokens map[string]string
}

// Client is a read-only EVM client used for settlement and reputation lookups.
type Client struct {
	name    string
	chainID int64
	tokens  map[string]common.Address

	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

// NewClient dials the RPC endpoint and checks that it serves the configured chain.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	tokens, err := parseTokens(cfg.Tokens)
	if err != nil {
		return nil, err
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		rpcClient.Close()
		return nil, fmt.Errorf("节点链 ID %s 与配置 %d 不一致", chainID, cfg.ChainID)
	}

	return &Client{
		name:      cfg.Name,
		chainID:   chainID.Int64(),
		tokens:    tokens,
		rpcClient: rpcClient,
		eth:       eth,
	}, nil
}

func parseTokens(raw map[string]string) (map[string]common.Address, error) {
	tokens := make(map[string]common.Address, len(raw))
	for symbol, addr := range raw {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("代币 %s 的合约地址无效: %q", symbol, addr)
		}
		tokens[strings.ToUpper(strings.TrimSpace(symbol))] = common.HexToAddress(addr)
	}
	return tokens, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// ChainID implements web3.ChainReader.
func (c *Client) ChainID() int64 {
	return c.chainID
}

// TokenContract implements web3.ChainReader.
func (c *Client) TokenContract(symbol string) (common.Address, bool) {
	addr, ok := c.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return addr, ok
}

func (c *Client) backend() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, nil
}

// TransactionReceipt implements web3.ChainReader.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.TransactionReceipt(ctx, hash)
}

// BlockNumber implements web3.ChainReader.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	return eth.BlockNumber(ctx)
}

// CallContract implements ethereum.ContractCaller for registry reads.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.CallContract(ctx, msg, block)
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

var (
	_ web3.ChainReader        = (*Client)(nil)
	_ gethcore.ContractCaller = (*Client)(nil)
)
