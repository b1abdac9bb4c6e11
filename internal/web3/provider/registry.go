package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"A2A-PayGate/internal/web3"
	"A2A-PayGate/internal/web3/ethereum"
)

// Registry manages one chain client per configured chain id.
type Registry struct {
	clients map[int64]*ethereum.Client
	names   map[int64]string
	defs    map[int64]web3.ChainDefinition
}

// Dialer builds a chain client; replaced in tests.
type Dialer func(ctx context.Context, cfg ethereum.Config) (*ethereum.Client, error)

// NewRegistry loads chain definitions and dials every chain.
func NewRegistry(ctx context.Context, path string) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(path)
	if err != nil {
		return nil, err
	}
	return FromDefinitions(ctx, defs, ethereum.NewClient)
}

// FromDefinitions dials every chain in defs with dial.
func FromDefinitions(ctx context.Context, defs web3.ChainDefinitions, dial Dialer) (*Registry, error) {
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	r := &Registry{
		clients: make(map[int64]*ethereum.Client),
		names:   make(map[int64]string),
		defs:    make(map[int64]web3.ChainDefinition),
	}
	for name, chain := range defs.Chains {
		client, err := dial(ctx, ethereum.Config{
			Name:    name,
			ChainID: chain.ChainID,
			RPCURL:  chain.RPCURL,
			Tokens:  chain.Tokens,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[chain.ChainID] = client
		r.names[chain.ChainID] = name
		r.defs[chain.ChainID] = chain
	}
	return r, nil
}

// Chain implements web3.ChainResolver.
func (r *Registry) Chain(chainID int64) (web3.ChainReader, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[chainID]
	if !ok {
		return nil, false
	}
	return client, true
}

// ReputationRegistry binds the score contract configured on chainID.
func (r *Registry) ReputationRegistry(chainID int64) (*web3.ReputationRegistry, error) {
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("链 %d 未配置", chainID)
	}
	def := r.defs[chainID]
	if def.ReputationRegistry == "" {
		return nil, fmt.Errorf("链 %s 未配置信誉合约", r.names[chainID])
	}
	return web3.NewReputationRegistry(client, def.ReputationRegistry, def.ScoreDecimals)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, id)
	}
}

// Chains returns the registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.names))
	for _, name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ web3.ChainResolver = (*Registry)(nil)
