package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single EVM chain used for settlement checks.
type ChainDefinition struct {
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// Tokens maps a token symbol to its ERC-20 contract address.
	Tokens map[string]string `yaml:"tokens"`
	// ReputationRegistry is the address of the on-chain score contract.
	ReputationRegistry string `yaml:"reputation_registry"`
	ScoreDecimals      int    `yaml:"score_decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes and validates chain metadata.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	seen := make(map[int64]string, len(defs.Chains))
	for name, chain := range defs.Chains {
		if chain.ChainID <= 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if other, ok := seen[chain.ChainID]; ok {
			return ChainDefinitions{}, fmt.Errorf("链 %s 与 %s 使用了相同的 chain_id %d", name, other, chain.ChainID)
		}
		seen[chain.ChainID] = name
	}
	return defs, nil
}
