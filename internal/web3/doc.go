// Package web3 verifies x402 payment proofs against EVM chains and reads
// agent reputation from an on-chain registry. Chain connectivity lives in
// the ethereum subpackage; provider builds per-chain clients from YAML.
package web3
