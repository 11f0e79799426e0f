// Package web3 holds chain connectivity for the settlement engine: chain
// definitions loaded from YAML, an EVM client that serves the on-chain agent
// registry and the block clock, and a provider registry keyed by chain name.
package web3
