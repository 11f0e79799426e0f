package web3

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    registry_contract: "0x000000000000000000000000000000000000beef"
    description: testnet registry
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
`), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs.Chains, 2)
	assert.Equal(t, "https://rpc.sepolia.example", defs.Chains["sepolia"].RPCURL)
	assert.Equal(t, "0x000000000000000000000000000000000000beef", defs.Chains["sepolia"].RegistryContract)
	assert.Equal(t, "evm", defs.Chains["local"].Type)
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, defs.Chains)
}

func TestParseChainDefinitionsRejectsBadContract(t *testing.T) {
	_, err := ParseChainDefinitions([]byte("chains:\n  x:\n    rpc_url: http://x\n    registry_contract: nope\n"))
	assert.Error(t, err)
}
