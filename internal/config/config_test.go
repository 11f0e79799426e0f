package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/registry"
)

const sampleYAML = `
server:
  address: "127.0.0.1:9090"
accounts:
  admin: "0x00000000000000000000000000000000000000ad"
  operators: ["0x000000000000000000000000000000000000000e"]
  keeper: "0x000000000000000000000000000000000000cee0"
  genesis:
    "0x000000000000000000000000000000000000000e": "10.5"
auction:
  task:
    default_bidding_window: 30m
  intent:
    min_bid_fee: "0.002"
registry:
  driver: memory
  agents:
    - id: 1
      wallet: "0x000000000000000000000000000000000000a001"
      type: worker
      active: true
      reputation: 70
web3:
  chain_config: chains.yaml
keeper:
  enabled: true
  interval: 5s
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "auctiond.yaml", sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
	assert.Equal(t, 30*time.Minute, cfg.Auction.Task.DefaultBiddingWindow)
	assert.Equal(t, 24*time.Hour, cfg.Auction.Task.DefaultCompletionWindow)
	assert.Equal(t, uint64(50), cfg.Auction.Task.MinReputation)
	assert.Equal(t, time.Hour, cfg.Auction.Intent.DefaultAuctionWindow)
	assert.Equal(t, "system", cfg.Engine.Clock)
	assert.Equal(t, "memory", cfg.Keeper.Queue)
	assert.Equal(t, 5*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, 2, cfg.Keeper.Workers)
	assert.Equal(t, filepath.Join(dir, "chains.yaml"), cfg.Web3.ChainConfig)
	assert.Equal(t, "auctiond", cfg.Telemetry.ServiceName)

	genesis, err := cfg.GenesisBalances()
	require.NoError(t, err)
	op := common.HexToAddress("0x000000000000000000000000000000000000000e")
	assert.Zero(t, money.MustEther("10.5").Cmp(genesis[op]))
	assert.Equal(t, []common.Address{op}, cfg.OperatorAddresses())

	ic, err := cfg.IntentAuctionConfig()
	require.NoError(t, err)
	assert.Zero(t, money.MustEther("0.002").Cmp(ic.MinBidFee))

	agents, err := cfg.Agents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, registry.AgentTypeWorker, agents[0].Type)
	assert.Equal(t, uint64(70), agents[0].Reputation)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "auctiond.json", `{
  "accounts": {"admin": "0x00000000000000000000000000000000000000ad"},
  "events": {"memory_limit": 42}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Address)
	assert.Equal(t, 42, cfg.Events.MemoryLimit)
	assert.Equal(t, "0.001", cfg.Auction.Intent.MinBidFee)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "auctiond.yaml", sampleYAML)
	writeFile(t, dir, ".env", "AUCTION_MONGO_URI=mongodb://from-dotenv:27017\n")
	t.Cleanup(func() { _ = os.Unsetenv("AUCTION_MONGO_URI") })
	t.Setenv("AUCTION_MYSQL_DSN", "user:pw@tcp(db:3306)/auction")
	t.Setenv("AUCTION_OPERATORS", "0x000000000000000000000000000000000000000e, 0x000000000000000000000000000000000000000f")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://from-dotenv:27017", cfg.Events.Mongo.URI)
	assert.Equal(t, "user:pw@tcp(db:3306)/auction", cfg.Events.MySQL.DSN)
	assert.Len(t, cfg.Accounts.Operators, 2)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"admin":        func(c *Config) { c.Accounts.Admin = "not-an-address" },
		"operator":     func(c *Config) { c.Accounts.Operators = []string{"0x1"} },
		"keeper":       func(c *Config) { c.Keeper.Enabled = true; c.Accounts.Keeper = "" },
		"genesis":      func(c *Config) { c.Accounts.Genesis = map[string]string{"0x00000000000000000000000000000000000000ad": "lots"} },
		"min bid fee":  func(c *Config) { c.Auction.Intent.MinBidFee = "-1" },
		"clock":        func(c *Config) { c.Engine.Clock = "sundial" },
		"driver":       func(c *Config) { c.Registry.Driver = "ldap" },
		"evm contract": func(c *Config) { c.Registry.Driver = "evm" },
		"agent type":   func(c *Config) { c.Registry.Agents = []AgentConfig{{ID: 1, Wallet: "0x000000000000000000000000000000000000a001", Type: "oracle"}} },
		"agent dup": func(c *Config) {
			a := AgentConfig{ID: 1, Wallet: "0x000000000000000000000000000000000000a001", Type: "worker"}
			c.Registry.Agents = []AgentConfig{a, a}
		},
		"queue":     func(c *Config) { c.Keeper.Queue = "kafka" },
		"auth mode": func(c *Config) { c.Server.Auth.Mode = "jwt" },
		"trusted on all interfaces": func(c *Config) { c.Server.Address = ":8080" },
		"trusted on public ip": func(c *Config) {
			c.Server.Auth.Mode = "Trusted"
			c.Server.Address = "10.0.0.5:8080"
		},
		"penalty not larger": func(c *Config) {
			c.Auction.Task.ReputationReward = 20
			c.Auction.Task.ReputationPenalty = 20
		},
		"penalty below default reward": func(c *Config) { c.Auction.Task.ReputationPenalty = 5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Accounts: AccountsConfig{Admin: "0x00000000000000000000000000000000000000ad"}}
			cfg.applyDefaults(".")
			require.NoError(t, cfg.Validate())
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTrustedModeListenAddress(t *testing.T) {
	cases := []struct {
		mode    string
		address string
		ok      bool
	}{
		{"", "127.0.0.1:8080", true},
		{"trusted", "localhost:8080", true},
		{"trusted", "[::1]:8080", true},
		{"", ":8080", false},
		{"trusted", "0.0.0.0:8080", false},
		{"trusted", "example.com:8080", false},
		{"signed", ":8080", true},
		{"signed", "0.0.0.0:8080", true},
	}
	for _, tc := range cases {
		t.Run(tc.mode+"@"+tc.address, func(t *testing.T) {
			cfg := &Config{Accounts: AccountsConfig{Admin: "0x00000000000000000000000000000000000000ad"}}
			cfg.Server.Address = tc.address
			cfg.Server.Auth.Mode = auth.Mode(tc.mode)
			cfg.applyDefaults(".")
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, "server.auth.mode")
			}
		})
	}
}

func TestLoadRejectsTrustedFromEnvOnPublicAddress(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "auctiond.yaml", sampleYAML)
	t.Setenv("AUCTION_SERVER_ADDRESS", ":8080")

	_, err := Load(path)
	require.Error(t, err)

	t.Setenv("AUCTION_AUTH_MODE", "signed")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
