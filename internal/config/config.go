package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/auction/task"
	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/keeper"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/storage/mongo"
	"AgentMarket-Chain/internal/storage/mysql"
	redisstore "AgentMarket-Chain/internal/storage/redis"
	"AgentMarket-Chain/internal/telemetry"
	"AgentMarket-Chain/pkg/logger"
)

// Config 描述了 auctiond 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Logging   logger.Config    `json:"logging" yaml:"logging"`
	Engine    EngineConfig     `json:"engine" yaml:"engine"`
	Accounts  AccountsConfig   `json:"accounts" yaml:"accounts"`
	Auction   AuctionConfig    `json:"auction" yaml:"auction"`
	Registry  RegistryConfig   `json:"registry" yaml:"registry"`
	Web3      Web3Config       `json:"web3" yaml:"web3"`
	Events    EventsConfig     `json:"events" yaml:"events"`
	Keeper    KeeperConfig     `json:"keeper" yaml:"keeper"`
	Metrics   MetricsConfig    `json:"metrics" yaml:"metrics"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Alerting  AlertingConfig   `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address         string        `json:"address" yaml:"address"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Auth            auth.Config   `json:"auth" yaml:"auth"`
}

// EngineConfig 选择事务时钟。Clock 为 system 时使用本机时间，
// 为 block 时使用 web3 默认链最新区块的时间戳。
type EngineConfig struct {
	Clock          string        `json:"clock" yaml:"clock"`
	BlockTimeout   time.Duration `json:"block_timeout" yaml:"block_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// AccountsConfig 列出部署时使用的地址。Genesis 把地址映射到以 ether 表示的初始余额。
type AccountsConfig struct {
	Admin     string            `json:"admin" yaml:"admin"`
	Operators []string          `json:"operators" yaml:"operators"`
	Keeper    string            `json:"keeper" yaml:"keeper"`
	Genesis   map[string]string `json:"genesis" yaml:"genesis"`
}

// AuctionConfig 汇总两种拍卖的参数。
type AuctionConfig struct {
	Task   task.Config         `json:"task" yaml:"task"`
	Intent IntentAuctionConfig `json:"intent" yaml:"intent"`
}

// IntentAuctionConfig 中的 MinBidFee 以 ether 十进制字符串表示。
type IntentAuctionConfig struct {
	DefaultAuctionWindow time.Duration `json:"default_auction_window" yaml:"default_auction_window"`
	MinBidFee            string        `json:"min_bid_fee" yaml:"min_bid_fee"`
}

// RegistryConfig 选择注册中心实现。Driver 为 memory 时使用 Agents 作为种子数据，
// 为 evm 时通过 web3 默认链调用 Contract。
type RegistryConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	Agents       []AgentConfig `json:"agents" yaml:"agents"`
	Contract     string        `json:"contract" yaml:"contract"`
	SignerKey    string        `json:"signer_key" yaml:"signer_key"`
	GasLimit     uint64        `json:"gas_limit" yaml:"gas_limit"`
	WaitMined    bool          `json:"wait_mined" yaml:"wait_mined"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	CallTimeout  time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// AgentConfig 是内存注册中心里的一条代理记录。
type AgentConfig struct {
	ID         uint64 `json:"id" yaml:"id"`
	Wallet     string `json:"wallet" yaml:"wallet"`
	Type       string `json:"type" yaml:"type"`
	Active     bool   `json:"active" yaml:"active"`
	Reputation uint64 `json:"reputation" yaml:"reputation"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。ChainConfig 指向链定义 YAML。
type Web3Config struct {
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
}

// EventsConfig 描述已提交事件的去向。各后端在连接参数非空时启用。
type EventsConfig struct {
	MemoryLimit int                     `json:"memory_limit" yaml:"memory_limit"`
	MySQL       mysql.Config            `json:"mysql" yaml:"mysql"`
	Mongo       mongo.Config            `json:"mongo" yaml:"mongo"`
	Redis       redisstore.StreamConfig `json:"redis" yaml:"redis"`
	RabbitMQ    events.RabbitMQConfig   `json:"rabbitmq" yaml:"rabbitmq"`
}

// KeeperConfig 控制到期拍卖的自动推进。
type KeeperConfig struct {
	Enabled        bool                    `json:"enabled" yaml:"enabled"`
	Queue          string                  `json:"queue" yaml:"queue"`
	Interval       time.Duration           `json:"interval" yaml:"interval"`
	Workers        int                     `json:"workers" yaml:"workers"`
	RepublishAfter time.Duration           `json:"republish_after" yaml:"republish_after"`
	Redis          keeper.RedisQueueConfig `json:"redis" yaml:"redis"`
	RabbitMQ       keeper.RabbitMQConfig   `json:"rabbitmq" yaml:"rabbitmq"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。Address 为空时挂在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Log        bool   `json:"log" yaml:"log"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load 负责解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
// 同目录下的 .env 会先被加载；path 为空时只使用环境变量和默认值。
func Load(path string) (*Config, error) {
	baseDir := "."
	var cfg Config
	if path != "" {
		baseDir = filepath.Dir(path)
		if err := loadEnvFile(filepath.Join(baseDir, ".env")); err != nil {
			return nil, err
		}
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	} else if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, cfg)
	default:
		err = yaml.Unmarshal(content, cfg)
	}
	if err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// applyEnv 用 AUCTION_* 环境变量覆盖文件中的值，主要用于连接串和密钥。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("AUCTION_SERVER_ADDRESS", &c.Server.Address)
	str("AUCTION_LOG_LEVEL", &c.Logging.Level)
	if v, ok := lookup("AUCTION_AUTH_MODE"); ok && strings.TrimSpace(v) != "" {
		c.Server.Auth.Mode = auth.Mode(strings.TrimSpace(v))
	}
	str("AUCTION_ADMIN", &c.Accounts.Admin)
	str("AUCTION_KEEPER_ADDRESS", &c.Accounts.Keeper)
	str("AUCTION_RPC_URL", &c.Web3.RPCURL)
	str("AUCTION_REGISTRY_CONTRACT", &c.Registry.Contract)
	str("AUCTION_REGISTRY_SIGNER_KEY", &c.Registry.SignerKey)
	str("AUCTION_MYSQL_DSN", &c.Events.MySQL.DSN)
	str("AUCTION_MONGO_URI", &c.Events.Mongo.URI)
	str("AUCTION_REDIS_ADDRESS", &c.Events.Redis.Address)
	str("AUCTION_REDIS_PASSWORD", &c.Events.Redis.Password)
	str("AUCTION_RABBITMQ_URL", &c.Events.RabbitMQ.URL)
	str("AUCTION_KEEPER_REDIS_ADDRESS", &c.Keeper.Redis.Address)
	str("AUCTION_KEEPER_RABBITMQ_URL", &c.Keeper.RabbitMQ.URL)
	str("AUCTION_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("AUCTION_ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	if v, ok := lookup("AUCTION_OPERATORS"); ok && strings.TrimSpace(v) != "" {
		c.Accounts.Operators = splitList(v)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Engine.Clock == "" {
		c.Engine.Clock = "system"
	}
	if c.Engine.PublishTimeout <= 0 {
		c.Engine.PublishTimeout = 5 * time.Second
	}

	def := task.DefaultConfig()
	if c.Auction.Task.DefaultBiddingWindow <= 0 {
		c.Auction.Task.DefaultBiddingWindow = def.DefaultBiddingWindow
	}
	if c.Auction.Task.DefaultCompletionWindow <= 0 {
		c.Auction.Task.DefaultCompletionWindow = def.DefaultCompletionWindow
	}
	if c.Auction.Task.MinReputation == 0 {
		c.Auction.Task.MinReputation = def.MinReputation
	}
	if c.Auction.Task.ReputationReward <= 0 {
		c.Auction.Task.ReputationReward = def.ReputationReward
	}
	if c.Auction.Task.ReputationPenalty <= 0 {
		c.Auction.Task.ReputationPenalty = def.ReputationPenalty
	}
	if c.Auction.Intent.DefaultAuctionWindow <= 0 {
		c.Auction.Intent.DefaultAuctionWindow = intent.DefaultConfig().DefaultAuctionWindow
	}
	if c.Auction.Intent.MinBidFee == "" {
		c.Auction.Intent.MinBidFee = money.FormatEther(intent.DefaultConfig().MinBidFee)
	}

	if c.Registry.Driver == "" {
		c.Registry.Driver = "memory"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Events.MemoryLimit <= 0 {
		c.Events.MemoryLimit = 10000
	}

	if c.Keeper.Queue == "" {
		c.Keeper.Queue = "memory"
	}
	if c.Keeper.Interval <= 0 {
		c.Keeper.Interval = 15 * time.Second
	}
	if c.Keeper.Workers <= 0 {
		c.Keeper.Workers = 2
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "auctiond"
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查地址、金额与枚举字段。
func (c *Config) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Accounts.Admin) {
		errs = append(errs, fmt.Errorf("accounts.admin 不是合法地址: %q", c.Accounts.Admin))
	}
	for _, op := range c.Accounts.Operators {
		if !common.IsHexAddress(op) {
			errs = append(errs, fmt.Errorf("accounts.operators 包含非法地址: %q", op))
		}
	}
	if c.Keeper.Enabled && !common.IsHexAddress(c.Accounts.Keeper) {
		errs = append(errs, fmt.Errorf("启用 keeper 时 accounts.keeper 必须是合法地址: %q", c.Accounts.Keeper))
	}
	if _, err := c.GenesisBalances(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.IntentAuctionConfig(); err != nil {
		errs = append(errs, err)
	}

	if _, err := auth.NewService(c.Server.Auth); err != nil {
		errs = append(errs, fmt.Errorf("server.auth: %w", err))
	}
	if c.Server.Auth.Trusted() && !isLoopback(c.Server.Address) {
		errs = append(errs, fmt.Errorf("server.auth.mode 为 trusted 时只能监听回环地址，当前为 %q；对外服务请使用 signed", c.Server.Address))
	}
	if err := c.Auction.Task.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auction.task: %w", err))
	}
	switch c.Engine.Clock {
	case "system", "block":
	default:
		errs = append(errs, fmt.Errorf("engine.clock 仅支持 system 或 block，当前为 %q", c.Engine.Clock))
	}
	switch c.Registry.Driver {
	case "memory":
		if _, err := c.Agents(); err != nil {
			errs = append(errs, err)
		}
	case "evm":
		if !common.IsHexAddress(c.Registry.Contract) {
			errs = append(errs, fmt.Errorf("registry.contract 不是合法地址: %q", c.Registry.Contract))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.driver 仅支持 memory 或 evm，当前为 %q", c.Registry.Driver))
	}
	switch c.Keeper.Queue {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("keeper.queue 仅支持 memory、redis 或 rabbitmq，当前为 %q", c.Keeper.Queue))
	}
	return errors.Join(errs...)
}

// AdminAddress 返回管理员地址。
func (c *Config) AdminAddress() common.Address { return common.HexToAddress(c.Accounts.Admin) }

// KeeperAddress 返回 keeper 的调用者地址。
func (c *Config) KeeperAddress() common.Address { return common.HexToAddress(c.Accounts.Keeper) }

// OperatorAddresses 返回运营方地址列表。
func (c *Config) OperatorAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Accounts.Operators))
	for _, op := range c.Accounts.Operators {
		out = append(out, common.HexToAddress(op))
	}
	return out
}

// GenesisBalances 解析初始余额。
func (c *Config) GenesisBalances() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(c.Accounts.Genesis))
	for addr, amount := range c.Accounts.Genesis {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("accounts.genesis 包含非法地址: %q", addr)
		}
		v, err := money.ParseEther(amount)
		if err != nil {
			return nil, fmt.Errorf("accounts.genesis[%s]: %w", addr, err)
		}
		out[common.HexToAddress(addr)] = v
	}
	return out, nil
}

// IntentAuctionConfig 把配置转换为意图拍卖参数。
func (c *Config) IntentAuctionConfig() (intent.Config, error) {
	fee, err := money.ParseEther(c.Auction.Intent.MinBidFee)
	if err != nil {
		return intent.Config{}, fmt.Errorf("auction.intent.min_bid_fee: %w", err)
	}
	return intent.Config{
		DefaultAuctionWindow: c.Auction.Intent.DefaultAuctionWindow,
		MinBidFee:            fee,
	}, nil
}

// Agents 把内存注册中心的种子数据转换为 registry.Agent。
func (c *Config) Agents() ([]registry.Agent, error) {
	out := make([]registry.Agent, 0, len(c.Registry.Agents))
	seen := make(map[uint64]struct{}, len(c.Registry.Agents))
	for _, a := range c.Registry.Agents {
		if a.ID == 0 {
			return nil, errors.New("registry.agents 中的 id 必须为正数")
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("registry.agents 中的 id %d 重复", a.ID)
		}
		seen[a.ID] = struct{}{}
		if !common.IsHexAddress(a.Wallet) {
			return nil, fmt.Errorf("代理 %d 的钱包地址非法: %q", a.ID, a.Wallet)
		}
		typ, err := registry.ParseAgentType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("代理 %d: %w", a.ID, err)
		}
		out = append(out, registry.Agent{
			ID:         a.ID,
			Wallet:     common.HexToAddress(a.Wallet),
			Type:       typ,
			Active:     a.Active,
			Reputation: a.Reputation,
		})
	}
	return out, nil
}

// EVMRegistryConfig 返回合约网关参数。
func (c *Config) EVMRegistryConfig() registry.EVMConfig {
	return registry.EVMConfig{
		Contract:     common.HexToAddress(c.Registry.Contract),
		SignerKey:    c.Registry.SignerKey,
		GasLimit:     c.Registry.GasLimit,
		WaitMined:    c.Registry.WaitMined,
		PollInterval: c.Registry.PollInterval,
		CallTimeout:  c.Registry.CallTimeout,
	}
}

// isLoopback 判断监听地址是否只绑定在本机。主机部分为空表示监听全部网卡。
func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
