package registry

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/pkg/logger"
)

// RegistryABI 是注册中心合约中被引擎使用的接口片段。
const RegistryABI = `[
  {"type":"function","name":"isActive","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"reputation","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"agentType","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"walletOf","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"adjustReputation","stateMutability":"nonpayable",
   "inputs":[{"name":"agentId","type":"uint256"},{"name":"delta","type":"int256"}],"outputs":[]}
]`

// Backend 是 EVMGateway 需要的链上能力，ethclient.Client 满足它。
type Backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EVMConfig 描述注册中心合约的访问参数。SignerKey 是十六进制私钥，
// 用于签发 adjustReputation 交易；为空时网关只读，调整信誉会失败。
type EVMConfig struct {
	Contract     common.Address
	SignerKey    string
	GasLimit     uint64
	WaitMined    bool
	PollInterval time.Duration
	CallTimeout  time.Duration
}

// EVMGateway 通过合约调用实现 Gateway。
type EVMGateway struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	cfg      EVMConfig
	log      *slog.Logger
}

// NewEVMGateway 构造合约网关。
func NewEVMGateway(backend Backend, cfg EVMConfig) (*EVMGateway, error) {
	if backend == nil {
		return nil, stdErrors.New("注册中心后端不能为空")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, stdErrors.New("未配置注册中心合约地址")
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("解析注册中心 ABI 失败: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	g := &EVMGateway{
		backend:  backend,
		abi:      parsed,
		contract: cfg.Contract,
		cfg:      cfg,
		log:      logger.Named("registry"),
	}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"); key != "" {
		g.key, err = crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("解析签名私钥失败: %w", err)
		}
		g.from = crypto.PubkeyToAddress(g.key.PublicKey)
	}
	return g, nil
}

// Signer 返回签名地址，只读网关返回零地址。
func (g *EVMGateway) Signer() common.Address { return g.from }

// IsActive 实现 Gateway。
func (g *EVMGateway) IsActive(ctx context.Context, agentID uint64) (bool, error) {
	out, err := g.call(ctx, "isActive", agentID)
	if err != nil {
		return false, err
	}
	v, ok := out.(bool)
	if !ok {
		return false, g.decodeErr("isActive", out)
	}
	return v, nil
}

// Reputation 实现 Gateway。超出 uint64 的值按最大值处理。
func (g *EVMGateway) Reputation(ctx context.Context, agentID uint64) (uint64, error) {
	out, err := g.call(ctx, "reputation", agentID)
	if err != nil {
		return 0, err
	}
	v, ok := out.(*big.Int)
	if !ok {
		return 0, g.decodeErr("reputation", out)
	}
	if !v.IsUint64() {
		return ^uint64(0), nil
	}
	return v.Uint64(), nil
}

// AgentType 实现 Gateway。
func (g *EVMGateway) AgentType(ctx context.Context, agentID uint64) (AgentType, error) {
	out, err := g.call(ctx, "agentType", agentID)
	if err != nil {
		return AgentTypeUnknown, err
	}
	v, ok := out.(uint8)
	if !ok {
		return AgentTypeUnknown, g.decodeErr("agentType", out)
	}
	return AgentType(v), nil
}

// WalletOf 实现 Gateway。
func (g *EVMGateway) WalletOf(ctx context.Context, agentID uint64) (common.Address, error) {
	out, err := g.call(ctx, "walletOf", agentID)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := out.(common.Address)
	if !ok {
		return common.Address{}, g.decodeErr("walletOf", out)
	}
	return v, nil
}

// AdjustReputation 签发并发送 adjustReputation 交易。配置 WaitMined 时
// 等待回执，交易执行失败视为调整失败。
func (g *EVMGateway) AdjustReputation(ctx context.Context, agentID uint64, delta int64) error {
	if g.key == nil {
		return xerrors.New(xerrors.CodeGatewayFailure, "注册中心网关未配置签名私钥")
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	data, err := g.abi.Pack("adjustReputation", new(big.Int).SetUint64(agentID), big.NewInt(delta))
	if err != nil {
		return g.failure(err, "编码 adjustReputation 失败")
	}
	chainID, err := g.backend.ChainID(ctx)
	if err != nil {
		return g.failure(err, "读取链 ID 失败")
	}
	nonce, err := g.backend.PendingNonceAt(ctx, g.from)
	if err != nil {
		return g.failure(err, "读取 nonce 失败")
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return g.failure(err, "读取 gas 价格失败")
	}
	to := g.contract
	gas := g.cfg.GasLimit
	if gas == 0 {
		gas, err = g.backend.EstimateGas(ctx, gethcore.CallMsg{From: g.from, To: &to, Data: data})
		if err != nil {
			return g.failure(err, "估算 gas 失败")
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return g.failure(err, "签名交易失败")
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return g.failure(err, "发送 adjustReputation 交易失败")
	}
	g.log.Info("信誉调整交易已发送",
		slog.Uint64("agent_id", agentID),
		slog.Int64("delta", delta),
		slog.String("tx_hash", signed.Hash().Hex()),
	)
	if !g.cfg.WaitMined {
		return nil
	}
	return g.waitMined(ctx, signed.Hash())
}

func (g *EVMGateway) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return xerrors.New(xerrors.CodeGatewayFailure, "adjustReputation 交易执行失败").With("tx_hash", hash.Hex())
			}
			return nil
		case err != nil && !stdErrors.Is(err, gethcore.NotFound):
			return g.failure(err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待 adjustReputation 上链超时")
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) call(ctx context.Context, method string, agentID uint64) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	data, err := g.abi.Pack(method, new(big.Int).SetUint64(agentID))
	if err != nil {
		return nil, g.failure(err, "编码 "+method+" 失败")
	}
	to := g.contract
	raw, err := g.backend.CallContract(ctx, gethcore.CallMsg{From: g.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, g.failure(err, "调用 "+method+" 失败")
	}
	out, err := g.abi.Unpack(method, raw)
	if err != nil {
		return nil, g.failure(err, "解码 "+method+" 失败")
	}
	if len(out) != 1 {
		return nil, g.decodeErr(method, out)
	}
	return out[0], nil
}

func (g *EVMGateway) failure(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeGatewayFailure, err, msg).With("contract", g.contract.Hex())
}

func (g *EVMGateway) decodeErr(method string, got any) error {
	return xerrors.New(xerrors.CodeGatewayFailure, fmt.Sprintf("%s 返回了意外的类型 %T", method, got))
}
