package auth

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/pkg/logger"
)

const maxSignedBody = 1 << 20

// Service 负责识别 HTTP 请求的调用者。
type Service struct {
	cfg   Config
	now   func() time.Time
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	cfg = cfg.normalised()
	switch cfg.Mode {
	case ModeTrusted, ModeSigned:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	return &Service{cfg: cfg, now: time.Now, audit: logger.Audit()}, nil
}

// Mode 返回当前模式。
func (s *Service) Mode() Mode { return s.cfg.Mode }

// Identify 解析请求头。没有 X-Caller 时 ok 为 false 且 err 为空，
// 由处理器决定该请求是否需要调用者。
func (s *Service) Identify(r *http.Request) (call chain.Call, ok bool, err error) {
	rawCaller := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if rawCaller == "" {
		return chain.Call{}, false, nil
	}
	if !common.IsHexAddress(rawCaller) {
		return chain.Call{}, false, ErrInvalidCaller
	}
	caller := common.HexToAddress(rawCaller)

	rawValue := strings.TrimSpace(r.Header.Get(HeaderValue))
	value := new(big.Int)
	if rawValue != "" {
		if value, err = money.ParseEther(rawValue); err != nil {
			return chain.Call{}, false, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}

	if s.cfg.Mode == ModeSigned {
		if err := s.verify(r, caller, rawValue); err != nil {
			return chain.Call{}, false, err
		}
	}
	return chain.CallFrom(caller).WithValue(value), true, nil
}

func (s *Service) verify(r *http.Request, caller common.Address, rawValue string) error {
	sigHex := r.Header.Get(HeaderSignature)
	if sigHex == "" {
		return ErrMissingSignature
	}
	rawTS := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return ErrStaleRequest
	}
	if skew := s.now().Sub(time.Unix(ts, 0)); skew > s.cfg.MaxSkew || skew < -s.cfg.MaxSkew {
		return ErrStaleRequest
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			return fmt.Errorf("读取请求体失败: %w", err)
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	hash := SigningHash(r.Method, r.URL.RequestURI(), caller, rawValue, rawTS, body)
	signer, err := recoverSigner(hash, sigHex)
	if err != nil {
		return err
	}
	if signer != caller {
		return ErrBadSignature
	}
	return nil
}
