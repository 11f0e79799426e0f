package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/money"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Kind     xerrors.Kind      `json:"kind"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusForKind 把错误分类映射为 HTTP 状态码。
func statusForKind(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindAuthorization, xerrors.KindEligibility:
		return http.StatusForbidden
	case xerrors.KindTemporal, xerrors.KindDuplication, xerrors.KindInvalidState:
		return http.StatusConflict
	case xerrors.KindValue:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		e = xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	status := statusForKind(e.Kind())
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{
		Code:     e.Code(),
		Kind:     e.Kind(),
		Message:  e.Error(),
		Metadata: e.Metadata(),
	})
}

// badRequest 返回统一格式的参数错误。
func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...)))
}

// caller 取出中间件识别的调用者，写操作必须带 X-Caller。
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (chain.Call, bool) {
	call, ok := auth.CallFromContext(r.Context())
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeUnauthorized, "missing "+auth.HeaderCaller+" header"))
		return chain.Call{}, false
	}
	return call, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.badRequest(w, r, "请求体解析失败: %v", err)
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		s.badRequest(w, r, "非法的编号 %q", raw)
		return 0, false
	}
	return id, true
}

// ether 是 JSON 中以十进制字符串表示的金额。
type ether string

func (e ether) parse() (*big.Int, error) {
	return money.ParseEther(string(e))
}

func formatEther(v *big.Int) ether { return ether(money.FormatEther(v)) }

// duration 接受 "90m" 这样的字符串。
type duration string

func (d duration) parse() (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(string(d))
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("非法地址 " + strconv.Quote(raw))
	}
	return common.HexToAddress(raw), nil
}

func parseHash(raw string) (common.Hash, error) {
	if raw == "" {
		return common.Hash{}, nil
	}
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("哈希必须是 32 字节十六进制")
	}
	return common.BytesToHash(b), nil
}
