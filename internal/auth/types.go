// Package auth 确定 HTTP 请求的调用者地址和附带金额。trusted 模式直接信任
// X-Caller 头，signed 模式要求调用者用自己的私钥对请求签名。
package auth

import (
	"errors"
	"strings"
	"time"
)

// 请求头名称。
const (
	HeaderCaller    = "X-Caller"
	HeaderValue     = "X-Value"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingCaller   = errors.New("missing caller")
	ErrInvalidCaller   = errors.New("invalid caller address")
	ErrInvalidValue    = errors.New("invalid attached value")
	ErrMissingSignature = errors.New("missing request signature")
	ErrBadSignature    = errors.New("signature does not match caller")
	ErrStaleRequest    = errors.New("request timestamp outside allowed skew")
)

// Mode enumerates the supported caller verification strategies.
type Mode string

const (
	ModeTrusted Mode = "trusted"
	ModeSigned  Mode = "signed"
)

// Config configures the authentication service.
type Config struct {
	Mode    Mode          `json:"mode" yaml:"mode"`
	MaxSkew time.Duration `json:"max_skew" yaml:"max_skew"`
}

// Trusted 报告配置在归一化后是否处于 trusted 模式。
func (c Config) Trusted() bool {
	return c.normalised().Mode == ModeTrusted
}

func (c Config) normalised() Config {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModeTrusted
	}
	if c.MaxSkew <= 0 {
		c.MaxSkew = 5 * time.Minute
	}
	return c
}
