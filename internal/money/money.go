// Package money 负责金额在十进制字符串与最小记账单位之间的换算。
// 引擎内部一律使用 *big.Int 表示最小单位（1 ether = 1e18），
// 只在配置和接口边界处使用十进制字符串。
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals 是一个完整单位包含的最小单位位数。
const Decimals = 18

// ParseEther 将 "0.5" 这样的十进制金额解析为最小单位。
// 负数、空串以及超过 18 位小数的金额会被拒绝。
func ParseEther(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("金额为空")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("解析金额 %q 失败: %w", raw, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("金额 %q 不能为负", raw)
	}
	units := d.Shift(Decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("金额 %q 精度超过 %d 位小数", raw, Decimals)
	}
	return units.BigInt(), nil
}

// MustEther 与 ParseEther 相同，解析失败时 panic，仅用于常量和测试。
func MustEther(raw string) *big.Int {
	v, err := ParseEther(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther 将最小单位格式化为十进制字符串。
func FormatEther(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}

// ToFloat 返回以完整单位计的近似浮点值，仅用于指标展示。
func ToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -Decimals).InexactFloat64()
}

// IsZero 判断金额是否为空或零。
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Positive 判断金额是否严格大于零。
func Positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Copy 返回金额的独立副本，nil 视为零。
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Add 返回 a+b，不修改入参。
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(Copy(a), Copy(b))
}

// Sub 返回 a-b，不修改入参。
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(Copy(a), Copy(b))
}

// MulDiv 以整数运算计算 a*b/c 并向零截断；c 为零时返回零。
func MulDiv(a, b, c *big.Int) *big.Int {
	if IsZero(c) {
		return new(big.Int)
	}
	product := new(big.Int).Mul(Copy(a), Copy(b))
	return product.Quo(product, c)
}
