package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SigningHash 返回请求需要签名的摘要，使用 EIP-191 personal_sign 前缀，
// 因此普通钱包可以直接签名。
func SigningHash(method, uri string, caller common.Address, value, timestamp string, body []byte) []byte {
	payload := strings.Join([]string{
		strings.ToUpper(method),
		uri,
		strings.ToLower(caller.Hex()),
		value,
		timestamp,
		crypto.Keccak256Hash(body).Hex(),
	}, "\n")
	return accounts.TextHash([]byte(payload))
}

// SignRequest 用 key 为请求填写 X-Caller、X-Timestamp 与 X-Signature。
// body 必须与请求实际发送的内容一致。
func SignRequest(req *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time) error {
	caller := crypto.PubkeyToAddress(key.PublicKey)
	ts := strconv.FormatInt(now.Unix(), 10)
	hash := SigningHash(req.Method, req.URL.RequestURI(), caller, req.Header.Get(HeaderValue), ts, body)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("签名请求失败: %w", err)
	}
	req.Header.Set(HeaderCaller, caller.Hex())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

// recoverSigner 从签名中恢复地址，兼容 v 为 27/28 的钱包签名。
func recoverSigner(hash []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}
