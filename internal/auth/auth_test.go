package auth

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/money"
)

// echo 记录处理器看到的调用信息。
type echo struct {
	call chain.Call
	ok   bool
	body string
}

func (e *echo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.call, e.ok = CallFromContext(r.Context())
	raw, _ := io.ReadAll(r.Body)
	e.body = string(raw)
	w.WriteHeader(http.StatusAccepted)
}

func serve(t *testing.T, svc *Service, req *http.Request) (*httptest.ResponseRecorder, *echo) {
	t.Helper()
	h := &echo{}
	rec := httptest.NewRecorder()
	svc.Middleware()(h).ServeHTTP(rec, req)
	return rec, h
}

func TestTrustedModeReadsHeaders(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeTrusted, svc.Mode())

	caller := common.HexToAddress("0x000000000000000000000000000000000000a001")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/treasury/deposit", nil)
	req.Header.Set(HeaderCaller, caller.Hex())
	req.Header.Set(HeaderValue, "0.25")

	rec, h := serve(t, svc, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, h.ok)
	assert.Equal(t, caller, h.call.From)
	assert.Zero(t, money.MustEther("0.25").Cmp(h.call.Value))
}

func TestAnonymousRequestPassesWithoutCall(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeSigned})
	require.NoError(t, err)
	rec, h := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, h.ok)
}

func TestMalformedHeadersAreRejected(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderCaller, "alice")
	rec, _ := serve(t, svc, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderCaller, "0x000000000000000000000000000000000000a001")
	req.Header.Set(HeaderValue, "-1")
	rec, _ = serve(t, svc, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignedMode(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	svc, err := NewService(Config{Mode: ModeSigned, MaxSkew: time.Minute})
	require.NoError(t, err)
	svc.now = func() time.Time { return now }

	body := `{"agent_id":1,"amount":"0.5"}`
	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/1/bids", strings.NewReader(body))
		req.Header.Set(HeaderValue, "0")
		require.NoError(t, SignRequest(req, []byte(body), key, now))
		return req
	}

	rec, h := serve(t, svc, newReq())
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, h.ok)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), h.call.From)
	assert.Equal(t, body, h.body, "body is restored after verification")
	assert.Zero(t, h.call.Value.Cmp(big.NewInt(0)))

	tampered := newReq()
	tampered.Body = io.NopCloser(strings.NewReader(`{"agent_id":1,"amount":"0.1"}`))
	rec, _ = serve(t, svc, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	impostor := newReq()
	impostor.Header.Set(HeaderCaller, "0x000000000000000000000000000000000000a001")
	rec, _ = serve(t, svc, impostor)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unsigned := newReq()
	unsigned.Header.Del(HeaderSignature)
	rec, _ = serve(t, svc, unsigned)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	rec, _ = serve(t, svc, newReq())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoverSignerAcceptsWalletRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := SigningHash("post", "/x", crypto.PubkeyToAddress(key.PublicKey), "", "1", nil)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	got, err := recoverSigner(hash, common.Bytes2Hex(sig))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), got)
}

func TestNewServiceRejectsUnknownMode(t *testing.T) {
	_, err := NewService(Config{Mode: "jwt"})
	assert.Error(t, err)
}
