package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
)

func TestSignerHeaders(t *testing.T) {
	signer := NewSigner(config.Credentials{APIKey: "key", APISecret: "secret"}, 5*time.Second)
	ts := time.UnixMilli(1700000000000)

	header, err := signer.Headers(ts, "category=linear&symbol=BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, "key", header.Get(headerAPIKey))
	require.Equal(t, "1700000000000", header.Get(headerTimestamp))
	require.Equal(t, "5000", header.Get(headerRecvWindow))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000" + "key" + "5000" + "category=linear&symbol=BTCUSDT"))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), header.Get(headerSign))
}

func TestSignerMissingCredentials(t *testing.T) {
	signer := NewSigner(config.Credentials{}, 0)
	_, err := signer.Headers(time.Now(), "")
	require.True(t, errs.HasCode(err, errs.CodeAuth))
}

func TestWSAuthSignature(t *testing.T) {
	signer := NewSigner(config.Credentials{APIKey: "key", APISecret: "secret"}, 0)
	expires := int64(1700000010000)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("GET/realtime1700000010000"))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), signer.wsAuthSignature(expires))
}

func TestMapRetCode(t *testing.T) {
	cases := []struct {
		code int
		want errs.Code
	}{
		{10006, errs.CodeRateLimited},
		{10018, errs.CodeRateLimited},
		{10002, errs.CodeNetwork},
		{10003, errs.CodeAuth},
		{10004, errs.CodeAuth},
		{10001, errs.CodeInvalid},
		{99999, errs.CodeExchange},
	}
	for _, tc := range cases {
		err := mapRetCode("bybit/test", tc.code, "msg")
		require.True(t, errs.HasCode(err, tc.want), "retCode %d", tc.code)
	}
	require.NoError(t, mapRetCode("bybit/test", 0, "OK"))
}
