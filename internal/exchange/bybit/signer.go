package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
)

const (
	headerAPIKey     = "X-BAPI-API-KEY"
	headerTimestamp  = "X-BAPI-TIMESTAMP"
	headerRecvWindow = "X-BAPI-RECV-WINDOW"
	headerSign       = "X-BAPI-SIGN"
)

// Signer signs v5 REST requests: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload, where payload is the query
// string for GET and the raw body for POST.
type Signer struct {
	creds      config.Credentials
	recvWindow time.Duration
}

// NewSigner builds a request signer from credentials. recvWindow falls back
// to the v5 default of 5s.
func NewSigner(creds config.Credentials, recvWindow time.Duration) *Signer {
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Signer{creds: creds, recvWindow: recvWindow}
}

// Headers returns the four X-BAPI auth headers for the payload.
func (s *Signer) Headers(timestamp time.Time, payload string) (http.Header, error) {
	if s.creds.APIKey == "" || s.creds.APISecret == "" {
		return nil, errs.New("bybit/sign", errs.CodeAuth, errs.WithMessage("missing api credentials"))
	}
	ts := strconv.FormatInt(timestamp.UnixMilli(), 10)
	window := strconv.FormatInt(s.recvWindow.Milliseconds(), 10)

	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte(ts + s.creds.APIKey + window + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	header := make(http.Header, 4)
	header.Set(headerAPIKey, s.creds.APIKey)
	header.Set(headerTimestamp, ts)
	header.Set(headerRecvWindow, window)
	header.Set(headerSign, signature)
	return header, nil
}

// wsAuthSignature signs the private-stream auth request: HMAC-SHA256 over
// "GET/realtime" + expires (ms).
func (s *Signer) wsAuthSignature(expires int64) string {
	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// APIKey exposes the key for the ws auth frame.
func (s *Signer) APIKey() string { return s.creds.APIKey }
