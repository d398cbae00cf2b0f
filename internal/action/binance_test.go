package action

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(t *testing.T, handler http.HandlerFunc) *BinanceExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &BinanceExecutor{
		Base:       srv.URL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		RecvWindow: 5000,
		Client:     srv.Client(),
	}
}

func TestRequestSignsQuery(t *testing.T) {
	var captured *http.Request
	e := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.Write([]byte(`{"markPrice":"50000.0"}`))
	})

	_, err := e.GetMarkPrice("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "test-key", captured.Header.Get("X-MBX-APIKEY"))

	q := captured.URL.Query()
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
	assert.Equal(t, "5000", q.Get("recvWindow"))
	assert.NotEmpty(t, q.Get("timestamp"))

	// The signature must cover the query string minus the signature itself.
	sig := q.Get("signature")
	require.NotEmpty(t, sig)
	raw := captured.URL.RawQuery
	signed := raw[:strings.Index(raw, "&signature=")]
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(signed))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestGetMarkPriceVariants(t *testing.T) {
	e := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"markPrice":61234.5}`))
	})
	mp, err := e.GetMarkPrice("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 61234.5, mp)

	e = testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT"}`))
	})
	_, err = e.GetMarkPrice("BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_NO_MARK_PRICE")
}

func TestRequestHTTPError(t *testing.T) {
	e := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"code":-1021}`))
	})
	_, err := e.GetMarkPrice("BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_HTTP_418")
}

func TestPlaceLimitIOCParams(t *testing.T) {
	var params url.Values
	e := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		params = r.URL.Query()
		w.Write([]byte(`{"orderId":7,"status":"FILLED"}`))
	})

	out, err := e.PlaceLimitIOC("BTCUSDT", "BUY", 0.002, 50250.5)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", out["status"])

	assert.Equal(t, "LIMIT", params.Get("type"))
	assert.Equal(t, "IOC", params.Get("timeInForce"))
	assert.Equal(t, "RESULT", params.Get("newOrderRespType"))
	assert.Equal(t, "0.002", params.Get("quantity"))
	assert.Equal(t, "50250.5", params.Get("price"))
}
