package action

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const binanceDefaultBase = "https://testnet.binancefuture.com"

// BinanceExecutor places signed REST orders against the Binance futures
// testnet. No websockets, no order sync loop; QUOTE commands route here when
// EXECUTION_MODE=BINANCE_TESTNET.
type BinanceExecutor struct {
	Base       string
	APIKey     string
	APISecret  string
	RecvWindow int
	Client     *http.Client
}

// NewBinanceExecutor builds an executor from the environment. Errors when
// credentials are missing.
func NewBinanceExecutor() (*BinanceExecutor, error) {
	key := os.Getenv("BINANCE_API_KEY")
	secret := os.Getenv("BINANCE_API_SECRET")
	if key == "" || secret == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY/BINANCE_API_SECRET missing")
	}
	base := strings.TrimRight(os.Getenv("BINANCE_FUTURES_BASE"), "/")
	if base == "" {
		base = binanceDefaultBase
	}
	recvWindow := 5000
	if raw := os.Getenv("BINANCE_RECV_WINDOW"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			recvWindow = n
		}
	}
	return &BinanceExecutor{
		Base:       base,
		APIKey:     key,
		APISecret:  secret,
		RecvWindow: recvWindow,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (e *BinanceExecutor) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(e.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *BinanceExecutor) request(method, path string, params url.Values) (map[string]any, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(e.RecvWindow))

	query := params.Encode()
	reqURL := fmt.Sprintf("%s%s?%s&signature=%s", e.Base, path, query, e.sign(query))

	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("BINANCE_REQ_FAILED:%v", err)
	}
	req.Header.Set("X-MBX-APIKEY", e.APIKey)

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("BINANCE_REQ_FAILED:%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("BINANCE_REQ_FAILED:%v", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("BINANCE_HTTP_%d:%s", resp.StatusCode, string(body))
	}

	out := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("BINANCE_REQ_FAILED:%v", err)
		}
	}
	return out, nil
}

// GetMarkPrice fetches the premium-index mark price for a symbol.
func (e *BinanceExecutor) GetMarkPrice(symbol string) (float64, error) {
	out, err := e.request(http.MethodGet, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	raw, ok := out["markPrice"]
	if !ok || raw == nil {
		return 0, fmt.Errorf("BINANCE_NO_MARK_PRICE:%v", out)
	}
	switch v := raw.(type) {
	case string:
		mp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("BINANCE_NO_MARK_PRICE:%v", out)
		}
		return mp, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("BINANCE_NO_MARK_PRICE:%v", out)
	}
}

// PlaceLimitIOC places a LIMIT order with IOC time-in-force.
func (e *BinanceExecutor) PlaceLimitIOC(symbol, side string, quantity, price float64) (map[string]any, error) {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {side},
		"type":             {"LIMIT"},
		"timeInForce":      {"IOC"},
		"quantity":         {formatQty(quantity)},
		"price":            {formatPrice(price)},
		"newOrderRespType": {"RESULT"},
	}
	return e.request(http.MethodPost, "/fapi/v1/order", params)
}

// NotionalToQty converts a USD notional to a quantity, honoring Binance's
// 100 USDT minimum notional.
func NotionalToQty(notionalUSD, markPrice float64) float64 {
	if markPrice <= 0 {
		return 0.002
	}
	raw := notionalUSD / markPrice
	minQty := 100.0 / markPrice
	q := math.Max(raw, minQty)
	q = math.Round(q*1e4) / 1e4
	if q <= 0 {
		q = 0.002
	}
	return q
}

func formatQty(q float64) string {
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(q, 'f', 3, 64), "0"), ".")
}

func formatPrice(p float64) string {
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(p, 'f', 1, 64), "0"), ".")
}
