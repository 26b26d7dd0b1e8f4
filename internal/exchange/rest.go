package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/balance"
	"exchange-api-governor/internal/classify"
)

// Route maps a logical endpoint name to its wire representation.
type Route struct {
	Method string
	Path   string
	Signed bool

	// BalanceBearing marks responses the governor must run through the
	// balance validator.
	BalanceBearing bool
}

// DefaultRoutes covers the operations the governor dispatches.
func DefaultRoutes() map[string]Route {
	return map[string]Route{
		"place_order":   {Method: http.MethodPost, Path: "/api/v3/order", Signed: true},
		"cancel_order":  {Method: http.MethodDelete, Path: "/api/v3/order", Signed: true},
		"amend_order":   {Method: http.MethodPut, Path: "/api/v3/order", Signed: true},
		"open_orders":   {Method: http.MethodGet, Path: "/api/v3/openOrders", Signed: true},
		"account":       {Method: http.MethodGet, Path: "/api/v3/account", Signed: true, BalanceBearing: true},
		"balances":      {Method: http.MethodGet, Path: "/api/v3/balances", Signed: true, BalanceBearing: true},
		"server_time":   {Method: http.MethodGet, Path: "/api/v3/time"},
		"exchange_info": {Method: http.MethodGet, Path: "/api/v3/exchangeInfo"},
		"ticker_price":  {Method: http.MethodGet, Path: "/api/v3/ticker/price"},
	}
}

// RESTConfig configures the pull client.
type RESTConfig struct {
	BaseURL string

	// UsedPointsHeader is the response header carrying the server's view
	// of consumed budget (e.g. X-MBX-USED-WEIGHT-1M).
	UsedPointsHeader string

	// CallTimeout is the per-call HTTP timeout, independent of any queue
	// deadline.
	CallTimeout time.Duration
}

// RESTClient is the authenticated request/response channel.
type RESTClient struct {
	cfg    RESTConfig
	creds  Credentials
	routes map[string]Route
	http   *http.Client
	log    zerolog.Logger
}

// NewRESTClient builds the pull client. Routes default to DefaultRoutes
// when nil.
func NewRESTClient(cfg RESTConfig, creds Credentials, routes map[string]Route, log zerolog.Logger) *RESTClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.UsedPointsHeader == "" {
		cfg.UsedPointsHeader = "X-Used-Points"
	}
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &RESTClient{
		cfg:    cfg,
		creds:  creds,
		routes: routes,
		http:   &http.Client{Timeout: cfg.CallTimeout},
		log:    log.With().Str("component", "rest_client").Logger(),
	}
}

// Call performs one request. Transport errors come back as errors; protocol
// level failures (4xx/5xx) come back as a Response with the status code set,
// so the classifier sees exactly what happened.
func (c *RESTClient) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrNotSent, err)
	}

	route, ok := c.routes[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: no route for endpoint %q", ErrNotSent, req.Endpoint)
	}

	values := url.Values{}
	for k, v := range req.Params {
		values.Set(k, v)
	}
	if route.Signed {
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("signature", c.sign(values.Encode()))
	}

	httpReq, err := http.NewRequestWithContext(ctx, route.Method, c.cfg.BaseURL+route.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request for %s: %v", ErrNotSent, req.Endpoint, err)
	}
	httpReq.URL.RawQuery = values.Encode()
	if route.Signed {
		httpReq.Header.Set("X-API-KEY", c.creds.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.Endpoint, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.Endpoint, err)
	}

	resp := &Response{
		Endpoint:   req.Endpoint,
		StatusCode: httpResp.StatusCode,
		Body:       body,
		UsedPoints: decimal.NewFromInt(-1),
	}

	if h := httpResp.Header.Get(c.cfg.UsedPointsHeader); h != "" {
		if used, perr := decimal.NewFromString(h); perr == nil {
			resp.UsedPoints = used
		}
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == 418 {
		resp.RateLimited = true
		resp.BanUntil = parseBanUntil(body)
	}

	if route.BalanceBearing && httpResp.StatusCode == http.StatusOK {
		records, perr := parseBalances(req.Endpoint, body)
		if perr != nil {
			return nil, perr
		}
		resp.Balances = records
	}

	return resp, nil
}

// sign produces the HMAC-SHA256 hex signature over the encoded query.
func (c *RESTClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// wireBalance is the pull-side balance shape: {asset, free, held, timestamp}.
type wireBalance struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Held      decimal.Decimal `json:"held"`
	Timestamp int64           `json:"timestamp"` // ms
	Sequence  uint64          `json:"seq,omitempty"`
}

func parseBalances(endpoint string, body []byte) ([]balance.Record, error) {
	var wire []wireBalance
	if err := json.Unmarshal(body, &wire); err != nil {
		// Some endpoints wrap the list in {"balances": [...]}.
		var wrapped struct {
			Balances []wireBalance `json:"balances"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil || wrapped.Balances == nil {
			return nil, &classify.MalformedResponseError{Endpoint: endpoint, Cause: err}
		}
		wire = wrapped.Balances
	}

	records := make([]balance.Record, 0, len(wire))
	for _, w := range wire {
		records = append(records, balance.Record{
			Asset:      w.Asset,
			Free:       w.Free,
			Held:       w.Held,
			Source:     balance.SourcePull,
			ObservedAt: time.UnixMilli(w.Timestamp),
			Sequence:   w.Sequence,
		})
	}
	return records, nil
}

// parseBanUntil extracts a "banned until <ms>" timestamp from an error body.
func parseBanUntil(body []byte) time.Time {
	var payload struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return time.Time{}
	}
	var banMs int64
	if _, err := fmt.Sscanf(payload.Msg, "%*[^0-9]%d", &banMs); err != nil {
		return time.Time{}
	}
	now := time.Now()
	if banMs > now.UnixMilli() && banMs < now.Add(24*time.Hour).UnixMilli() {
		return time.UnixMilli(banMs)
	}
	return time.Time{}
}
