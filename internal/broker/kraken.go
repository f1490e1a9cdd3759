package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Compile-time interface checks.
var (
	_ ProviderClient = (*KrakenClient)(nil)
	_ MarginClient   = (*KrakenClient)(nil)
)

// Kraken publishes a counter-based quota without retry-after hints; this is
// the decay window applied when the counter trips.
const krakenCooldown = 15 * time.Second

// KrakenConfig holds connection parameters for one Kraken spot account.
type KrakenConfig struct {
	APIKey    string
	APISecret string // base64, as issued
	BaseURL   string // e.g. https://api.kraken.com
	Margin    bool   // attach leverage to orders and read margin state
}

// KrakenClient talks to the Kraken spot REST API. Cash by default, so the
// adapter answers leverage queries with the fixed sentinels; with Margin
// enabled, orders carry a leverage ratio (Kraken has no standing per-symbol
// setting) and account margin state comes from TradeBalance. Quote.Price
// carries the last trade price ("last" convention).
type KrakenClient struct {
	cfg   KrakenConfig
	httpc *http.Client
	log   *slog.Logger

	nonce func() int64

	mu       sync.Mutex
	leverage map[string]float64 // per-symbol, attached to orders when Margin
}

// NewKrakenClient creates a client for the given account.
func NewKrakenClient(cfg KrakenConfig, log *slog.Logger) *KrakenClient {
	if log == nil {
		log = slog.Default()
	}
	return &KrakenClient{
		cfg:      cfg,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		log:      log,
		nonce:    func() int64 { return time.Now().UnixNano() },
		leverage: make(map[string]float64),
	}
}

// ---------------------------------------------------------------------------
// Wire plumbing
// ---------------------------------------------------------------------------

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// private signs and executes an authenticated call. Kraken's scheme:
// API-Sign = HMAC-SHA512(path + SHA256(nonce + postdata), secret).
func (c *KrakenClient) private(ctx context.Context, path string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	nonce := strconv.FormatInt(c.nonce(), 10)
	form.Set("nonce", nonce)
	postdata := form.Encode()

	secret, err := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		return fmt.Errorf("%w: kraken: malformed api secret", ErrAuthentication)
	}
	digest := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, secret)
	mac.Write(append([]byte(path), digest[:]...))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(postdata))
	if err != nil {
		return err
	}
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sign)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *KrakenClient) public(ctx context.Context, path string, query url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *KrakenClient) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfterHeader(resp, krakenCooldown)}
	}
	if resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("kraken: http %d", resp.StatusCode))
	}

	var env krakenEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Transient(fmt.Errorf("kraken: decode response: %w", err))
	}
	if len(env.Error) > 0 {
		return krakenError(env.Error[0])
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("kraken: decode result: %w", err)
		}
	}
	return nil
}

// krakenError maps the E-prefixed error strings onto the taxonomy.
func krakenError(msg string) error {
	switch {
	case strings.Contains(msg, "Rate limit") || strings.Contains(msg, "Too many requests"):
		return &RateLimitError{RetryAfter: krakenCooldown}
	case strings.HasPrefix(msg, "EAPI:Invalid key") || strings.HasPrefix(msg, "EAPI:Invalid signature") || strings.HasPrefix(msg, "EAPI:Invalid nonce"):
		return fmt.Errorf("%w: kraken: %s", ErrAuthentication, msg)
	case strings.HasPrefix(msg, "EOrder:Unknown order"):
		return fmt.Errorf("%w: kraken: %s", ErrOrderNotFound, msg)
	case strings.HasPrefix(msg, "EService:Unavailable") || strings.HasPrefix(msg, "EService:Busy"):
		return Transient(fmt.Errorf("kraken: %s", msg))
	default:
		return fmt.Errorf("kraken: %s", msg)
	}
}

// ---------------------------------------------------------------------------
// ProviderClient
// ---------------------------------------------------------------------------

// Dial verifies the credentials with a balance round trip.
func (c *KrakenClient) Dial(ctx context.Context) error {
	return c.private(ctx, "/0/private/Balance", nil, &map[string]string{})
}

func (c *KrakenClient) Close(context.Context) error {
	c.httpc.CloseIdleConnections()
	return nil
}

func (c *KrakenClient) Balance(ctx context.Context, currency string) (domain.Balance, error) {
	var res map[string]string
	if err := c.private(ctx, "/0/private/Balance", nil, &res); err != nil {
		return domain.Balance{}, err
	}
	bal := domain.Balance{Currency: currency}
	for asset, amount := range res {
		// Kraken prefixes legacy assets (ZUSD, XXBT).
		if strings.EqualFold(asset, currency) || strings.EqualFold(strings.TrimLeft(asset, "XZ"), currency) {
			bal.Available = ParseFloat(amount)
			bal.Total = bal.Available
		}
	}
	return bal, nil
}

// Positions returns an empty snapshot: spot cash accounts carry no open
// exposure in the derivatives sense, and an empty sequence is a valid
// result by contract.
func (c *KrakenClient) Positions(context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (c *KrakenClient) Submit(ctx context.Context, req domain.OrderRequest) (ProviderOrder, error) {
	form := url.Values{
		"pair":   {req.Symbol},
		"type":   {string(req.Side)},
		"volume": {formatFloat(req.Quantity)},
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		form.Set("ordertype", "market")
	case domain.OrderTypeLimit:
		form.Set("ordertype", "limit")
		form.Set("price", formatFloat(req.LimitPrice))
	case domain.OrderTypeStop:
		form.Set("ordertype", "stop-loss")
		form.Set("price", formatFloat(req.StopPrice))
	case domain.OrderTypeStopLimit:
		form.Set("ordertype", "stop-loss-limit")
		form.Set("price", formatFloat(req.StopPrice))
		form.Set("price2", formatFloat(req.LimitPrice))
	}
	if req.ClientOrderID != "" {
		form.Set("cl_ord_id", req.ClientOrderID)
	}
	if c.cfg.Margin {
		if lv := c.leverageFor(req.Symbol); lv > 1 {
			form.Set("leverage", strconv.FormatFloat(lv, 'f', -1, 64))
		}
	}

	var res struct {
		Txid []string `json:"txid"`
	}
	if err := c.private(ctx, "/0/private/AddOrder", form, &res); err != nil {
		return ProviderOrder{}, err
	}
	if len(res.Txid) == 0 {
		return ProviderOrder{}, fmt.Errorf("kraken: AddOrder returned no txid")
	}
	now := time.Now().UTC()
	return ProviderOrder{
		ID:            res.Txid[0],
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "pending",
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Cancel requests cancellation and reads back the post-request state;
// Kraken reports pending cancels, which normalize to a non-terminal status
// for the caller to poll.
func (c *KrakenClient) Cancel(ctx context.Context, providerOrderID, symbol string) (ProviderOrder, error) {
	form := url.Values{"txid": {providerOrderID}}
	if err := c.private(ctx, "/0/private/CancelOrder", form, &struct{}{}); err != nil {
		return ProviderOrder{}, err
	}
	return c.Order(ctx, providerOrderID, symbol)
}

type krakenOrder struct {
	Status  string  `json:"status"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Price   string  `json:"price"`
	Opentm  float64 `json:"opentm"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		Ordertype string `json:"ordertype"`
		Price     string `json:"price"`
		Price2    string `json:"price2"`
	} `json:"descr"`
}

func (c *KrakenClient) Order(ctx context.Context, providerOrderID, _ string) (ProviderOrder, error) {
	form := url.Values{"txid": {providerOrderID}}
	var res map[string]krakenOrder
	if err := c.private(ctx, "/0/private/QueryOrders", form, &res); err != nil {
		return ProviderOrder{}, err
	}
	o, ok := res[providerOrderID]
	if !ok {
		return ProviderOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, providerOrderID)
	}

	side := domain.SideBuy
	if o.Descr.Type == "sell" {
		side = domain.SideSell
	}
	typ := domain.OrderTypeMarket
	limit, stop := 0.0, 0.0
	switch o.Descr.Ordertype {
	case "limit":
		typ = domain.OrderTypeLimit
		limit = ParseFloat(o.Descr.Price)
	case "stop-loss":
		typ = domain.OrderTypeStop
		stop = ParseFloat(o.Descr.Price)
	case "stop-loss-limit":
		typ = domain.OrderTypeStopLimit
		stop = ParseFloat(o.Descr.Price)
		limit = ParseFloat(o.Descr.Price2)
	}
	created := time.Unix(int64(o.Opentm), 0).UTC()
	return ProviderOrder{
		ID:             providerOrderID,
		Symbol:         o.Descr.Pair,
		Side:           side,
		Type:           typ,
		Status:         o.Status,
		Quantity:       ParseFloat(o.Vol),
		FilledQuantity: ParseFloat(o.VolExec),
		AvgFillPrice:   ParseFloat(o.Price),
		LimitPrice:     limit,
		StopPrice:      stop,
		CreatedAt:      created,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

// Price returns the last trade close ("last" convention).
func (c *KrakenClient) Price(ctx context.Context, symbol string) (domain.Quote, error) {
	q := url.Values{"pair": {symbol}}
	var res map[string]struct {
		C []string `json:"c"` // last trade [price, lot volume]
		B []string `json:"b"` // best bid [price, whole, lot]
		A []string `json:"a"` // best ask [price, whole, lot]
	}
	if err := c.public(ctx, "/0/public/Ticker", q, &res); err != nil {
		return domain.Quote{}, err
	}
	for _, t := range res {
		quote := domain.Quote{Symbol: symbol, At: time.Now().UTC()}
		if len(t.C) > 0 {
			quote.Price = ParseFloat(t.C[0])
		}
		if len(t.B) > 0 {
			quote.Bid = ParseFloat(t.B[0])
		}
		if len(t.A) > 0 {
			quote.Ask = ParseFloat(t.A[0])
		}
		return quote, nil
	}
	return domain.Quote{}, fmt.Errorf("kraken: no ticker for %s", symbol)
}

// ---------------------------------------------------------------------------
// MarginClient
// ---------------------------------------------------------------------------

// SetLeverage records the ratio applied to subsequent orders for symbol.
// Kraken accepts leverage per order, not as account state, so nothing goes
// over the wire here.
func (c *KrakenClient) SetLeverage(_ context.Context, symbol string, leverage float64, _ domain.MarginType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	return nil
}

func (c *KrakenClient) leverageFor(symbol string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leverage[symbol]
}

type krakenTradeBalance struct {
	Equity       string `json:"e"`
	TradeBalance string `json:"tb"`
	MarginUsed   string `json:"m"`
	FreeMargin   string `json:"mf"`
}

func (c *KrakenClient) tradeBalance(ctx context.Context) (krakenTradeBalance, error) {
	var res krakenTradeBalance
	err := c.private(ctx, "/0/private/TradeBalance", nil, &res)
	return res, err
}

// LeverageInfo reports the last requested leverage for symbol alongside the
// account's margin state.
func (c *KrakenClient) LeverageInfo(ctx context.Context, symbol string) (ProviderLeverage, error) {
	tb, err := c.tradeBalance(ctx)
	if err != nil {
		return ProviderLeverage{}, err
	}
	lv := c.leverageFor(symbol)
	if lv < 1 {
		lv = 1
	}
	return ProviderLeverage{
		Leverage:    lv,
		MarginType:  domain.MarginTypeCross,
		Collateral:  ParseFloat(tb.TradeBalance),
		Borrowed:    ParseFloat(tb.MarginUsed),
		Equity:      ParseFloat(tb.Equity),
		HealthRatio: krakenHealth(tb),
	}, nil
}

// MarginHealth returns free margin over equity; 1 with no margin in use.
func (c *KrakenClient) MarginHealth(ctx context.Context) (float64, error) {
	tb, err := c.tradeBalance(ctx)
	if err != nil {
		return 0, err
	}
	return krakenHealth(tb), nil
}

func krakenHealth(tb krakenTradeBalance) float64 {
	equity := ParseFloat(tb.Equity)
	if equity <= 0 || ParseFloat(tb.MarginUsed) == 0 {
		return 1
	}
	return ClampHealth(ParseFloat(tb.FreeMargin) / equity)
}

func (c *KrakenClient) Statuses() StatusTable {
	return StatusTable{
		"pending":  domain.OrderStatusPending,
		"open":     domain.OrderStatusOpen,
		"closed":   domain.OrderStatusFilled,
		"canceled": domain.OrderStatusCancelled,
		"expired":  domain.OrderStatusExpired,
	}
}
