package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Compile-time interface checks.
var (
	_ ProviderClient    = (*BybitClient)(nil)
	_ MarginClient      = (*BybitClient)(nil)
	_ OrderStreamClient = (*BybitClient)(nil)
)

const (
	bybitRecvWindow = "5000"
	// Bybit omits Retry-After on most throttled responses; this is the
	// documented per-key window.
	bybitDefaultCooldown = 5 * time.Second
)

// BybitConfig holds the connection parameters for one Bybit account.
type BybitConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string // e.g. https://api.bybit.com
	WSURL      string // e.g. wss://stream.bybit.com/v5/private
	Category   string // product line; "linear" for USDT perpetuals
	SettleCoin string // e.g. USDT
}

// BybitClient talks to the Bybit v5 unified-trading REST API and private
// order stream. Derivatives family: margin-capable with adjustable
// leverage. Quote.Price carries lastPrice ("last" convention).
type BybitClient struct {
	cfg   BybitConfig
	httpc *http.Client
	log   *slog.Logger
}

// NewBybitClient creates a client; the HTTP client is built here, not on
// first call.
func NewBybitClient(cfg BybitConfig, log *slog.Logger) *BybitClient {
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = "USDT"
	}
	if log == nil {
		log = slog.Default()
	}
	return &BybitClient{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 15 * time.Second},
		log:   log,
	}
}

// ---------------------------------------------------------------------------
// Wire plumbing
// ---------------------------------------------------------------------------

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// call signs and executes one v5 request, decoding result into out.
func (c *BybitClient) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var (
		payload string
		reader  io.Reader
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	} else if query != nil {
		payload = query.Encode()
	}

	u := c.cfg.BaseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts + c.cfg.APIKey + bybitRecvWindow + payload))
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterHeader(resp, bybitDefaultCooldown)}
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("bybit: http %d", resp.StatusCode))
	}

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Transient(fmt.Errorf("bybit: decode response: %w", err))
	}
	if err := bybitError(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("bybit: decode result: %w", err)
		}
	}
	return nil
}

// bybitError maps v5 retCodes onto the package taxonomy.
func bybitError(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10006, 10018: // too many visits / IP rate limit
		return &RateLimitError{RetryAfter: bybitDefaultCooldown}
	case 10003, 10004, 10005, 33004: // bad key, bad sign, permission, key expired
		return fmt.Errorf("%w: bybit %d: %s", ErrAuthentication, code, msg)
	case 110001: // order not exists or too late
		return fmt.Errorf("%w: bybit: %s", ErrOrderNotFound, msg)
	case 10002: // request timestamp outside recv window
		return Transient(fmt.Errorf("bybit %d: %s", code, msg))
	default:
		return fmt.Errorf("bybit %d: %s", code, msg)
	}
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// ---------------------------------------------------------------------------
// ProviderClient
// ---------------------------------------------------------------------------

// Dial verifies the credentials with an account-info round trip.
func (c *BybitClient) Dial(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/v5/account/info", url.Values{}, nil, &struct{}{})
}

func (c *BybitClient) Close(context.Context) error {
	c.httpc.CloseIdleConnections()
	return nil
}

type bybitWallet struct {
	List []struct {
		TotalEquity   string `json:"totalEquity"`
		AccountMMRate string `json:"accountMMRate"`
		Coin          []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

func (c *BybitClient) wallet(ctx context.Context) (bybitWallet, error) {
	q := url.Values{"accountType": {"UNIFIED"}}
	var w bybitWallet
	err := c.call(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, &w)
	return w, err
}

func (c *BybitClient) Balance(ctx context.Context, currency string) (domain.Balance, error) {
	w, err := c.wallet(ctx)
	if err != nil {
		return domain.Balance{}, err
	}
	bal := domain.Balance{Currency: currency}
	for _, acct := range w.List {
		for _, coin := range acct.Coin {
			if strings.EqualFold(coin.Coin, currency) {
				bal.Total = ParseFloat(coin.WalletBalance)
				bal.Available = ParseFloat(coin.AvailableToWithdraw)
				if bal.Available == 0 {
					bal.Available = bal.Total
				}
			}
		}
	}
	return bal, nil
}

type bybitPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	LiqPrice      string `json:"liqPrice"`
	TradeMode     int    `json:"tradeMode"`
	PositionValue string `json:"positionValue"`
}

func (c *BybitClient) positionList(ctx context.Context, symbol string) ([]bybitPosition, error) {
	q := url.Values{"category": {c.cfg.Category}}
	if symbol != "" {
		q.Set("symbol", symbol)
	} else {
		q.Set("settleCoin", c.cfg.SettleCoin)
	}
	var res struct {
		List []bybitPosition `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v5/position/list", q, nil, &res); err != nil {
		return nil, err
	}
	return res.List, nil
}

func (c *BybitClient) Positions(ctx context.Context) ([]domain.Position, error) {
	list, err := c.positionList(ctx, "")
	if err != nil {
		return nil, err
	}
	positions := make([]domain.Position, 0, len(list))
	for _, p := range list {
		size := ParseFloat(p.Size)
		if size <= 0 {
			continue
		}
		side := domain.SideBuy
		if strings.EqualFold(p.Side, "Sell") {
			side = domain.SideSell
		}
		marginType := domain.MarginTypeCross
		if p.TradeMode == 1 {
			marginType = domain.MarginTypeIsolated
		}
		positions = append(positions, domain.Position{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         size,
			EntryPrice:       ParseFloat(p.AvgPrice),
			MarkPrice:        ParseFloat(p.MarkPrice),
			Leverage:         ParseFloat(p.Leverage),
			MarginType:       marginType,
			LiquidationPrice: ParseFloat(p.LiqPrice),
		})
	}
	return positions, nil
}

func (c *BybitClient) Submit(ctx context.Context, req domain.OrderRequest) (ProviderOrder, error) {
	body := map[string]string{
		"category":    c.cfg.Category,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"qty":         formatFloat(req.Quantity),
		"timeInForce": "GTC",
		"orderLinkId": req.ClientOrderID,
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		body["orderType"] = "Market"
		body["timeInForce"] = "IOC"
	case domain.OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = formatFloat(req.LimitPrice)
	case domain.OrderTypeStop:
		// Conditional market order, triggered at stop price.
		body["orderType"] = "Market"
		body["timeInForce"] = "IOC"
		body["triggerPrice"] = formatFloat(req.StopPrice)
	case domain.OrderTypeStopLimit:
		body["orderType"] = "Limit"
		body["price"] = formatFloat(req.LimitPrice)
		body["triggerPrice"] = formatFloat(req.StopPrice)
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.call(ctx, http.MethodPost, "/v5/order/create", nil, body, &res); err != nil {
		return ProviderOrder{}, err
	}
	now := time.Now().UTC()
	return ProviderOrder{
		ID:            res.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "Created",
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Cancel requests cancellation, then reads back the post-request state:
// Bybit completes cancels asynchronously, so the returned status may still
// be non-terminal.
func (c *BybitClient) Cancel(ctx context.Context, providerOrderID, symbol string) (ProviderOrder, error) {
	body := map[string]string{
		"category": c.cfg.Category,
		"symbol":   symbol,
		"orderId":  providerOrderID,
	}
	if err := c.call(ctx, http.MethodPost, "/v5/order/cancel", nil, body, &struct{}{}); err != nil {
		return ProviderOrder{}, err
	}
	return c.Order(ctx, providerOrderID, symbol)
}

type bybitOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (o bybitOrder) toProviderOrder() ProviderOrder {
	side := domain.SideBuy
	if strings.EqualFold(o.Side, "Sell") {
		side = domain.SideSell
	}
	typ := domain.OrderTypeMarket
	if strings.EqualFold(o.OrderType, "Limit") {
		typ = domain.OrderTypeLimit
	}
	if o.TriggerPrice != "" && ParseFloat(o.TriggerPrice) > 0 {
		if typ == domain.OrderTypeLimit {
			typ = domain.OrderTypeStopLimit
		} else {
			typ = domain.OrderTypeStop
		}
	}
	return ProviderOrder{
		ID:             o.OrderID,
		ClientOrderID:  o.OrderLinkID,
		Symbol:         o.Symbol,
		Side:           side,
		Type:           typ,
		Status:         o.OrderStatus,
		Quantity:       ParseFloat(o.Qty),
		FilledQuantity: ParseFloat(o.CumExecQty),
		AvgFillPrice:   ParseFloat(o.AvgPrice),
		LimitPrice:     ParseFloat(o.Price),
		StopPrice:      ParseFloat(o.TriggerPrice),
		CreatedAt:      msTime(o.CreatedTime),
		UpdatedAt:      msTime(o.UpdatedTime),
	}
}

func (c *BybitClient) Order(ctx context.Context, providerOrderID, symbol string) (ProviderOrder, error) {
	q := url.Values{
		"category": {c.cfg.Category},
		"symbol":   {symbol},
		"orderId":  {providerOrderID},
	}
	var res struct {
		List []bybitOrder `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v5/order/realtime", q, nil, &res); err != nil {
		return ProviderOrder{}, err
	}
	if len(res.List) == 0 {
		return ProviderOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, providerOrderID)
	}
	return res.List[0].toProviderOrder(), nil
}

// Price returns the ticker lastPrice ("last" convention).
func (c *BybitClient) Price(ctx context.Context, symbol string) (domain.Quote, error) {
	q := url.Values{"category": {c.cfg.Category}, "symbol": {symbol}}
	var res struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v5/market/tickers", q, nil, &res); err != nil {
		return domain.Quote{}, err
	}
	if len(res.List) == 0 {
		return domain.Quote{}, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	t := res.List[0]
	return domain.Quote{
		Symbol: symbol,
		Price:  ParseFloat(t.LastPrice),
		Bid:    ParseFloat(t.Bid1Price),
		Ask:    ParseFloat(t.Ask1Price),
		At:     time.Now().UTC(),
	}, nil
}

func (c *BybitClient) Statuses() StatusTable {
	return StatusTable{
		"created":                 domain.OrderStatusPending,
		"untriggered":             domain.OrderStatusPending,
		"new":                     domain.OrderStatusOpen,
		"partiallyfilled":         domain.OrderStatusPartiallyFilled,
		"filled":                  domain.OrderStatusFilled,
		"cancelled":               domain.OrderStatusCancelled,
		"partiallyfilledcanceled": domain.OrderStatusCancelled,
		"rejected":                domain.OrderStatusRejected,
		"deactivated":             domain.OrderStatusExpired,
		"triggered":               domain.OrderStatusOpen,
	}
}

// ---------------------------------------------------------------------------
// MarginClient
// ---------------------------------------------------------------------------

func (c *BybitClient) SetLeverage(ctx context.Context, symbol string, leverage float64, _ domain.MarginType) error {
	body := map[string]string{
		"category":     c.cfg.Category,
		"symbol":       symbol,
		"buyLeverage":  formatFloat(leverage),
		"sellLeverage": formatFloat(leverage),
	}
	err := c.call(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, &struct{}{})
	// 110043: leverage not modified -- already at the requested value.
	if err != nil && strings.Contains(err.Error(), "110043") {
		return nil
	}
	return err
}

func (c *BybitClient) LeverageInfo(ctx context.Context, symbol string) (ProviderLeverage, error) {
	list, err := c.positionList(ctx, symbol)
	if err != nil {
		return ProviderLeverage{}, err
	}
	health, err := c.MarginHealth(ctx)
	if err != nil {
		return ProviderLeverage{}, err
	}

	pl := ProviderLeverage{
		Leverage:    1,
		MarginType:  domain.MarginTypeCross,
		HealthRatio: health,
	}
	for _, p := range list {
		if p.Symbol != symbol {
			continue
		}
		pl.Leverage = ParseFloat(p.Leverage)
		pl.LiquidationPrice = ParseFloat(p.LiqPrice)
		pl.Borrowed = ParseFloat(p.PositionValue)
		if p.TradeMode == 1 {
			pl.MarginType = domain.MarginTypeIsolated
		}
	}
	return pl, nil
}

// MarginHealth derives account health from the unified wallet maintenance
// margin rate: accountMMRate 0 is fully healthy, 1 is liquidation.
func (c *BybitClient) MarginHealth(ctx context.Context) (float64, error) {
	w, err := c.wallet(ctx)
	if err != nil {
		return 0, err
	}
	if len(w.List) == 0 {
		return 1, nil
	}
	return ClampHealth(1 - ParseFloat(w.List[0].AccountMMRate)), nil
}

// ---------------------------------------------------------------------------
// OrderStreamClient
// ---------------------------------------------------------------------------

// StreamOrders maintains the private v5 order topic and delivers native
// snapshots until ctx is cancelled. Read failures return Transient so the
// caller can re-subscribe under its own policy.
func (c *BybitClient) StreamOrders(ctx context.Context, fn func(ProviderOrder)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return Transient(err)
	}
	defer conn.Close()

	expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte("GET/realtime" + expires))
	auth := map[string]any{
		"op":   "auth",
		"args": []any{c.cfg.APIKey, expires, hex.EncodeToString(mac.Sum(nil))},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return Transient(err)
	}
	sub := map[string]any{"op": "subscribe", "args": []any{"order"}}
	if err := conn.WriteJSON(sub); err != nil {
		return Transient(err)
	}

	// Close the socket when ctx ends to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Transient(err)
		}
		var msg struct {
			Topic string       `json:"topic"`
			Data  []bybitOrder `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic != "order" {
			continue
		}
		for _, o := range msg.Data {
			fn(o.toProviderOrder())
		}
	}
}

func bybitSide(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
