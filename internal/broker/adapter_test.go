package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/resilience"
)

// fakeClient counts provider calls and fails on demand; it stands in for a
// wire client in adapter tests.
type fakeClient struct {
	mu        sync.Mutex
	calls     int
	dialErrs  []error
	callErrs  []error
	order     ProviderOrder
	positions []domain.Position
}

func (f *fakeClient) nextCallErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) Dial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func (f *fakeClient) Balance(context.Context, string) (domain.Balance, error) {
	if err := f.nextCallErr(); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Currency: "USDT", Available: 1000, Total: 1000}, nil
}

func (f *fakeClient) Positions(context.Context) ([]domain.Position, error) {
	if err := f.nextCallErr(); err != nil {
		return nil, err
	}
	return f.positions, nil
}

func (f *fakeClient) Submit(_ context.Context, req domain.OrderRequest) (ProviderOrder, error) {
	if err := f.nextCallErr(); err != nil {
		return ProviderOrder{}, err
	}
	po := f.order
	if po.ID == "" {
		po.ID = "prov-1"
	}
	if po.Status == "" {
		po.Status = "new"
	}
	po.ClientOrderID = req.ClientOrderID
	po.Symbol = req.Symbol
	po.Side = req.Side
	po.Type = req.Type
	po.Quantity = req.Quantity
	return po, nil
}

func (f *fakeClient) Cancel(context.Context, string, string) (ProviderOrder, error) {
	if err := f.nextCallErr(); err != nil {
		return ProviderOrder{}, err
	}
	po := f.order
	po.Status = "cancelled"
	return po, nil
}

func (f *fakeClient) Order(ctx context.Context, id, _ string) (ProviderOrder, error) {
	if err := f.nextCallErr(); err != nil {
		return ProviderOrder{}, err
	}
	po := f.order
	po.ID = id
	if po.Status == "" {
		po.Status = "new"
	}
	return po, nil
}

func (f *fakeClient) Price(_ context.Context, symbol string) (domain.Quote, error) {
	if err := f.nextCallErr(); err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{Symbol: symbol, Price: 42, At: time.Now()}, nil
}

func (f *fakeClient) Statuses() StatusTable {
	return StatusTable{
		"new":       domain.OrderStatusOpen,
		"filled":    domain.OrderStatusFilled,
		"cancelled": domain.OrderStatusCancelled,
	}
}

// fakeMarginClient adds the margin surface.
type fakeMarginClient struct {
	fakeClient
	health   float64
	leverage float64
}

func (f *fakeMarginClient) SetLeverage(_ context.Context, _ string, lev float64, _ domain.MarginType) error {
	if err := f.nextCallErr(); err != nil {
		return err
	}
	f.mu.Lock()
	f.leverage = lev
	f.mu.Unlock()
	return nil
}

func (f *fakeMarginClient) LeverageInfo(context.Context, string) (ProviderLeverage, error) {
	if err := f.nextCallErr(); err != nil {
		return ProviderLeverage{}, err
	}
	return ProviderLeverage{Leverage: f.leverage, HealthRatio: f.health, MarginType: domain.MarginTypeIsolated}, nil
}

func (f *fakeMarginClient) MarginHealth(context.Context) (float64, error) {
	if err := f.nextCallErr(); err != nil {
		return 0, err
	}
	return f.health, nil
}

func newTestAdapter(t *testing.T, client ProviderClient, caps Capabilities) *Adapter {
	t.Helper()
	return NewAdapter(Options{
		Name:          "test",
		Client:        client,
		Caps:          caps,
		MaxConcurrent: 4,
		MinInterval:   0,
		Resilience: resilience.Config{
			InitialBackoff: time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     5 * time.Millisecond,
			MaxAttempts:    3,
		},
	})
}

func marketBuy(symbol string, qty float64) domain.OrderRequest {
	return domain.OrderRequest{Symbol: symbol, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: qty}
}

func TestPlaceOrderNotConnected(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, Capabilities{})

	_, err := a.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PlaceOrder = %v, want ErrNotConnected", err)
	}
	if n := client.callCount(); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cases := []struct {
		name string
		req  domain.OrderRequest
	}{
		{"limit without price", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: 1}},
		{"stop without stop price", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeStop, Quantity: 1}},
		{"stop-limit missing stop", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeStopLimit, Quantity: 1, LimitPrice: 10}},
		{"zero quantity", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket}},
		{"missing symbol", domain.OrderRequest{Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 1}},
		{"bad side", domain.OrderRequest{Symbol: "BTCUSDT", Side: "hold", Type: domain.OrderTypeMarket, Quantity: 1}},
	}
	for _, tc := range cases {
		if _, err := a.PlaceOrder(context.Background(), tc.req); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
	if n := client.callCount(); n != 0 {
		t.Errorf("provider calls = %d, want 0 (validation is pre-network)", n)
	}
}

func TestPlaceOrderAssignsSystemID(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	order, err := a.PlaceOrder(context.Background(), marketBuy("ETHUSDT", 2))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID == "" {
		t.Error("order.ID not assigned")
	}
	if order.ClientOrderID != order.ID {
		t.Errorf("ClientOrderID = %q, want system ID %q", order.ClientOrderID, order.ID)
	}
	if order.ProviderOrderID != "prov-1" {
		t.Errorf("ProviderOrderID = %q, want prov-1", order.ProviderOrderID)
	}
	if order.Broker != "test" {
		t.Errorf("Broker = %q, want test", order.Broker)
	}
	if order.Status != domain.OrderStatusOpen {
		t.Errorf("Status = %q, want open", order.Status)
	}
	if order.Terminal() {
		t.Error("freshly placed order reported terminal")
	}
}

func TestPlaceOrderRetriesTransientThenSucceeds(t *testing.T) {
	client := &fakeClient{callErrs: []error{
		Transient(errors.New("timeout")),
		Transient(errors.New("connection reset")),
	}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := a.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1)); err != nil {
		t.Fatalf("PlaceOrder after transients: %v", err)
	}
	if n := client.callCount(); n != 3 {
		t.Errorf("provider calls = %d, want 3 (2 failures + success)", n)
	}
}

func TestPlaceOrderExhaustsRetryBudget(t *testing.T) {
	client := &fakeClient{callErrs: []error{
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
	}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := a.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1))
	if !IsTransient(err) {
		t.Fatalf("PlaceOrder = %v, want transient error after budget exhaustion", err)
	}
	if n := client.callCount(); n != 3 {
		t.Errorf("provider calls = %d, want 3 (max attempts)", n)
	}
}

func TestPlaceOrderFatalNotRetried(t *testing.T) {
	client := &fakeClient{callErrs: []error{
		fmt.Errorf("%w: bad key", ErrAuthentication),
	}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := a.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("PlaceOrder = %v, want ErrAuthentication", err)
	}
	if n := client.callCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1 (no retries)", n)
	}
}

func TestPlaceOrderHonorsCooldown(t *testing.T) {
	const retryAfter = 30 * time.Millisecond
	client := &fakeClient{callErrs: []error{
		&RateLimitError{RetryAfter: retryAfter},
	}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	if _, err := a.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1)); err != nil {
		t.Fatalf("PlaceOrder after cooldown: %v", err)
	}
	if elapsed := time.Since(start); elapsed < retryAfter {
		t.Errorf("retried after %v, want >= %v", elapsed, retryAfter)
	}
	if n := client.callCount(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func TestUnknownStatusNormalizesToPending(t *testing.T) {
	client := &fakeClient{order: ProviderOrder{Status: "QuantumSuperposition"}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	order, err := a.GetOrderStatus(context.Background(), "prov-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Errorf("Status = %q, want pending for unmapped provider status", order.Status)
	}
}

func TestGetPositionsFiltersClosedRows(t *testing.T) {
	client := &fakeClient{positions: []domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: 1},
		{Symbol: "ETHUSDT", Side: domain.SideSell, Quantity: 0},
	}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	positions, err := a.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTCUSDT" {
		t.Errorf("positions = %+v, want only the open BTCUSDT row", positions)
	}
}

func TestCashAdapterLeverageSentinels(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, Capabilities{Margin: false})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res, err := a.SetLeverage(context.Background(), "AAPL", 5, domain.MarginTypeCross)
	if err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if res.Supported {
		t.Error("SetLeverage on cash adapter reported supported")
	}

	info, err := a.GetLeverageInfo(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetLeverageInfo: %v", err)
	}
	if info.Leverage != 1 || info.HealthRatio != 1 {
		t.Errorf("cash leverage info = %+v, want sentinel", info)
	}

	ratio, err := a.GetMarginHealthRatio(context.Background())
	if err != nil {
		t.Fatalf("GetMarginHealthRatio: %v", err)
	}
	if ratio != 1 {
		t.Errorf("margin health = %v, want 1 for cash account", ratio)
	}
	if n := client.callCount(); n != 0 {
		t.Errorf("provider calls = %d, want 0 (sentinels are local)", n)
	}
}

func TestMarginAdapterClampsLeverage(t *testing.T) {
	client := &fakeMarginClient{health: 0.4}
	a := newTestAdapter(t, client, Capabilities{Margin: true, AdjustableLeverage: true, MaxLeverage: 10})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res, err := a.SetLeverage(context.Background(), "BTCUSDT", 25, domain.MarginTypeIsolated)
	if err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if !res.Supported || !res.Clamped || res.Leverage != 10 {
		t.Errorf("SetLeverage result = %+v, want supported, clamped to 10", res)
	}

	if _, err := a.SetLeverage(context.Background(), "BTCUSDT", 0.5, domain.MarginTypeIsolated); !errors.Is(err, ErrValidation) {
		t.Errorf("SetLeverage(0.5) = %v, want ErrValidation", err)
	}

	ratio, err := a.GetMarginHealthRatio(context.Background())
	if err != nil {
		t.Fatalf("GetMarginHealthRatio: %v", err)
	}
	if ratio != 0.4 {
		t.Errorf("margin health = %v, want 0.4", ratio)
	}
}

func TestMarginAdapterWithoutAdjustableLeverage(t *testing.T) {
	client := &fakeMarginClient{health: 0.8}
	a := newTestAdapter(t, client, Capabilities{Margin: true, AdjustableLeverage: false, MaxLeverage: 2})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res, err := a.SetLeverage(context.Background(), "AAPL", 2, domain.MarginTypeCross)
	if err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if res.Supported {
		t.Error("SetLeverage reported supported on fixed-leverage margin account")
	}

	// Margin queries stay live even though leverage is not settable.
	ratio, err := a.GetMarginHealthRatio(context.Background())
	if err != nil {
		t.Fatalf("GetMarginHealthRatio: %v", err)
	}
	if ratio != 0.8 {
		t.Errorf("margin health = %v, want 0.8", ratio)
	}
}

func TestConnectFailedThenRecovers(t *testing.T) {
	client := &fakeClient{dialErrs: []error{errors.New("dial tcp: refused")}}
	a := newTestAdapter(t, client, Capabilities{})

	if err := a.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("Connect = %v, want ErrConnection", err)
	}
	if got := a.State(); got != domain.ConnFailed {
		t.Errorf("State = %s, want failed", got)
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect retry: %v", err)
	}
	if got := a.State(); got != domain.ConnConnected {
		t.Errorf("State = %s, want connected", got)
	}
	// Idempotent while connected.
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect while connected: %v", err)
	}
}

// fakeStreamClient adds a push channel that replays canned snapshots.
type fakeStreamClient struct {
	fakeClient
	snapshots []ProviderOrder
}

func (f *fakeStreamClient) StreamOrders(_ context.Context, fn func(ProviderOrder)) error {
	for _, po := range f.snapshots {
		fn(po)
	}
	return errors.New("stream closed")
}

func TestStreamOrdersNormalizes(t *testing.T) {
	client := &fakeStreamClient{snapshots: []ProviderOrder{
		{ID: "prov-1", ClientOrderID: "sys-1", Symbol: "BTCUSDT", Status: "filled", Quantity: 1, FilledQuantity: 1},
		{ID: "prov-2", ClientOrderID: "sys-2", Symbol: "BTCUSDT", Status: "mystery", Quantity: 2},
	}}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var got []*domain.Order
	err := a.StreamOrders(context.Background(), func(o *domain.Order) {
		got = append(got, o)
	})
	if err == nil {
		t.Fatal("StreamOrders returned nil, want stream-closed error")
	}
	if len(got) != 2 {
		t.Fatalf("received %d updates, want 2", len(got))
	}
	if got[0].Status != domain.OrderStatusFilled || got[0].ID != "sys-1" {
		t.Errorf("first update = %+v", got[0])
	}
	if got[1].Status != domain.OrderStatusPending {
		t.Errorf("unmapped stream status = %q, want pending", got[1].Status)
	}
}

func TestStreamOrdersUnsupported(t *testing.T) {
	a := newTestAdapter(t, &fakeClient{}, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := a.StreamOrders(context.Background(), func(*domain.Order) {})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("StreamOrders = %v, want ErrUnsupported", err)
	}
}

func TestDisconnectGuardsOperations(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, Capabilities{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if _, err := a.GetBalance(context.Background(), "USDT"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetBalance after Disconnect = %v, want ErrNotConnected", err)
	}
}

// droppingClient loses the session during its first provider call, the way
// a venue dropping a websocket or revoking a token does mid-operation.
type droppingClient struct {
	fakeClient
	adapter *Adapter
}

func (d *droppingClient) Balance(context.Context, string) (domain.Balance, error) {
	_ = d.nextCallErr()
	d.adapter.conn.Disconnect()
	return domain.Balance{}, Transient(errors.New("connection reset"))
}

func TestRetryStopsAfterSessionLost(t *testing.T) {
	client := &droppingClient{}
	a := newTestAdapter(t, client, Capabilities{})
	client.adapter = a
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := a.GetBalance(context.Background(), "USDT")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("GetBalance = %v, want ErrNotConnected", err)
	}
	if got := client.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1; the dropped session must stop the retry loop", got)
	}
}
