package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/broker"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/resilience"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/store"
)

type testRig struct {
	engine *Engine
	sim    *broker.SimClient
	paper  broker.Broker
	orders *store.SQLiteStore
}

func newTestRig(t *testing.T, risk RiskConfig) *testRig {
	t.Helper()

	sim := broker.NewSimClient(map[string]float64{"USD": 10000})
	paper := broker.NewAdapter(broker.Options{
		Name:          "paper",
		Client:        sim,
		Caps:          broker.Capabilities{PriceConvention: "last"},
		MaxConcurrent: 4,
		Resilience:    resilience.Config{InitialBackoff: time.Millisecond, MaxAttempts: 2},
	})
	if err := paper.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	registry := broker.NewRegistry()
	registry.Register("paper", paper)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := NewEngine(registry, st, st, nil, NewRiskManager(risk), nil)
	return &testRig{engine: e, sim: sim, paper: paper, orders: st}
}

func TestSubmitOrderJournals(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{})
	rig.sim.SetMark("BTCUSD", 50000)

	order, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 0.1,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Errorf("Status = %q, want filled", order.Status)
	}

	journaled, err := rig.engine.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if journaled.Symbol != "BTCUSD" || journaled.Broker != "paper" {
		t.Errorf("journaled order = %+v", journaled)
	}
}

func TestSubmitOrderUnknownBroker(t *testing.T) {
	rig := newTestRig(t, RiskConfig{})
	if _, err := rig.engine.SubmitOrder(context.Background(), "nope", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	}); err == nil {
		t.Fatal("SubmitOrder to unknown broker succeeded, want error")
	}
}

func TestSubmitOrderRiskRejected(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{MaxPositionPct: 0.1})
	rig.sim.SetMark("BTCUSD", 50000)

	// 1 BTC at 50000 is 5x the 1000 (10%) limit on 10000 equity.
	_, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	})
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("SubmitOrder = %v, want ErrRiskRejected", err)
	}

	// A position-sized order goes through.
	if _, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 0.01,
	}); err != nil {
		t.Fatalf("SubmitOrder within limit: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{})
	rig.sim.SetMark("BTCUSD", 50000)

	order, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: 0.1, LimitPrice: 45000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	cancelled, err := rig.engine.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %q, want cancelled", cancelled.Status)
	}

	journaled, err := rig.engine.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if journaled.Status != domain.OrderStatusCancelled {
		t.Errorf("journaled Status = %q, want cancelled", journaled.Status)
	}
}

func TestReconcilePicksUpVenueChanges(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{})
	rig.sim.SetMark("BTCUSD", 50000)

	order, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: 0.1, LimitPrice: 45000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	// Cancel directly on the venue, bypassing the engine; the journal still
	// shows the order open until reconciliation runs.
	if _, err := rig.paper.CancelOrder(ctx, order.ProviderOrderID, "BTCUSD"); err != nil {
		t.Fatalf("venue cancel: %v", err)
	}

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	journaled, err := rig.engine.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if journaled.Status != domain.OrderStatusCancelled {
		t.Errorf("journaled Status after reconcile = %q, want cancelled", journaled.Status)
	}
}

type captureArchive struct {
	orders    []domain.Order
	snapshots int
}

func (a *captureArchive) ArchiveOrders(_ context.Context, _ time.Time, orders []domain.Order) error {
	a.orders = append(a.orders, orders...)
	return nil
}

func (a *captureArchive) ArchivePositions(context.Context, string, time.Time, []domain.Position) error {
	a.snapshots++
	return nil
}

func TestTerminalOrdersArchived(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{})
	archive := &captureArchive{}
	rig.engine.archive = archive
	rig.sim.SetMark("BTCUSD", 50000)

	// Market orders fill on submission and are archived straight away.
	filled, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 0.1,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if len(archive.orders) != 1 || archive.orders[0].ID != filled.ID {
		t.Fatalf("archived orders = %+v, want the filled order", archive.orders)
	}

	// A resting limit order stays out of the archive until it terminates.
	limit, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: 0.1, LimitPrice: 45000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if len(archive.orders) != 1 {
		t.Fatalf("open order archived early: %d records", len(archive.orders))
	}

	if _, err := rig.engine.CancelOrder(ctx, limit.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if len(archive.orders) != 2 || archive.orders[1].Status != domain.OrderStatusCancelled {
		t.Fatalf("archived orders after cancel = %+v, want cancelled order appended", archive.orders)
	}
}

func TestReconcileArchivesTerminalOrders(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{})
	archive := &captureArchive{}
	rig.engine.archive = archive
	rig.sim.SetMark("BTCUSD", 50000)

	order, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "BTCUSD", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: 0.1, LimitPrice: 45000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	// Terminal transition observed by polling, not through the engine.
	if _, err := rig.paper.CancelOrder(ctx, order.ProviderOrderID, "BTCUSD"); err != nil {
		t.Fatalf("venue cancel: %v", err)
	}
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(archive.orders) != 1 || archive.orders[0].ID != order.ID || archive.orders[0].Status != domain.OrderStatusCancelled {
		t.Fatalf("archived orders after reconcile = %+v, want the cancelled order", archive.orders)
	}
}

func TestSnapshotPositions(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, RiskConfig{})
	rig.sim.SetMark("ETHUSD", 3000)

	if _, err := rig.engine.SubmitOrder(ctx, "paper", domain.OrderRequest{
		Symbol: "ETHUSD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 2,
	}); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	rig.engine.SnapshotPositions(ctx)

	positions, err := rig.orders.ListPositions(ctx, "paper")
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "ETHUSD" || positions[0].Quantity != 2 {
		t.Errorf("stored snapshot = %+v, want one 2.0 ETHUSD long", positions)
	}
}

func TestRiskMaxOpenPositions(t *testing.T) {
	rm := NewRiskManager(RiskConfig{MaxOpenPositions: 2})
	state := AccountState{
		Equity:   10000,
		RefPrice: 100,
		Positions: []domain.Position{
			{Symbol: "AAA", Quantity: 1},
			{Symbol: "BBB", Quantity: 1},
		},
	}

	newSymbol := domain.OrderRequest{Symbol: "CCC", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 1}
	if err := rm.CheckOrder(newSymbol, state); !errors.Is(err, ErrRiskRejected) {
		t.Errorf("CheckOrder for third symbol = %v, want ErrRiskRejected", err)
	}

	existing := domain.OrderRequest{Symbol: "AAA", Side: domain.SideSell, Type: domain.OrderTypeMarket, Quantity: 1}
	if err := rm.CheckOrder(existing, state); err != nil {
		t.Errorf("CheckOrder for existing symbol = %v, want nil", err)
	}
}

func TestRiskLeverageCeiling(t *testing.T) {
	rm := NewRiskManager(RiskConfig{MaxLeverage: 5})
	state := AccountState{
		Equity:   10000,
		RefPrice: 100,
		Positions: []domain.Position{
			{Symbol: "AAA", Quantity: 1, Leverage: 10},
		},
	}
	req := domain.OrderRequest{Symbol: "BBB", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 1}
	if err := rm.CheckOrder(req, state); !errors.Is(err, ErrRiskRejected) {
		t.Errorf("CheckOrder over leverage ceiling = %v, want ErrRiskRejected", err)
	}
}
