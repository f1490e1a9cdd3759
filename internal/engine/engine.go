// Package engine coordinates order submission, journaling, reconciliation,
// and risk checking across the configured brokers.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/broker"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/store"
)

// Engine orchestrates the trading lifecycle: risk checks before submission,
// an order journal for everything submitted, and a reconciliation loop that
// keeps the journal in sync with each venue.
type Engine struct {
	registry  *broker.Registry
	orders    store.OrderStore
	positions store.PositionStore
	archive   store.Archiver
	risk      *RiskManager
	log       *slog.Logger
}

// NewEngine creates an Engine wired with the given dependencies. archive may
// be nil to disable exports.
func NewEngine(
	registry *broker.Registry,
	orders store.OrderStore,
	positions store.PositionStore,
	archive store.Archiver,
	risk *RiskManager,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		registry:  registry,
		orders:    orders,
		positions: positions,
		archive:   archive,
		risk:      risk,
		log:       log,
	}
}

// SubmitOrder checks the request against risk rules, forwards it to the
// named broker, and journals the result.
func (e *Engine) SubmitOrder(ctx context.Context, brokerName string, req domain.OrderRequest) (*domain.Order, error) {
	b, err := e.registry.Get(brokerName)
	if err != nil {
		return nil, err
	}
	if err := broker.ValidateRequest(req); err != nil {
		return nil, err
	}

	if e.risk != nil {
		state, err := e.accountState(ctx, b, req)
		if err != nil {
			return nil, err
		}
		if err := e.risk.CheckOrder(req, state); err != nil {
			e.log.Warn("order rejected by risk check", "broker", brokerName, "symbol", req.Symbol, "error", err)
			return nil, err
		}
	}

	order, err := b.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if serr := e.orders.SaveOrder(ctx, order); serr != nil {
		// The venue accepted the order; a journal failure must not turn
		// that into a reported rejection.
		e.log.Error("journaling order failed", "order_id", order.ID, "error", serr)
	}
	e.archiveOrder(ctx, order)
	e.log.Info("order submitted", "broker", brokerName, "order_id", order.ID, "symbol", order.Symbol, "status", order.Status)
	return order, nil
}

// archiveOrder exports an order once it reaches a terminal state. The
// archive merges by order ID, so re-archiving after a late update is
// harmless.
func (e *Engine) archiveOrder(ctx context.Context, order *domain.Order) {
	if e.archive == nil || !order.Terminal() {
		return
	}
	if err := e.archive.ArchiveOrders(ctx, order.CreatedAt, []domain.Order{*order}); err != nil {
		e.log.Warn("archiving order failed", "order_id", order.ID, "error", err)
	}
}

// accountState gathers the inputs the risk check needs: equity, open
// positions, and a reference price for the order's notional.
func (e *Engine) accountState(ctx context.Context, b broker.Broker, req domain.OrderRequest) (AccountState, error) {
	bal, err := b.GetBalance(ctx, e.risk.Currency())
	if err != nil {
		return AccountState{}, err
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return AccountState{}, err
	}

	refPrice := req.LimitPrice
	if refPrice <= 0 {
		quote, err := b.GetCurrentPrice(ctx, req.Symbol)
		if err != nil {
			return AccountState{}, err
		}
		refPrice = quote.Price
	}
	return AccountState{
		Equity:    bal.Total,
		Positions: positions,
		RefPrice:  refPrice,
	}, nil
}

// CancelOrder cancels a journaled order on its venue and records the
// resulting state.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	b, err := e.registry.Get(order.Broker)
	if err != nil {
		return nil, err
	}

	updated, err := b.CancelOrder(ctx, order.ProviderOrderID, order.Symbol)
	if err != nil {
		return nil, err
	}
	if order.ApplyUpdate(updated.FilledQuantity, updated.AvgFillPrice, updated.Status, updated.UpdatedAt) {
		if serr := e.orders.UpdateOrder(ctx, order); serr != nil {
			e.log.Error("recording cancel failed", "order_id", order.ID, "error", serr)
		}
		e.archiveOrder(ctx, order)
	}
	return order, nil
}

// GetOrder returns the journaled order by system ID.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.orders.GetOrder(ctx, orderID)
}

// ListOrders returns journaled orders, optionally filtered by status.
func (e *Engine) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return e.orders.ListOrders(ctx, status)
}

// Reconcile refreshes every non-terminal journaled order against its venue
// and persists observed changes. Failures on individual orders are logged
// and skipped so one flaky venue cannot stall the rest.
func (e *Engine) Reconcile(ctx context.Context) error {
	open, err := e.orders.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for i := range open {
		order := &open[i]
		b, err := e.registry.Get(order.Broker)
		if err != nil {
			e.log.Warn("reconcile: broker gone", "order_id", order.ID, "broker", order.Broker)
			continue
		}
		fresh, err := b.GetOrderStatus(ctx, order.ProviderOrderID, order.Symbol)
		if err != nil {
			e.log.Warn("reconcile: refresh failed", "order_id", order.ID, "error", err)
			continue
		}
		if order.ApplyUpdate(fresh.FilledQuantity, fresh.AvgFillPrice, fresh.Status, fresh.UpdatedAt) {
			if err := e.orders.UpdateOrder(ctx, order); err != nil {
				e.log.Error("reconcile: update failed", "order_id", order.ID, "error", err)
				continue
			}
			e.archiveOrder(ctx, order)
			e.log.Info("order reconciled", "order_id", order.ID, "status", order.Status, "filled", order.FilledQuantity)
		}
	}
	return nil
}

// SnapshotPositions stores the current position snapshot for every
// connected broker and, when an archive is configured, exports it.
func (e *Engine) SnapshotPositions(ctx context.Context) {
	now := time.Now().UTC()
	for _, name := range e.registry.Names() {
		b, err := e.registry.Get(name)
		if err != nil {
			continue
		}
		if b.State() != domain.ConnConnected {
			continue
		}
		positions, err := b.GetPositions(ctx)
		if err != nil {
			e.log.Warn("snapshot: positions failed", "broker", name, "error", err)
			continue
		}
		if err := e.positions.SavePositions(ctx, name, positions); err != nil {
			e.log.Error("snapshot: save failed", "broker", name, "error", err)
		}
		if e.archive != nil {
			if err := e.archive.ArchivePositions(ctx, name, now, positions); err != nil {
				e.log.Warn("snapshot: archive failed", "broker", name, "error", err)
			}
		}
	}
}

// applyStreamUpdate merges one pushed order update into the journal. The
// system order ID doubles as the client order ID, so the update correlates
// without extra state.
func (e *Engine) applyStreamUpdate(ctx context.Context, update *domain.Order) {
	if update.ClientOrderID == "" {
		return
	}
	order, err := e.orders.GetOrder(ctx, update.ClientOrderID)
	if err != nil {
		// Not journaled here (manual order on the venue); ignore.
		return
	}
	if order.ApplyUpdate(update.FilledQuantity, update.AvgFillPrice, update.Status, update.UpdatedAt) {
		if err := e.orders.UpdateOrder(ctx, order); err != nil {
			e.log.Error("stream: update failed", "order_id", order.ID, "error", err)
			return
		}
		e.archiveOrder(ctx, order)
		e.log.Info("order updated from stream", "order_id", order.ID, "status", order.Status, "filled", order.FilledQuantity)
	}
}

// streamOrders keeps one broker's push channel alive, re-subscribing after
// failures, until ctx is cancelled.
func (e *Engine) streamOrders(ctx context.Context, name string, streamer broker.OrderStreamer) {
	for ctx.Err() == nil {
		err := streamer.StreamOrders(ctx, func(o *domain.Order) {
			e.applyStreamUpdate(ctx, o)
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, broker.ErrUnsupported) {
			return
		}
		e.log.Warn("order stream ended, reconnecting", "broker", name, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Run drives reconciliation and position snapshots on the given interval
// until ctx is cancelled. Brokers with a push channel additionally stream
// order updates; polling remains the source of truth.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	for _, name := range e.registry.Names() {
		b, err := e.registry.Get(name)
		if err != nil {
			continue
		}
		if streamer, ok := b.(broker.OrderStreamer); ok {
			go e.streamOrders(ctx, name, streamer)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.log.Error("reconcile pass failed", "error", err)
			}
			e.SnapshotPositions(ctx)
		}
	}
}
