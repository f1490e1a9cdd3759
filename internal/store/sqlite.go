package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore implements OrderStore and PositionStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	provider_order_id TEXT NOT NULL DEFAULT '',
	client_order_id   TEXT NOT NULL DEFAULT '',
	broker            TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	quantity          REAL NOT NULL,
	limit_price       REAL NOT NULL DEFAULT 0,
	stop_price        REAL NOT NULL DEFAULT 0,
	filled_quantity   REAL NOT NULL DEFAULT 0,
	avg_fill_price    REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	strategy_id       TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker);

CREATE TABLE IF NOT EXISTS positions (
	broker            TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	quantity          REAL NOT NULL,
	entry_price       REAL NOT NULL,
	mark_price        REAL NOT NULL,
	leverage          REAL NOT NULL DEFAULT 1,
	margin_type       TEXT NOT NULL DEFAULT 'none',
	liquidation_price REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (broker, symbol)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, provider_order_id, client_order_id, broker, symbol, side, type,
			quantity, limit_price, stop_price, filled_quantity, avg_fill_price,
			status, strategy_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ProviderOrderID, o.ClientOrderID, o.Broker, o.Symbol,
		string(o.Side), string(o.Type), o.Quantity, o.LimitPrice, o.StopPrice,
		o.FilledQuantity, o.AvgFillPrice, string(o.Status), o.StrategyID,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	return err
}

// GetOrder retrieves a single order by its system ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_order_id, client_order_id, broker, symbol, side,
		       type, quantity, limit_price, stop_price, filled_quantity,
		       avg_fill_price, status, strategy_id, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns all orders matching the given status, newest first. An
// empty status returns every order.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	q := `
		SELECT id, provider_order_id, client_order_id, broker, symbol, side,
		       type, quantity, limit_price, stop_price, filled_quantity,
		       avg_fill_price, status, strategy_id, created_at, updated_at
		FROM orders`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOpenOrders returns orders not yet in a terminal state.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_order_id, client_order_id, broker, symbol, side,
		       type, quantity, limit_price, stop_price, filled_quantity,
		       avg_fill_price, status, strategy_id, created_at, updated_at
		FROM orders
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		string(domain.OrderStatusPending),
		string(domain.OrderStatusOpen),
		string(domain.OrderStatusPartiallyFilled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			provider_order_id = ?, filled_quantity = ?, avg_fill_price = ?,
			status = ?, updated_at = ?
		WHERE id = ?`,
		o.ProviderOrderID, o.FilledQuantity, o.AvgFillPrice, string(o.Status),
		o.UpdatedAt.UnixMilli(), o.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePositions replaces the stored snapshot for one broker in a single
// transaction.
func (s *SQLiteStore) SavePositions(ctx context.Context, broker string, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE broker = ?`, broker); err != nil {
		return err
	}
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (
				broker, symbol, side, quantity, entry_price, mark_price,
				leverage, margin_type, liquidation_price
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			broker, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice,
			p.MarkPrice, p.Leverage, string(p.MarginType), p.LiquidationPrice); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPositions returns the last stored snapshot for one broker.
func (s *SQLiteStore) ListPositions(ctx context.Context, broker string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, quantity, entry_price, mark_price, leverage,
		       margin_type, liquidation_price
		FROM positions WHERE broker = ? ORDER BY symbol ASC`, broker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var side, marginType string
		if err := rows.Scan(&p.Symbol, &side, &p.Quantity, &p.EntryPrice,
			&p.MarkPrice, &p.Leverage, &marginType, &p.LiquidationPrice); err != nil {
			return nil, err
		}
		p.Side = domain.Side(side)
		p.MarginType = domain.MarginType(marginType)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, otype, status string
	var createdMs, updatedMs int64
	err := r.Scan(&o.ID, &o.ProviderOrderID, &o.ClientOrderID, &o.Broker,
		&o.Symbol, &side, &otype, &o.Quantity, &o.LimitPrice, &o.StopPrice,
		&o.FilledQuantity, &o.AvgFillPrice, &status, &o.StrategyID,
		&createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.UnixMilli(createdMs).UTC()
	o.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
