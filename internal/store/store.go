// Package store defines storage interfaces for persisting and retrieving
// gateway records such as orders and position snapshots.
package store

import (
	"context"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// OrderStore persists and retrieves order records. The gateway journals
// every order before submission and updates it as reconciliation observes
// state changes.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its system ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status. An empty
	// status returns every order.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListOpenOrders returns orders not yet in a terminal state; these are
	// the reconciliation targets.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// PositionStore persists point-in-time position snapshots per broker.
type PositionStore interface {
	// SavePositions replaces the stored snapshot for one broker.
	SavePositions(ctx context.Context, broker string, positions []domain.Position) error

	// ListPositions returns the last stored snapshot for one broker.
	ListPositions(ctx context.Context, broker string) ([]domain.Position, error)
}

// Archiver exports daily records for offline analysis.
type Archiver interface {
	// ArchiveOrders writes the day's orders to the archive.
	ArchiveOrders(ctx context.Context, day time.Time, orders []domain.Order) error

	// ArchivePositions writes a position snapshot to the archive.
	ArchivePositions(ctx context.Context, broker string, at time.Time, positions []domain.Position) error
}
