package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Compile-time interface check.
var _ Archiver = (*ParquetArchive)(nil)

// ParquetArchive exports orders and position snapshots as Parquet files for
// offline analysis.
type ParquetArchive struct {
	Dir string
}

// NewParquetArchive creates an archive rooted at dir.
func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OrderRecord is the Parquet schema for archived orders.
type OrderRecord struct {
	ID              string  `parquet:"id"`
	ProviderOrderID string  `parquet:"provider_order_id"`
	Broker          string  `parquet:"broker"`
	Symbol          string  `parquet:"symbol"`
	Side            string  `parquet:"side"`
	Type            string  `parquet:"type"`
	Quantity        float64 `parquet:"quantity"`
	LimitPrice      float64 `parquet:"limit_price"`
	StopPrice       float64 `parquet:"stop_price"`
	FilledQuantity  float64 `parquet:"filled_quantity"`
	AvgFillPrice    float64 `parquet:"avg_fill_price"`
	Status          string  `parquet:"status"`
	StrategyID      string  `parquet:"strategy_id"`
	CreatedAt       int64   `parquet:"created_at,timestamp(millisecond)"` // Unix ms
	UpdatedAt       int64   `parquet:"updated_at,timestamp(millisecond)"` // Unix ms
}

// PositionRecord is the Parquet schema for archived position snapshots.
type PositionRecord struct {
	Broker        string  `parquet:"broker"`
	Symbol        string  `parquet:"symbol"`
	Side          string  `parquet:"side"`
	Quantity      float64 `parquet:"quantity"`
	EntryPrice    float64 `parquet:"entry_price"`
	MarkPrice     float64 `parquet:"mark_price"`
	UnrealizedPnL float64 `parquet:"unrealized_pnl"`
	Leverage      float64 `parquet:"leverage"`
	MarginType    string  `parquet:"margin_type"`
	At            int64   `parquet:"at,timestamp(millisecond)"` // Unix ms
}

// ---------------------------------------------------------------------------
// Archiver implementation
// ---------------------------------------------------------------------------

// ArchiveOrders writes the day's orders to
// <dir>/orders/<YYYY-MM-DD>.parquet, merging with any records already
// archived for that day. Records are deduplicated by order ID, preferring
// the incoming copy.
func (a *ParquetArchive) ArchiveOrders(_ context.Context, day time.Time, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	path := filepath.Join(a.Dir, "orders", day.Format("2006-01-02")+".parquet")

	records := make([]OrderRecord, 0, len(orders))
	for _, o := range orders {
		records = append(records, OrderRecord{
			ID:              o.ID,
			ProviderOrderID: o.ProviderOrderID,
			Broker:          o.Broker,
			Symbol:          o.Symbol,
			Side:            string(o.Side),
			Type:            string(o.Type),
			Quantity:        o.Quantity,
			LimitPrice:      o.LimitPrice,
			StopPrice:       o.StopPrice,
			FilledQuantity:  o.FilledQuantity,
			AvgFillPrice:    o.AvgFillPrice,
			Status:          string(o.Status),
			StrategyID:      o.StrategyID,
			CreatedAt:       o.CreatedAt.UnixMilli(),
			UpdatedAt:       o.UpdatedAt.UnixMilli(),
		})
	}

	existing, _ := readParquetFile[OrderRecord](path)
	merged := mergeOrderRecords(existing, records)
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving orders for %s: %w", day.Format("2006-01-02"), err)
	}
	return nil
}

// ArchivePositions writes a snapshot to
// <dir>/positions/<broker>/<YYYY-MM-DD>.parquet, appending to the day's
// file.
func (a *ParquetArchive) ArchivePositions(_ context.Context, broker string, at time.Time, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	path := filepath.Join(a.Dir, "positions", broker, at.Format("2006-01-02")+".parquet")

	records := make([]PositionRecord, 0, len(positions))
	for _, p := range positions {
		records = append(records, PositionRecord{
			Broker:        broker,
			Symbol:        p.Symbol,
			Side:          string(p.Side),
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedPnL(),
			Leverage:      p.Leverage,
			MarginType:    string(p.MarginType),
			At:            at.UnixMilli(),
		})
	}

	existing, _ := readParquetFile[PositionRecord](path)
	merged := append(existing, records...)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].At != merged[j].At {
			return merged[i].At < merged[j].At
		}
		return merged[i].Symbol < merged[j].Symbol
	})
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving positions for %s: %w", broker, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderRecords deduplicates by order ID, preferring incoming records.
// Results are sorted by creation time.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	seen := make(map[string]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
