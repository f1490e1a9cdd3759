package broker

import (
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// StatusTable maps one provider's native order-status vocabulary onto the
// canonical set. Lookups are case-insensitive; keys are stored lowercase.
type StatusTable map[string]domain.OrderStatus

// NormalizeStatus maps a native status through the table. Unknown statuses
// map to Pending -- the least-surprising open-ended state -- and are logged
// at warn level so adapter maintainers notice new vocabulary.
func NormalizeStatus(table StatusTable, native string, log *slog.Logger) domain.OrderStatus {
	if s, ok := table[strings.ToLower(native)]; ok {
		return s
	}
	if log != nil {
		log.Warn("unmapped provider order status", "status", native)
	}
	return domain.OrderStatusPending
}

// NormalizeLeverage converts a provider-native margin snapshot into the
// canonical LeverageInfo. Margin health comes from the provider directly
// when reported, otherwise it is derived as
// (equity - maintenance) / maintenance, clamped to [0, 1].
func NormalizeLeverage(pl ProviderLeverage) domain.LeverageInfo {
	info := domain.LeverageInfo{
		Leverage:         pl.Leverage,
		MaxLeverage:      pl.MaxLeverage,
		MarginType:       pl.MarginType,
		Collateral:       pl.Collateral,
		Borrowed:         pl.Borrowed,
		LiquidationPrice: pl.LiquidationPrice,
	}
	if info.Leverage <= 0 {
		info.Leverage = 1
	}
	if info.MarginType == "" {
		info.MarginType = domain.MarginTypeCross
	}

	switch {
	case pl.HealthRatio > 0:
		info.HealthRatio = ClampHealth(pl.HealthRatio)
	case pl.MaintenanceRequirement > 0:
		info.HealthRatio = ClampHealth((pl.Equity - pl.MaintenanceRequirement) / pl.MaintenanceRequirement)
	default:
		info.HealthRatio = 1
	}
	return info
}

// ClampHealth bounds a margin health ratio to [0, 1].
func ClampHealth(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// ParseFloat parses a provider string numeric ("" counts as zero). Venues
// ship prices and quantities as strings; going through decimal avoids the
// intermediate float formatting quirks of a direct strconv parse.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
