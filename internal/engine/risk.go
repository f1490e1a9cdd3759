package engine

import (
	"errors"
	"fmt"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// ErrRiskRejected marks an order refused by a pre-trade risk rule.
var ErrRiskRejected = errors.New("risk check rejected order")

// AccountState is the snapshot the risk rules evaluate against.
type AccountState struct {
	Equity    float64
	Positions []domain.Position
	// RefPrice is the reference price for the order's notional: the limit
	// price when present, otherwise the current quote.
	RefPrice float64
}

// RiskConfig tunes the pre-trade rules. Zero values disable the
// corresponding rule.
type RiskConfig struct {
	// MaxPositionPct caps one order's notional as a fraction of equity.
	MaxPositionPct float64
	// MaxOpenPositions caps the number of concurrently open positions.
	MaxOpenPositions int
	// MaxLeverage caps position leverage account-wide.
	MaxLeverage float64
	// SettlementCurrency is the currency equity is read in. Defaults to USD.
	SettlementCurrency string
}

// RiskManager enforces pre-trade risk rules: position sizing, position
// count, and leverage ceilings.
type RiskManager struct {
	cfg RiskConfig
}

// NewRiskManager creates a RiskManager with the specified thresholds.
func NewRiskManager(cfg RiskConfig) *RiskManager {
	return &RiskManager{cfg: cfg}
}

// Currency returns the settlement currency equity is measured in.
func (rm *RiskManager) Currency() string {
	if rm.cfg.SettlementCurrency == "" {
		return "USD"
	}
	return rm.cfg.SettlementCurrency
}

// CheckOrder evaluates whether the proposed order complies with the
// configured limits given the current account state.
func (rm *RiskManager) CheckOrder(req domain.OrderRequest, state AccountState) error {
	if rm.cfg.MaxPositionPct > 0 && state.Equity > 0 {
		notional := req.Quantity * state.RefPrice
		limit := state.Equity * rm.cfg.MaxPositionPct
		if notional > limit {
			return fmt.Errorf("%w: notional %.2f exceeds %.2f (%.0f%% of equity)",
				ErrRiskRejected, notional, limit, rm.cfg.MaxPositionPct*100)
		}
	}

	if rm.cfg.MaxOpenPositions > 0 {
		open := len(state.Positions)
		increases := true
		for _, p := range state.Positions {
			if p.Symbol == req.Symbol {
				// Adding to or reducing an existing position does not
				// change the count.
				increases = false
				break
			}
		}
		if increases && open >= rm.cfg.MaxOpenPositions {
			return fmt.Errorf("%w: already %d open positions (max %d)",
				ErrRiskRejected, open, rm.cfg.MaxOpenPositions)
		}
	}

	if rm.cfg.MaxLeverage > 0 {
		for _, p := range state.Positions {
			if p.Leverage > rm.cfg.MaxLeverage {
				return fmt.Errorf("%w: position %s at %gx exceeds leverage ceiling %gx",
					ErrRiskRejected, p.Symbol, p.Leverage, rm.cfg.MaxLeverage)
			}
		}
	}
	return nil
}
