// Package handlers implements C4: one handler per decoded event variant.
// Each handler reads pre-state, computes post-state, and writes within the
// single store transaction its caller (C5) has already opened; handlers
// never open their own transaction. Grounded on the read-compute-write
// shape of services/lending/engine.Market/Position and on the
// sentinel-error classification of services/lending/server/errors.go,
// re-expressed through the ingesterr taxonomy.
package handlers

import (
	"context"
	"fmt"

	"lendindexer/internal/ingesterr"
	"lendindexer/internal/numeric"
	"lendindexer/internal/store"
)

// ContractQuerier is the synchronous smart-contract query surface a handler
// needs (only market_instantiated uses it). Declared as an interface so
// handler tests can supply a fake instead of a live chain.Adapter.
type ContractQuerier interface {
	QueryContract(ctx context.Context, address string, query, dst any) error
}

// Publish describes the post-commit notifications a handler wants
// delivered once its transaction has committed (spec §4.3's "post-commit"
// rule and §9's "publishers and subscribers must not share transactions").
// The caller (C5) publishes these only after RunInTransaction returns nil.
type Publish struct {
	MarketsUpdated       []string
	PositionsUpdated     []string
	NewTransactionMarket string
	HasNewTransaction    bool
}

func (p *Publish) addMarket(marketID string) {
	p.MarketsUpdated = append(p.MarketsUpdated, marketID)
}

func (p *Publish) addPosition(userAddress string) {
	p.PositionsUpdated = append(p.PositionsUpdated, userAddress)
}

func (p *Publish) addTransaction(marketID string) {
	p.HasNewTransaction = true
	p.NewTransactionMarket = marketID
}

// loadMarketOrFail enforces the "pre-existence of the market" rule shared
// by every market-event handler (spec §4.3): absence aborts the block so it
// can be retried once the creation event is processed. Market events carry
// only the emitting contract's address (spec §4.2), so the lookup is by
// market_address, not id.
func loadMarketOrFail(ctx context.Context, tx *store.Store, marketAddress string) (*store.Market, error) {
	market, ok, err := tx.GetMarketByAddress(ctx, marketAddress)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ingesterr.DataViolation(fmt.Sprintf("market at address %s not found for tracked event", marketAddress), nil)
	}
	return market, nil
}

// dereferencedSnapshot builds the MarketSnapshot row shared by every
// state-mutating handler (spec §3: dereferenced totals, plus rates/indices
// and the mutable risk params at the time of the event).
func dereferencedSnapshot(m *store.Market, blockTime int64, blockHeight uint64) *store.MarketSnapshot {
	return &store.MarketSnapshot{
		MarketID:             m.ID,
		Timestamp:            blockTime,
		BlockHeight:          blockHeight,
		TotalSupply:          m.LiquidityIndex.MulAmount(m.TotalSupplyScaled),
		TotalDebt:            m.BorrowIndex.MulAmount(m.TotalDebtScaled),
		TotalCollateral:      m.TotalCollateral,
		Utilization:          m.Utilization,
		BorrowIndex:          m.BorrowIndex,
		LiquidityIndex:       m.LiquidityIndex,
		BorrowRate:           m.BorrowRate,
		LiquidityRate:        m.LiquidityRate,
		LoanToValue:          m.LoanToValue,
		LiquidationThreshold: m.LiquidationThreshold,
		Enabled:              m.Enabled,
	}
}

// applyIndicesRatesUtilization overwrites the per-event market state fields
// shared by supply/withdraw/borrow/repay/liquidate (spec §4.3.2-§4.3.5).
func applyIndicesRatesUtilization(m *store.Market, borrowIndex, liquidityIndex, utilization numeric.Ratio) {
	m.BorrowIndex = borrowIndex
	m.LiquidityIndex = liquidityIndex
	m.Utilization = utilization
}
