package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"lendindexer/internal/decode"
	"lendindexer/internal/ingesterr"
	"lendindexer/internal/numeric"
	"lendindexer/internal/store"
)

// contractConfig is the shape returned by a market contract's {config: {}}
// query (spec §4.3.1: curator/collateral/debt/oracle/immutable fields).
type contractConfig struct {
	Curator         string `json:"curator"`
	CollateralDenom string `json:"collateral_denom"`
	DebtDenom       string `json:"debt_denom"`
	Oracle          string `json:"oracle"`
}

// contractParams is the shape returned by a market contract's {params: {}}
// query (spec §4.3.7's mutable parameter set, at their initial values).
type contractParams struct {
	LTV                    string  `json:"ltv"`
	LiquidationThreshold   string  `json:"liquidation_threshold"`
	LiquidationBonus       string  `json:"liquidation_bonus"`
	LiquidationProtocolFee string  `json:"liquidation_protocol_fee"`
	CloseFactor            string  `json:"close_factor"`
	ProtocolFee            string  `json:"protocol_fee"`
	CuratorFee             string  `json:"curator_fee"`
	SupplyCap              *string `json:"supply_cap,omitempty"`
	BorrowCap              *string `json:"borrow_cap,omitempty"`
	Enabled                bool    `json:"enabled"`
	IsMutable              bool    `json:"is_mutable"`
	InterestRateModel      json.RawMessage `json:"interest_rate_model,omitempty"`
}

// HandleMarketInstantiated implements spec §4.3.1. Idempotent on Market.id:
// if the market already exists this is a no-op. Any contract query failure
// aborts the handler so the processor retries the block.
func HandleMarketInstantiated(ctx context.Context, tx *store.Store, chain ContractQuerier, ev decode.MarketInstantiated) (Publish, error) {
	_, ok, err := tx.GetMarket(ctx, ev.MarketID)
	if err != nil {
		return Publish{}, err
	}
	if ok {
		return Publish{}, nil
	}

	var cfg contractConfig
	if err := chain.QueryContract(ctx, ev.MarketAddress, map[string]any{"config": struct{}{}}, &cfg); err != nil {
		return Publish{}, ingesterr.TransientRpc(fmt.Sprintf("query config for market %s", ev.MarketID), err)
	}
	var params contractParams
	if err := chain.QueryContract(ctx, ev.MarketAddress, map[string]any{"params": struct{}{}}, &params); err != nil {
		return Publish{}, ingesterr.TransientRpc(fmt.Sprintf("query params for market %s", ev.MarketID), err)
	}

	ltv, err := numeric.ParseRatio(params.LTV)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid ltv from contract query", err)
	}
	liqThreshold, err := numeric.ParseRatio(params.LiquidationThreshold)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid liquidation_threshold from contract query", err)
	}
	liqBonus, err := numeric.ParseRatio(params.LiquidationBonus)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid liquidation_bonus from contract query", err)
	}
	liqProtocolFee, err := numeric.ParseRatio(params.LiquidationProtocolFee)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid liquidation_protocol_fee from contract query", err)
	}
	closeFactor, err := numeric.ParseRatio(params.CloseFactor)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid close_factor from contract query", err)
	}
	protocolFee, err := numeric.ParseRatio(params.ProtocolFee)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid protocol_fee from contract query", err)
	}
	curatorFee, err := numeric.ParseRatio(params.CuratorFee)
	if err != nil {
		return Publish{}, ingesterr.DataViolation("market_instantiated: invalid curator_fee from contract query", err)
	}

	var supplyCap, borrowCap *numeric.Amount
	if params.SupplyCap != nil {
		parsedCap, err := numeric.ParseAmount(*params.SupplyCap)
		if err != nil {
			return Publish{}, ingesterr.DataViolation("market_instantiated: invalid supply_cap from contract query", err)
		}
		supplyCap = &parsedCap
	}
	if params.BorrowCap != nil {
		parsedCap, err := numeric.ParseAmount(*params.BorrowCap)
		if err != nil {
			return Publish{}, ingesterr.DataViolation("market_instantiated: invalid borrow_cap from contract query", err)
		}
		borrowCap = &parsedCap
	}

	market := &store.Market{
		ID:                     ev.MarketID,
		MarketAddress:          ev.MarketAddress,
		Curator:                cfg.Curator,
		CollateralDenom:        cfg.CollateralDenom,
		DebtDenom:              cfg.DebtDenom,
		Oracle:                 cfg.Oracle,
		CreatedAtBlock:         ev.BlockHeight,
		LoanToValue:            ltv,
		LiquidationThreshold:   liqThreshold,
		LiquidationBonus:       liqBonus,
		LiquidationProtocolFee: liqProtocolFee,
		CloseFactor:            closeFactor,
		ProtocolFee:            protocolFee,
		CuratorFee:             curatorFee,
		SupplyCap:              supplyCap,
		BorrowCap:              borrowCap,
		Enabled:                params.Enabled,
		IsMutable:              params.IsMutable,
		InterestRateModel:      string(params.InterestRateModel),
		BorrowIndex:            numeric.One(),
		LiquidityIndex:         numeric.One(),
		BorrowRate:             numeric.RatioZero(),
		LiquidityRate:          numeric.RatioZero(),
		TotalSupplyScaled:      numeric.Zero(),
		TotalDebtScaled:        numeric.Zero(),
		TotalCollateral:        numeric.Zero(),
		Utilization:            numeric.RatioZero(),
		AvailableLiquidity:     numeric.Zero(),
		LastUpdate:             ev.BlockTime,
	}
	if err := tx.CreateMarket(ctx, market); err != nil {
		return Publish{}, err
	}
	if err := tx.CreateMarketSnapshot(ctx, dereferencedSnapshot(market, ev.BlockTime, ev.BlockHeight)); err != nil {
		return Publish{}, err
	}

	var pub Publish
	pub.addMarket(market.ID)
	return pub, nil
}
