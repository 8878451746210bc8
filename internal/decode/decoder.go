package decode

import (
	"fmt"
	"strconv"
	"strings"

	"lendindexer/internal/ingesterr"
	"lendindexer/internal/numeric"
)

// DomainEvent is the closed set of typed variants the decoder can produce.
// Handlers type-switch on this instead of ever touching a raw attribute map.
type DomainEvent interface {
	isDomainEvent()
}

func (MarketInstantiated) isDomainEvent()  {}
func (Supply) isDomainEvent()              {}
func (Withdraw) isDomainEvent()            {}
func (SupplyCollateral) isDomainEvent()    {}
func (WithdrawCollateral) isDomainEvent()  {}
func (Borrow) isDomainEvent()              {}
func (Repay) isDomainEvent()               {}
func (Liquidate) isDomainEvent()           {}
func (AccrueInterest) isDomainEvent()      {}
func (UpdateParams) isDomainEvent()        {}

// Target classifies which contract a wasm event was emitted by, matching
// spec §4.5 step 3's factory/market/ignore dispatch.
type Target int

const (
	// TargetIgnore means the emitter is neither the factory nor a known
	// market; the event is silently skipped.
	TargetIgnore Target = iota
	// TargetFactory means the emitter is the configured factory address.
	TargetFactory
	// TargetMarket means the emitter is a known market address.
	TargetMarket
)

// Classify determines which decode path applies to a raw event, per spec
// §4.5 step 3: factory address, known market address set, or ignore.
func Classify(contractAddress, factoryAddress string, knownMarkets map[string]struct{}) Target {
	addr := numeric.NormalizeAddress(contractAddress)
	if addr == numeric.NormalizeAddress(factoryAddress) {
		return TargetFactory
	}
	if _, ok := knownMarkets[addr]; ok {
		return TargetMarket
	}
	return TargetIgnore
}

// ContractAddress extracts the emitter address attribute, preferring
// "_contract_address" over the legacy "contract_address" alias (spec §4.2).
func ContractAddress(attrs map[string]string) (string, bool) {
	if v, ok := attrs["_contract_address"]; ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	if v, ok := attrs["contract_address"]; ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	return "", false
}

// DecodeFactory decodes a wasm event already known to have been emitted by
// the factory contract. Only "market_instantiated" is recognized; any other
// action is silently skipped ((nil, nil)). A recognized action missing
// required attributes is a DataViolation: dropped with a warning, no
// projection change.
func DecodeFactory(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	action := attrs["action"]
	switch action {
	case "market_instantiated":
		marketID, ok1 := nonEmpty(attrs, "market_id")
		marketAddr, ok2 := nonEmpty(attrs, "market_address")
		if !ok1 || !ok2 {
			return nil, ingesterr.DataViolation("market_instantiated missing required attributes", fmt.Errorf("market_id=%q market_address=%q", attrs["market_id"], attrs["market_address"]))
		}
		return MarketInstantiated{EventMeta: meta, MarketID: marketID, MarketAddress: marketAddr}, nil
	default:
		return nil, nil
	}
}

// DecodeMarket decodes a wasm event already known to have been emitted by a
// tracked market contract, dispatching on the "action" attribute per the
// table in spec §4.2.
func DecodeMarket(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	action := attrs["action"]
	switch action {
	case "supply":
		return decodeSupply(attrs, meta)
	case "withdraw":
		return decodeWithdraw(attrs, meta)
	case "supply_collateral":
		return decodeSupplyCollateral(attrs, meta)
	case "withdraw_collateral":
		return decodeWithdrawCollateral(attrs, meta)
	case "borrow":
		return decodeBorrow(attrs, meta)
	case "repay":
		return decodeRepay(attrs, meta)
	case "liquidate":
		return decodeLiquidate(attrs, meta)
	case "accrue_interest":
		return decodeAccrueInterest(attrs, meta)
	case "update_params":
		return decodeUpdateParams(attrs, meta)
	default:
		return nil, nil
	}
}

func nonEmpty(attrs map[string]string, key string) (string, bool) {
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func required(attrs map[string]string, action string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := nonEmpty(attrs, k)
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	if len(missing) > 0 {
		return nil, ingesterr.DataViolation(fmt.Sprintf("%s missing required attributes", action), fmt.Errorf("missing: %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

func parseAmount(attrs map[string]string, key, action string) (numeric.Amount, error) {
	v, ok := attrs[key]
	if !ok {
		return numeric.Amount{}, ingesterr.DataViolation(fmt.Sprintf("%s missing %s", action, key), nil)
	}
	a, err := numeric.ParseAmount(v)
	if err != nil {
		return numeric.Amount{}, ingesterr.DataViolation(fmt.Sprintf("%s invalid %s", action, key), err)
	}
	return a, nil
}

func parseRatio(attrs map[string]string, key, action string) (numeric.Ratio, error) {
	v, ok := attrs[key]
	if !ok {
		return numeric.Ratio{}, ingesterr.DataViolation(fmt.Sprintf("%s missing %s", action, key), nil)
	}
	r, err := numeric.ParseRatio(v)
	if err != nil {
		return numeric.Ratio{}, ingesterr.DataViolation(fmt.Sprintf("%s invalid %s", action, key), err)
	}
	return r, nil
}

func decodeSupply(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "supply"
	req, err := required(attrs, action, "supplier", "recipient", "amount", "scaled_amount", "borrow_index", "liquidity_index", "total_supply", "total_debt", "utilization")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req, "amount", action)
	if err != nil {
		return nil, err
	}
	scaled, err := parseAmount(req, "scaled_amount", action)
	if err != nil {
		return nil, err
	}
	borrowIdx, err := parseRatio(req, "borrow_index", action)
	if err != nil {
		return nil, err
	}
	liqIdx, err := parseRatio(req, "liquidity_index", action)
	if err != nil {
		return nil, err
	}
	totalSupply, err := parseAmount(req, "total_supply", action)
	if err != nil {
		return nil, err
	}
	totalDebt, err := parseAmount(req, "total_debt", action)
	if err != nil {
		return nil, err
	}
	util, err := parseRatio(req, "utilization", action)
	if err != nil {
		return nil, err
	}
	return Supply{
		EventMeta: meta, Supplier: req["supplier"], Recipient: req["recipient"],
		Amount: amount, ScaledAmount: scaled, BorrowIndex: borrowIdx, LiquidityIndex: liqIdx,
		TotalSupply: totalSupply, TotalDebt: totalDebt, Utilization: util,
	}, nil
}

func decodeWithdraw(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "withdraw"
	req, err := required(attrs, action, "withdrawer", "recipient", "amount", "scaled_decrease", "borrow_index", "liquidity_index", "total_supply", "total_debt", "utilization")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req, "amount", action)
	if err != nil {
		return nil, err
	}
	scaled, err := parseAmount(req, "scaled_decrease", action)
	if err != nil {
		return nil, err
	}
	borrowIdx, err := parseRatio(req, "borrow_index", action)
	if err != nil {
		return nil, err
	}
	liqIdx, err := parseRatio(req, "liquidity_index", action)
	if err != nil {
		return nil, err
	}
	totalSupply, err := parseAmount(req, "total_supply", action)
	if err != nil {
		return nil, err
	}
	totalDebt, err := parseAmount(req, "total_debt", action)
	if err != nil {
		return nil, err
	}
	util, err := parseRatio(req, "utilization", action)
	if err != nil {
		return nil, err
	}
	return Withdraw{
		EventMeta: meta, Withdrawer: req["withdrawer"], Recipient: req["recipient"],
		Amount: amount, ScaledDecrease: scaled, BorrowIndex: borrowIdx, LiquidityIndex: liqIdx,
		TotalSupply: totalSupply, TotalDebt: totalDebt, Utilization: util,
	}, nil
}

func decodeSupplyCollateral(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "supply_collateral"
	req, err := required(attrs, action, "supplier", "recipient", "amount")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req, "amount", action)
	if err != nil {
		return nil, err
	}
	return SupplyCollateral{EventMeta: meta, Supplier: req["supplier"], Recipient: req["recipient"], Amount: amount}, nil
}

func decodeWithdrawCollateral(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "withdraw_collateral"
	req, err := required(attrs, action, "withdrawer", "recipient", "amount")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req, "amount", action)
	if err != nil {
		return nil, err
	}
	return WithdrawCollateral{EventMeta: meta, Withdrawer: req["withdrawer"], Recipient: req["recipient"], Amount: amount}, nil
}

func decodeBorrow(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "borrow"
	req, err := required(attrs, action, "borrower", "recipient", "amount", "scaled_amount", "borrow_index", "liquidity_index", "total_supply", "total_debt", "utilization")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req, "amount", action)
	if err != nil {
		return nil, err
	}
	scaled, err := parseAmount(req, "scaled_amount", action)
	if err != nil {
		return nil, err
	}
	borrowIdx, err := parseRatio(req, "borrow_index", action)
	if err != nil {
		return nil, err
	}
	liqIdx, err := parseRatio(req, "liquidity_index", action)
	if err != nil {
		return nil, err
	}
	totalSupply, err := parseAmount(req, "total_supply", action)
	if err != nil {
		return nil, err
	}
	totalDebt, err := parseAmount(req, "total_debt", action)
	if err != nil {
		return nil, err
	}
	util, err := parseRatio(req, "utilization", action)
	if err != nil {
		return nil, err
	}
	return Borrow{
		EventMeta: meta, Borrower: req["borrower"], Recipient: req["recipient"],
		Amount: amount, ScaledAmount: scaled, BorrowIndex: borrowIdx, LiquidityIndex: liqIdx,
		TotalSupply: totalSupply, TotalDebt: totalDebt, Utilization: util,
	}, nil
}

func decodeRepay(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "repay"
	req, err := required(attrs, action, "repayer", "borrower", "amount", "scaled_decrease", "borrow_index", "liquidity_index", "total_supply", "total_debt", "utilization")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req, "amount", action)
	if err != nil {
		return nil, err
	}
	scaled, err := parseAmount(req, "scaled_decrease", action)
	if err != nil {
		return nil, err
	}
	borrowIdx, err := parseRatio(req, "borrow_index", action)
	if err != nil {
		return nil, err
	}
	liqIdx, err := parseRatio(req, "liquidity_index", action)
	if err != nil {
		return nil, err
	}
	totalSupply, err := parseAmount(req, "total_supply", action)
	if err != nil {
		return nil, err
	}
	totalDebt, err := parseAmount(req, "total_debt", action)
	if err != nil {
		return nil, err
	}
	util, err := parseRatio(req, "utilization", action)
	if err != nil {
		return nil, err
	}
	return Repay{
		EventMeta: meta, Repayer: req["repayer"], Borrower: req["borrower"],
		Amount: amount, ScaledDecrease: scaled, BorrowIndex: borrowIdx, LiquidityIndex: liqIdx,
		TotalSupply: totalSupply, TotalDebt: totalDebt, Utilization: util,
	}, nil
}

func decodeLiquidate(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "liquidate"
	req, err := required(attrs, action, "liquidator", "borrower", "debt_repaid", "collateral_seized", "protocol_fee", "scaled_debt_decrease", "borrow_index", "liquidity_index", "total_supply", "total_debt", "total_collateral", "utilization")
	if err != nil {
		return nil, err
	}
	debtRepaid, err := parseAmount(req, "debt_repaid", action)
	if err != nil {
		return nil, err
	}
	collateralSeized, err := parseAmount(req, "collateral_seized", action)
	if err != nil {
		return nil, err
	}
	protocolFee, err := parseAmount(req, "protocol_fee", action)
	if err != nil {
		return nil, err
	}
	scaledDebtDecrease, err := parseAmount(req, "scaled_debt_decrease", action)
	if err != nil {
		return nil, err
	}
	borrowIdx, err := parseRatio(req, "borrow_index", action)
	if err != nil {
		return nil, err
	}
	liqIdx, err := parseRatio(req, "liquidity_index", action)
	if err != nil {
		return nil, err
	}
	totalSupply, err := parseAmount(req, "total_supply", action)
	if err != nil {
		return nil, err
	}
	totalDebt, err := parseAmount(req, "total_debt", action)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := parseAmount(req, "total_collateral", action)
	if err != nil {
		return nil, err
	}
	util, err := parseRatio(req, "utilization", action)
	if err != nil {
		return nil, err
	}
	return Liquidate{
		EventMeta: meta, Liquidator: req["liquidator"], Borrower: req["borrower"],
		DebtRepaid: debtRepaid, CollateralSeized: collateralSeized, ProtocolFee: protocolFee,
		ScaledDebtDecrease: scaledDebtDecrease, BorrowIndex: borrowIdx, LiquidityIndex: liqIdx,
		TotalSupply: totalSupply, TotalDebt: totalDebt, TotalCollateral: totalCollateral, Utilization: util,
	}, nil
}

func decodeAccrueInterest(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "accrue_interest"
	req, err := required(attrs, action, "borrow_index", "liquidity_index", "borrow_rate", "liquidity_rate", "last_update")
	if err != nil {
		return nil, err
	}
	borrowIdx, err := parseRatio(req, "borrow_index", action)
	if err != nil {
		return nil, err
	}
	liqIdx, err := parseRatio(req, "liquidity_index", action)
	if err != nil {
		return nil, err
	}
	borrowRate, err := parseRatio(req, "borrow_rate", action)
	if err != nil {
		return nil, err
	}
	liqRate, err := parseRatio(req, "liquidity_rate", action)
	if err != nil {
		return nil, err
	}
	lastUpdate, err := strconv.ParseInt(req["last_update"], 10, 64)
	if err != nil {
		return nil, ingesterr.DataViolation(action+" invalid last_update", err)
	}
	return AccrueInterest{
		EventMeta: meta, BorrowIndex: borrowIdx, LiquidityIndex: liqIdx,
		BorrowRate: borrowRate, LiquidityRate: liqRate, LastUpdate: lastUpdate,
	}, nil
}

func parseBool(attrs map[string]string, key, action string) (bool, error) {
	v, ok := nonEmpty(attrs, key)
	if !ok {
		return false, ingesterr.DataViolation(fmt.Sprintf("%s missing %s", action, key), nil)
	}
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, ingesterr.DataViolation(fmt.Sprintf("%s invalid %s", action, key), fmt.Errorf("value %q", v))
	}
}

func decodeUpdateParams(attrs map[string]string, meta EventMeta) (DomainEvent, error) {
	const action = "update_params"
	req, err := required(attrs, action, "final_ltv", "final_liquidation_threshold", "final_liquidation_bonus", "final_liquidation_protocol_fee", "final_close_factor", "final_protocol_fee", "final_curator_fee", "final_enabled", "final_is_mutable")
	if err != nil {
		return nil, err
	}
	ltv, err := parseRatio(req, "final_ltv", action)
	if err != nil {
		return nil, err
	}
	liqThreshold, err := parseRatio(req, "final_liquidation_threshold", action)
	if err != nil {
		return nil, err
	}
	liqBonus, err := parseRatio(req, "final_liquidation_bonus", action)
	if err != nil {
		return nil, err
	}
	liqProtocolFee, err := parseRatio(req, "final_liquidation_protocol_fee", action)
	if err != nil {
		return nil, err
	}
	closeFactor, err := parseRatio(req, "final_close_factor", action)
	if err != nil {
		return nil, err
	}
	protocolFee, err := parseRatio(req, "final_protocol_fee", action)
	if err != nil {
		return nil, err
	}
	curatorFee, err := parseRatio(req, "final_curator_fee", action)
	if err != nil {
		return nil, err
	}
	enabled, err := parseBool(req, "final_enabled", action)
	if err != nil {
		return nil, err
	}
	isMutable, err := parseBool(req, "final_is_mutable", action)
	if err != nil {
		return nil, err
	}

	var supplyCap, borrowCap *numeric.Amount
	if v, ok := nonEmpty(attrs, "final_supply_cap"); ok {
		cap, err := numeric.ParseAmount(v)
		if err != nil {
			return nil, ingesterr.DataViolation(action+" invalid final_supply_cap", err)
		}
		supplyCap = &cap
	}
	if v, ok := nonEmpty(attrs, "final_borrow_cap"); ok {
		cap, err := numeric.ParseAmount(v)
		if err != nil {
			return nil, ingesterr.DataViolation(action+" invalid final_borrow_cap", err)
		}
		borrowCap = &cap
	}

	return UpdateParams{
		EventMeta: meta, LTV: ltv, LiquidationThreshold: liqThreshold, LiquidationBonus: liqBonus,
		LiquidationProtocolFee: liqProtocolFee, CloseFactor: closeFactor, ProtocolFee: protocolFee,
		CuratorFee: curatorFee, SupplyCap: supplyCap, BorrowCap: borrowCap, Enabled: enabled, IsMutable: isMutable,
	}, nil
}
