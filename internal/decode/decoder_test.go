package decode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lendindexer/internal/ingesterr"
)

func TestClassify(t *testing.T) {
	known := map[string]struct{}{"nhb1market": {}}

	require.Equal(t, TargetFactory, Classify("nhb1factory", "nhb1factory", known))
	require.Equal(t, TargetFactory, Classify("NHB1FACTORY", "nhb1factory", known))
	require.Equal(t, TargetMarket, Classify("nhb1market", "nhb1factory", known))
	require.Equal(t, TargetIgnore, Classify("nhb1other", "nhb1factory", known))
}

func TestContractAddress(t *testing.T) {
	addr, ok := ContractAddress(map[string]string{"_contract_address": "nhb1a"})
	require.True(t, ok)
	require.Equal(t, "nhb1a", addr)

	addr, ok = ContractAddress(map[string]string{"contract_address": "nhb1b"})
	require.True(t, ok)
	require.Equal(t, "nhb1b", addr)

	_, ok = ContractAddress(map[string]string{})
	require.False(t, ok)

	_, ok = ContractAddress(map[string]string{"_contract_address": "  "})
	require.False(t, ok)
}

func TestDecodeFactoryMarketInstantiated(t *testing.T) {
	attrs := map[string]string{
		"action":         "market_instantiated",
		"market_id":      "market-1",
		"market_address": "nhb1market",
	}
	evt, err := DecodeFactory(attrs, EventMeta{})
	require.NoError(t, err)
	mi, ok := evt.(MarketInstantiated)
	require.True(t, ok)
	require.Equal(t, "market-1", mi.MarketID)
	require.Equal(t, "nhb1market", mi.MarketAddress)
}

func TestDecodeFactoryMissingAttributesIsDataViolation(t *testing.T) {
	attrs := map[string]string{"action": "market_instantiated", "market_id": "market-1"}
	_, err := DecodeFactory(attrs, EventMeta{})
	require.Error(t, err)
	require.Equal(t, ingesterr.KindDataViolation, ingesterr.Classify(err))
}

func TestDecodeFactoryUnknownActionIsSkipped(t *testing.T) {
	evt, err := DecodeFactory(map[string]string{"action": "something_else"}, EventMeta{})
	require.NoError(t, err)
	require.Nil(t, evt)
}

func TestDecodeMarketUnknownActionIsSkipped(t *testing.T) {
	evt, err := DecodeMarket(map[string]string{"action": "not_a_real_action"}, EventMeta{})
	require.NoError(t, err)
	require.Nil(t, evt)
}

func supplyAttrs() map[string]string {
	return map[string]string{
		"action":          "supply",
		"supplier":        "nhb1supplier",
		"recipient":       "nhb1recipient",
		"amount":          "1000",
		"scaled_amount":   "900",
		"borrow_index":    "1.0",
		"liquidity_index": "1.0",
		"total_supply":    "5000",
		"total_debt":      "2000",
		"utilization":     "0.4",
	}
}

func TestDecodeMarketSupply(t *testing.T) {
	evt, err := DecodeMarket(supplyAttrs(), EventMeta{BlockHeight: 10})
	require.NoError(t, err)
	supply, ok := evt.(Supply)
	require.True(t, ok)
	require.Equal(t, "nhb1supplier", supply.Supplier)
	require.Equal(t, "1000", supply.Amount.String())
	require.Equal(t, uint64(10), supply.BlockHeight)
}

func TestDecodeMarketSupplyMissingFieldIsDataViolation(t *testing.T) {
	attrs := supplyAttrs()
	delete(attrs, "amount")
	_, err := DecodeMarket(attrs, EventMeta{})
	require.Error(t, err)
	require.Equal(t, ingesterr.KindDataViolation, ingesterr.Classify(err))
}

func TestDecodeMarketSupplyInvalidAmountIsDataViolation(t *testing.T) {
	attrs := supplyAttrs()
	attrs["amount"] = "not-a-number"
	_, err := DecodeMarket(attrs, EventMeta{})
	require.Error(t, err)
	require.Equal(t, ingesterr.KindDataViolation, ingesterr.Classify(err))
}

func TestDecodeMarketLiquidate(t *testing.T) {
	attrs := map[string]string{
		"action":               "liquidate",
		"liquidator":           "nhb1liquidator",
		"borrower":             "nhb1borrower",
		"debt_repaid":          "500",
		"collateral_seized":    "550",
		"protocol_fee":         "5",
		"scaled_debt_decrease": "480",
		"borrow_index":         "1.05",
		"liquidity_index":      "1.02",
		"total_supply":         "10000",
		"total_debt":           "4000",
		"total_collateral":     "9000",
		"utilization":          "0.4",
	}
	evt, err := DecodeMarket(attrs, EventMeta{})
	require.NoError(t, err)
	liq, ok := evt.(Liquidate)
	require.True(t, ok)
	require.Equal(t, "500", liq.DebtRepaid.String())
	require.Equal(t, "550", liq.CollateralSeized.String())
}

func TestDecodeMarketUpdateParamsOptionalCaps(t *testing.T) {
	attrs := map[string]string{
		"action":                         "update_params",
		"final_ltv":                      "0.75",
		"final_liquidation_threshold":    "0.8",
		"final_liquidation_bonus":        "0.05",
		"final_liquidation_protocol_fee": "0.1",
		"final_close_factor":             "0.5",
		"final_protocol_fee":             "0.1",
		"final_curator_fee":              "0.05",
		"final_enabled":                  "true",
		"final_is_mutable":               "false",
	}
	evt, err := DecodeMarket(attrs, EventMeta{})
	require.NoError(t, err)
	params, ok := evt.(UpdateParams)
	require.True(t, ok)
	require.True(t, params.Enabled)
	require.False(t, params.IsMutable)
	require.Nil(t, params.SupplyCap)
	require.Nil(t, params.BorrowCap)

	attrs["final_supply_cap"] = "100000"
	evt, err = DecodeMarket(attrs, EventMeta{})
	require.NoError(t, err)
	params = evt.(UpdateParams)
	require.NotNil(t, params.SupplyCap)
	require.Equal(t, "100000", params.SupplyCap.String())
}

func TestDecodeMarketUpdateParamsInvalidBoolIsDataViolation(t *testing.T) {
	attrs := map[string]string{
		"action":                         "update_params",
		"final_ltv":                      "0.75",
		"final_liquidation_threshold":    "0.8",
		"final_liquidation_bonus":        "0.05",
		"final_liquidation_protocol_fee": "0.1",
		"final_close_factor":             "0.5",
		"final_protocol_fee":             "0.1",
		"final_curator_fee":              "0.05",
		"final_enabled":                  "maybe",
		"final_is_mutable":               "false",
	}
	_, err := DecodeMarket(attrs, EventMeta{})
	require.Error(t, err)
	require.Equal(t, ingesterr.KindDataViolation, ingesterr.Classify(err))
}

func TestDecodeMarketAccrueInterest(t *testing.T) {
	attrs := map[string]string{
		"action":          "accrue_interest",
		"borrow_index":    "1.1",
		"liquidity_index": "1.05",
		"borrow_rate":     "0.08",
		"liquidity_rate":  "0.03",
		"last_update":     "1700000000",
	}
	evt, err := DecodeMarket(attrs, EventMeta{})
	require.NoError(t, err)
	accrue, ok := evt.(AccrueInterest)
	require.True(t, ok)
	require.Equal(t, int64(1700000000), accrue.LastUpdate)
}

func TestDecodeMarketAccrueInterestInvalidLastUpdate(t *testing.T) {
	attrs := map[string]string{
		"action":          "accrue_interest",
		"borrow_index":    "1.1",
		"liquidity_index": "1.05",
		"borrow_rate":     "0.08",
		"liquidity_rate":  "0.03",
		"last_update":     "not-a-timestamp",
	}
	_, err := DecodeMarket(attrs, EventMeta{})
	require.Error(t, err)
	require.Equal(t, ingesterr.KindDataViolation, ingesterr.Classify(err))
}
