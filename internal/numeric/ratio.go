package numeric

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RatioScale is the minimum decimal scale spec §3/§9 requires for rates,
// indices, and utilization (decimal(40,18)).
const RatioScale = 18

// Ratio is an arbitrary-precision fractional quantity: borrow/liquidity
// indices, borrow/liquidity rates, utilization, LTV, and the other
// parameter fractions in Market.
type Ratio struct {
	d decimal.Decimal
}

// One is the multiplicative identity, the initial value of both indices
// per spec §4.3.1.
func One() Ratio { return Ratio{d: decimal.NewFromInt(1)} }

// RatioZero is the additive identity.
func RatioZero() Ratio { return Ratio{} }

// ParseRatio parses a decimal string as reported by a wasm event attribute
// (e.g. "1.050000000000000000" or "0.8").
func ParseRatio(s string) (Ratio, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Ratio{}, fmt.Errorf("numeric: empty ratio")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Ratio{}, fmt.Errorf("numeric: invalid ratio %q: %w", s, err)
	}
	return Ratio{d: d.Truncate(RatioScale)}, nil
}

// MustRatio parses s and panics on error; intended for constants/tests.
func MustRatio(s string) Ratio {
	r, err := ParseRatio(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String renders the ratio at its stored scale.
func (r Ratio) String() string { return r.d.StringFixed(RatioScale) }

// LessThan reports whether r < other (used for index-monotonicity checks).
func (r Ratio) LessThan(other Ratio) bool { return r.d.LessThan(other.d) }

// GreaterThanOrEqual reports whether r >= other.
func (r Ratio) GreaterThanOrEqual(other Ratio) bool { return r.d.GreaterThanOrEqual(other.d) }

// Equal reports whether r == other.
func (r Ratio) Equal(other Ratio) bool { return r.d.Equal(other.d) }

// IsZero reports whether the ratio is zero.
func (r Ratio) IsZero() bool { return r.d.IsZero() }

// Mul returns r * other.
func (r Ratio) Mul(other Ratio) Ratio { return Ratio{d: r.d.Mul(other.d).Truncate(RatioScale)} }

// Div returns r / other; callers must ensure other is non-zero.
func (r Ratio) Div(other Ratio) Ratio {
	if other.d.IsZero() {
		return RatioZero()
	}
	return Ratio{d: r.d.DivRound(other.d, RatioScale)}
}

// MulAmount multiplies an integer Amount by this ratio and truncates back to
// an integer Amount, used to dereference scaled balances into actual
// balances for MarketSnapshot totals (spec §3: total_supply = total_supply_scaled × liquidity_index).
func (r Ratio) MulAmount(a Amount) Amount {
	product := decimal.NewFromBigInt(a.val().ToBig(), 0).Mul(r.d)
	truncated := product.Truncate(0)
	parsed, err := ParseAmount(truncated.String())
	if err != nil {
		return Zero()
	}
	return parsed
}

// HealthFactor computes (collateral × liquidationThreshold) / debt, the
// read-time risk projection mirrored from
// services/lending/engine.Health.HealthFactor. ok is false when debt is
// zero, meaning the position carries no liquidation risk.
func HealthFactor(collateral, debt Amount, liquidationThreshold Ratio) (ratio Ratio, ok bool) {
	if debt.IsZero() {
		return Ratio{}, false
	}
	numerator := decimal.NewFromBigInt(collateral.val().ToBig(), 0).Mul(liquidationThreshold.d)
	denominator := decimal.NewFromBigInt(debt.val().ToBig(), 0)
	return Ratio{d: numerator.DivRound(denominator, RatioScale)}, true
}

// MarshalText implements encoding.TextMarshaler.
func (r Ratio) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Ratio) UnmarshalText(text []byte) error {
	parsed, err := ParseRatio(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value implements driver.Valuer so gorm stores ratios as decimal(40,18)
// strings.
func (r Ratio) Value() (driver.Value, error) {
	return r.String(), nil
}

// Scan implements sql.Scanner for the reverse direction.
func (r *Ratio) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = RatioZero()
		return nil
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("numeric: cannot scan %T into Ratio", src)
	}
}

// GormDataType tells gorm's migrator to use a decimal column regardless of
// the backing driver's native numeric type.
func (Ratio) GormDataType() string { return "numeric" }
