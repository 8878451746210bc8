// Package numeric holds the arbitrary-precision amount/ratio types used
// throughout the projection, plus chain-address validation. Raw and scaled
// balances (scale 0, up to decimal(78,0)) are backed by uint256.Int, the same
// representation core/state/accounts.go uses for on-chain account balances;
// rates/indices/utilization (scale up to 18) are backed by shopspring/decimal,
// grounded on the DeFi arithmetic in the go-coffee flash-loan example.
package numeric

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Amount is a non-negative arbitrary-precision integer, used for raw token
// amounts and scaled balances (supply_scaled, debt_scaled, collateral, ...).
type Amount struct {
	v *uint256.Int
}

// Zero is the additive identity.
func Zero() Amount { return Amount{v: uint256.NewInt(0)} }

// ParseAmount parses a base-10 non-negative integer string as reported by a
// wasm event attribute (e.g. "1000000000000000000").
func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("numeric: empty amount")
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("numeric: invalid amount %q: %w", s, err)
	}
	return Amount{v: v}, nil
}

// MustAmount parses s and panics on error; intended for constants/tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount as a base-10 integer.
func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.Dec()
}

// IsZero reports whether the amount is zero (including the zero value).
func (a Amount) IsZero() bool { return a.v == nil || a.v.IsZero() }

func (a Amount) val() *uint256.Int {
	if a.v == nil {
		return uint256.NewInt(0)
	}
	return a.v
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	out := new(uint256.Int)
	out.Add(a.val(), b.val())
	return Amount{v: out}
}

// Sub returns a-b clamped to zero, reporting whether clamping occurred
// (dust absorption per spec §4.3.3).
func (a Amount) Sub(b Amount) (result Amount, clamped bool) {
	if a.val().Lt(b.val()) {
		return Zero(), true
	}
	out := new(uint256.Int)
	out.Sub(a.val(), b.val())
	return Amount{v: out}, false
}

// SubStrict returns a-b, erroring if the result would be negative. Used for
// market-level totals, which must never be clamped (spec §4.3.3/§9).
func (a Amount) SubStrict(b Amount) (Amount, error) {
	if a.val().Lt(b.val()) {
		return Amount{}, fmt.Errorf("numeric: %s - %s would be negative", a.String(), b.String())
	}
	out := new(uint256.Int)
	out.Sub(a.val(), b.val())
	return Amount{v: out}, nil
}

// Cmp compares a to b: -1, 0, or 1.
func (a Amount) Cmp(b Amount) int { return a.val().Cmp(b.val()) }

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// MarshalText implements encoding.TextMarshaler for JSON/DB round-tripping.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so gorm stores amounts as decimal(78,0)
// strings rather than widening through a binary float column.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for the reverse direction.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	default:
		return fmt.Errorf("numeric: cannot scan %T into Amount", src)
	}
}

// GormDataType tells gorm's migrator to use a decimal column regardless of
// the backing driver's native numeric type.
func (Amount) GormDataType() string { return "numeric" }
