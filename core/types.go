/*
Package core provides the building blocks shared by every entry-engine entity.

PURPOSE:
  This package contains domain-agnostic types and algorithms for managing
  status-driven financial records. Whether the record is a ticket, a payment,
  or a refund, the same machinery validates status transitions, generates
  public reference numbers, and keeps money arithmetic exact.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: an exact fixed-point amount (2 fractional digits)
  - ID: entity identifier (UUID-backed)
  - User/Vehicle/Shift references: opaque identities consumed, never mutated

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all amounts; floats never touch money
  2. Explicitness: transition tables are data, validated in one place
  3. Auditability: history rows are append-only, deletion always rejected
  4. Type safety: per-entity status types prevent mixing state machines

SEE ALSO:
  - transition.go: Transition table validation
  - refnum.go: Public reference number generation
  - errors.go: Error taxonomy
*/
package core

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ID identifies a persisted entity. Assigned once, never reused.
type ID string

func NewID() ID { return ID(uuid.NewString()) }

func (id ID) IsZero() bool { return id == "" }

// =============================================================================
// MONEY - Exact fixed-point amount, 2 fractional digits
// =============================================================================

// Money is an exact monetary amount. All arithmetic stays in decimal space;
// results are banker's-rounded to 2 places only on construction and String.
type Money struct {
	value decimal.Decimal
}

func NewMoney(value decimal.Decimal) Money {
	return Money{value: value.Round(2)}
}

func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustMoney parses a literal amount. Panics on malformed input; use only
// with constants and in tests.
func MustMoney(s string) Money {
	m, err := MoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney() Money { return Money{value: decimal.Zero} }

func (m Money) Add(o Money) Money          { return Money{value: m.value.Add(o.value)} }
func (m Money) Sub(o Money) Money          { return Money{value: m.value.Sub(o.value)} }
func (m Money) MulInt(n int) Money         { return Money{value: m.value.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) Neg() Money                 { return Money{value: m.value.Neg()} }
func (m Money) IsZero() bool               { return m.value.IsZero() }
func (m Money) IsNegative() bool           { return m.value.IsNegative() }
func (m Money) IsPositive() bool           { return m.value.IsPositive() }
func (m Money) Equal(o Money) bool         { return m.value.Equal(o.value) }
func (m Money) GreaterThan(o Money) bool   { return m.value.GreaterThan(o.value) }
func (m Money) LessThan(o Money) bool      { return m.value.LessThan(o.value) }

// FlooredAtZero clamps negative amounts to zero. Outstanding balances are
// never reported negative, even after overpayment corrections.
func (m Money) FlooredAtZero() Money {
	if m.value.IsNegative() {
		return ZeroMoney()
	}
	return m
}

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) Decimal() decimal.Decimal { return m.value }

func (m Money) String() string { return m.value.StringFixed(2) }

// =============================================================================
// EXTERNAL IDENTITY REFERENCES
// =============================================================================
// The engine reads these, never writes them. Vehicle blacklisting, shift
// clock-in/out and user administration live outside this module.

// UserRef is an opaque reference to an operator account.
type UserRef struct {
	ID        ID
	Name      string
	IsManager bool
	// ActiveShiftID is zero when the user is not clocked in.
	ActiveShiftID ID
}

func (u UserRef) HasActiveShift() bool { return !u.ActiveShiftID.IsZero() }

func (u UserRef) Same(o UserRef) bool { return u.ID == o.ID }

// VehicleRef is an opaque reference to a vehicle record.
type VehicleRef struct {
	ID            ID
	PlateNumber   string
	IsBlacklisted bool
}
