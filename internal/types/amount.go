package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is a token quantity in base units. It is stored and serialized as a
// decimal string so 256-bit values survive JSON and SQLite untouched.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount holding x.
func NewAmount(x uint64) Amount {
	var a Amount
	a.v.SetUint64(x)
	return a
}

// AmountFromInt copies x into an Amount. A nil x is zero.
func AmountFromInt(x *uint256.Int) Amount {
	var a Amount
	if x != nil {
		a.v.Set(x)
	}
	return a
}

// ParseAmount parses a base-10 string.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return a, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Int returns a fresh copy of the underlying integer.
func (a Amount) Int() *uint256.Int {
	return new(uint256.Int).Set(&a.v)
}

func (a Amount) IsZero() bool { return a.v.IsZero() }

func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }

func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }

func (a Amount) Uint64() uint64 { return a.v.Uint64() }

// Add returns a+b and reports overflow.
func (a Amount) Add(b Amount) (Amount, bool) {
	var r Amount
	_, overflow := r.v.AddOverflow(&a.v, &b.v)
	return r, overflow
}

// Sub returns a-b, saturating at zero.
func (a Amount) Sub(b Amount) Amount {
	if a.v.Lt(&b.v) {
		return Amount{}
	}
	var r Amount
	r.v.Sub(&a.v, &b.v)
	return r
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if b.v.Lt(&a.v) {
		return b
	}
	return a
}

// MulDiv returns floor(a*num/den) computed at 512-bit width. It reports
// overflow when the result does not fit in 256 bits or den is zero.
func (a Amount) MulDiv(num, den Amount) (Amount, bool) {
	if den.IsZero() {
		return Amount{}, true
	}
	var r Amount
	_, overflow := r.v.MulDivOverflow(&a.v, &num.v, &den.v)
	return r, overflow
}

// MulDivUp is MulDiv rounded toward positive infinity.
func (a Amount) MulDivUp(num, den Amount) (Amount, bool) {
	r, overflow := a.MulDiv(num, den)
	if overflow {
		return r, true
	}
	var rem uint256.Int
	rem.MulMod(&a.v, &num.v, &den.v)
	if !rem.IsZero() {
		return r.Add(NewAmount(1))
	}
	return r, false
}

func (a Amount) String() string { return a.v.Dec() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.v.Dec(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := ParseAmount(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("negative amount %d", v)
		}
		*a = NewAmount(uint64(v))
		return nil
	default:
		return fmt.Errorf("unsupported amount type %T", src)
	}
}

// GormDataType stores amounts as text.
func (Amount) GormDataType() string { return "text" }
