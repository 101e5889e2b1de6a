// Package money provides shared parsing and formatting for ledger amounts.
//
// All amounts inside the platform are int64 micro-units (1 display unit =
// 1,000,000 micros). The wire format is a fixed 4-decimal string ("1.5000");
// anything with more than 4 fractional digits is rejected at the boundary.
// Never use float for money.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MicrosPerUnit is the number of micro-units in one display unit.
	MicrosPerUnit = 1_000_000

	// WireDecimals is the number of fractional digits on the wire.
	WireDecimals = 4

	// MaxMicros is the largest amount accepted per request (10,000 units).
	MaxMicros = 10_000 * MicrosPerUnit
)

var (
	ErrInvalid  = errors.New("invalid money amount")
	ErrNegative = errors.New("money amount cannot be negative")
	ErrTooLarge = errors.New("money amount exceeds maximum")
)

// Micros is an amount in integer micro-units.
type Micros int64

// Parse converts a wire string (e.g. "1.50", "1.5000") to micros.
//
// Rules:
//   - Negative amounts are rejected
//   - More than 4 fractional digits are rejected, even if trailing zeros
//   - Amounts above MaxMicros are rejected
func Parse(s string) (Micros, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalid)
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if len(frac) > WireDecimals {
		return 0, fmt.Errorf("%w: more than %d decimal places: %q", ErrInvalid, WireDecimals, s)
	}

	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	// Bound before multiplying: w*MicrosPerUnit can wrap int64 back into
	// the accepted range for absurd whole parts.
	if w > MaxMicros/MicrosPerUnit {
		return 0, fmt.Errorf("%w: %s > %s", ErrTooLarge, s, Format(MaxMicros))
	}

	// Pad the fraction to 6 digits; wire carries at most 4, so the last
	// two are always zero.
	for len(frac) < 6 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	m := Micros(w*MicrosPerUnit + f)
	if err := Validate(m); err != nil {
		return 0, err
	}
	return m, nil
}

// Format renders micros as the fixed 4-decimal wire string.
// Micros below the 4th decimal place are truncated toward zero.
func Format(m Micros) string {
	neg := m < 0
	if neg {
		m = -m
	}
	whole := int64(m) / MicrosPerUnit
	// 1 wire decimal unit = 100 micros.
	frac := (int64(m) % MicrosPerUnit) / 100
	s := fmt.Sprintf("%d.%04d", whole, frac)
	if neg {
		s = "-" + s
	}
	return s
}

// Validate checks that an amount is within the accepted range.
func Validate(m Micros) error {
	if m < 0 {
		return ErrNegative
	}
	if m > MaxMicros {
		return fmt.Errorf("%w: %s > %s", ErrTooLarge, Format(m), Format(MaxMicros))
	}
	return nil
}

// Min returns the smaller of two amounts.
func Min(a, b Micros) Micros {
	if a < b {
		return a
	}
	return b
}
