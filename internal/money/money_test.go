package money

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Micros
	}{
		{"1.5000", 1_500_000},
		{"1.50", 1_500_000},
		{"1.5", 1_500_000},
		{"1", 1_000_000},
		{"0.0001", 100},
		{"0.0100", 10_000},
		{"0", 0},
		{"0.0000", 0},
		{"10000.0000", MaxMicros},
		{".5", 500_000},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		in      string
		wantErr error
	}{
		{"-1.00", ErrNegative},
		{"1.00001", ErrInvalid}, // 5 decimal places
		{"1.50000", ErrInvalid}, // trailing zeros don't save a 5th digit
		{"1.2.3", ErrInvalid},
		{"", ErrInvalid},
		{".", ErrInvalid},
		{"abc", ErrInvalid},
		{"10000.0001", ErrTooLarge},
		{"10001", ErrTooLarge},
		// Whole parts big enough to wrap int64 when scaled to micros must
		// not slip back into the accepted range.
		{"18446744073710.0000", ErrTooLarge},
		{"9223372036854.7758", ErrTooLarge},
		{"99999999999999999999", ErrInvalid}, // beyond int64 entirely
	}
	for _, c := range cases {
		_, err := Parse(c.in)
		if err == nil {
			t.Errorf("Parse(%q) succeeded, want error", c.in)
			continue
		}
		if !errors.Is(err, c.wantErr) {
			t.Errorf("Parse(%q) error = %v, want %v", c.in, err, c.wantErr)
		}
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   Micros
		want string
	}{
		{1_500_000, "1.5000"},
		{1_000_000, "1.0000"},
		{100, "0.0001"},
		{10_000, "0.0100"},
		{0, "0.0000"},
		{-500_000, "-0.5000"},
	}
	for _, c := range cases {
		if got := Format(c.in); got != c.want {
			t.Errorf("Format(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0000", "0.0001", "1.5000", "9999.9999"} {
		m, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", s, err)
		}
		if got := Format(m); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}
