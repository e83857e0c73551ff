package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one dollar", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"dollar prefix", "$0.01", 10_000},
		{"dollar prefix whole", "$10", 10_000_000},
		{"surrounding space", " 0.25 ", 250_000},
		{"large amount", "999999.999999", 999_999_999_999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{"-1", "-0.5", "1.2.3", "abc", "$-1", "1,5"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) returned ok=true, want false", input)
		}
	}
}

func TestParse_Empty(t *testing.T) {
	got, ok := Parse("")
	if !ok || got.Sign() != 0 {
		t.Fatalf("Parse(\"\") = %v, %v; want 0, true", got, ok)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{1_000_000, "1.000000"},
		{500_000, "0.500000"},
		{1, "0.000001"},
		{0, "0.000000"},
		{123_456_789, "123.456789"},
	}

	for _, tt := range tests {
		got := Format(big.NewInt(tt.input))
		if got != tt.expected {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFormat_Nil(t *testing.T) {
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero("0") || !IsZero("$0.00") || !IsZero("") {
		t.Error("expected zero amounts to report IsZero")
	}
	if IsZero("0.000001") || IsZero("not a number") {
		t.Error("expected non-zero / invalid amounts to not report IsZero")
	}
}

func TestFloatRoundTrip(t *testing.T) {
	amt, _ := Parse("0.012345")
	f := ToFloat(amt)
	back := FromFloat(f)
	if back.Cmp(amt) != 0 {
		t.Errorf("round trip: got %s, want %s", back.String(), amt.String())
	}
}

func TestFromFloat_Negative(t *testing.T) {
	if FromFloat(-1.5).Sign() != 0 {
		t.Error("negative input should clamp to zero")
	}
}
