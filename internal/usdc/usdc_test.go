package usdc

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
		{"micro payment", "0.001", 1_000},
		{"six decimals", "1.123456", 1_123_456},
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

func TestParse_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"alphabetic", "abc"},
		{"multiple dots", "1.2.3"},
		{"has letters", "12abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(tt.input)
			if ok {
				t.Errorf("Parse(%q) should return ok=false", tt.input)
			}
		})
	}
}

func TestParse_TruncationBeyondSixDecimals(t *testing.T) {
	got, ok := Parse("1.1234567890")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.Int64() != 1_123_456 {
		t.Errorf("Parse(\"1.1234567890\") = %d, want 1123456 (truncated to 6 decimals)", got.Int64())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"zero", 0, "0.000000"},
		{"one unit", 1, "0.000001"},
		{"one dollar", 1_000_000, "1.000000"},
		{"batch total", 1_100_000, "1.100000"},
		{"large", 999_999_999_999, "999999.999999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(big.NewInt(tt.input))
			if got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormat_Nil(t *testing.T) {
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q, want \"0.000000\"", got)
	}
}

func TestSum(t *testing.T) {
	total := Sum([]string{"0.6", "0.5"})
	if Format(total) != "1.100000" {
		t.Errorf("Sum(0.6, 0.5) = %s, want 1.100000", Format(total))
	}

	// Invalid entries are skipped
	total = Sum([]string{"1.00", "bogus", "0.25"})
	if Format(total) != "1.250000" {
		t.Errorf("Sum with invalid entry = %s, want 1.250000", Format(total))
	}
}

func TestMinorUnits(t *testing.T) {
	units, ok := MinorUnits("1.100000")
	if !ok || units != 1_100_000 {
		t.Errorf("MinorUnits(\"1.100000\") = %d, %v, want 1100000, true", units, ok)
	}

	if _, ok := MinorUnits("-1"); ok {
		t.Error("MinorUnits(\"-1\") should return ok=false")
	}
}

func TestRoundTrip_Canonical(t *testing.T) {
	canonical := []string{
		"0.000000",
		"0.000001",
		"1.000000",
		"1.100000",
		"100.123456",
		"999999.999999",
	}

	for _, s := range canonical {
		t.Run(s, func(t *testing.T) {
			parsed, ok := Parse(s)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", s)
			}
			if got := Format(parsed); got != s {
				t.Errorf("Format(Parse(%q)) = %q", s, got)
			}
		})
	}
}
