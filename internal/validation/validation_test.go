package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // no 0x
		{"0x12345678901234567890123456789012345678", false},     // too short
		{"0x123456789012345678901234567890123456789012", false}, // too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // not hex
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	tests := []struct {
		s     string
		valid bool
	}{
		{"deadbeef", true},
		{"0xdeadbeef", true},
		{"DEADBEEF", true},
		{"0x", false},
		{"", false},
		{"0xzz", false},
		{"hello", false},
	}

	for _, tc := range tests {
		if got := IsValidHex(tc.s); got != tc.valid {
			t.Errorf("IsValidHex(%q) = %v, want %v", tc.s, got, tc.valid)
		}
	}
}
