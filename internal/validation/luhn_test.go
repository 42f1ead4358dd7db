package validation

import (
	"testing"
	"time"
)

func TestIsValidLuhn(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "valid example 1",
			number: "79927398713",
			valid:  true,
		},
		{
			name:   "valid example 2",
			number: "4539578763621486",
			valid:  true,
		},
		{
			name:   "invalid checksum",
			number: "79927398710",
			valid:  false,
		},
		{
			name:   "contains letters",
			number: "1234a67890",
			valid:  false,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidLuhn(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidLuhn(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{name: "valid", number: "ORD-79927398713", valid: true},
		{name: "missing prefix", number: "79927398713", valid: false},
		{name: "bad check digit", number: "ORD-79927398710", valid: false},
		{name: "prefix only", number: "ORD-", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidOrderNumber(tt.number); got != tt.valid {
				t.Fatalf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestNewOrderNumber(t *testing.T) {
	now := time.UnixMilli(1718000000123)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		number, err := NewOrderNumber(now)
		if err != nil {
			t.Fatalf("NewOrderNumber error: %v", err)
		}
		if !IsValidOrderNumber(number) {
			t.Fatalf("generated number %q fails validation", number)
		}
		if len(number) != len(OrderNumberPrefix)+13+4+1 {
			t.Fatalf("unexpected length of %q", number)
		}
		seen[number] = struct{}{}
	}

	if len(seen) < 2 {
		t.Fatalf("expected random suffix to vary, got %d distinct numbers", len(seen))
	}
}
