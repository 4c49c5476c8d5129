package order

import "testing"

func TestValidNext(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{Pending, Paid, true},
		{Pending, Failed, true},
		{Pending, Expired, true},
		{Pending, Pending, false},
		{Paid, Expired, false},
		{Paid, Failed, false},
		{Expired, Paid, false},
		{Failed, Paid, false},
	}

	for _, tt := range tests {
		if got := ValidNext(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidNext(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if Pending.Terminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []Status{Paid, Failed, Expired} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"card", "esewa", "khalti", "connectips"} {
		if _, err := ParseMethod(s); err != nil {
			t.Errorf("ParseMethod(%q): %v", s, err)
		}
	}
	if _, err := ParseMethod("paypal"); err == nil {
		t.Error("ParseMethod must reject unknown methods")
	}
}
