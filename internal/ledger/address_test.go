package ledger

import (
	"strings"
	"testing"
)

func validAddr() string {
	return "lumen1" + strings.Repeat("q", 58)
}

func TestAddressMatcherValid(t *testing.T) {
	m := NewAddressMatcher("lumen")

	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "well-formed address", in: validAddr(), want: true},
		{name: "too short", in: "lumen1" + strings.Repeat("q", 40), want: false},
		{name: "too long", in: "lumen1" + strings.Repeat("q", 70), want: false},
		{name: "wrong prefix", in: "cosmos1" + strings.Repeat("q", 58), want: false},
		{name: "invalid charset", in: "lumen1" + strings.Repeat("b", 58), want: false},
		{name: "leading junk", in: "xx" + validAddr(), want: false},
		{name: "trailing junk outside charset", in: validAddr() + "!", want: false},
		{name: "empty", in: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Valid(tt.in); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAddressMatcherExtract(t *testing.T) {
	m := NewAddressMatcher("lumen")
	addr := validAddr()
	truncated := "lumen1" + strings.Repeat("q", 30)

	tests := []struct {
		name        string
		in          string
		wantAddrs   int
		wantAlmosts int
	}{
		{name: "single address in chat text", in: "please send tokens to " + addr + " thanks!", wantAddrs: 1},
		{name: "two addresses", in: addr + " and " + addr, wantAddrs: 2},
		{name: "truncated paste is a near-miss", in: "here: " + truncated, wantAlmosts: 1},
		{name: "mixed", in: addr + " or maybe " + truncated, wantAddrs: 1, wantAlmosts: 1},
		{name: "overlong run is a near-miss not a clipped address", in: "lumen1" + strings.Repeat("q", 70), wantAlmosts: 1},
		{name: "no addresses at all", in: "gm, how do I use the faucet?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addrs, almosts := m.Extract(tt.in)
			if len(addrs) != tt.wantAddrs {
				t.Errorf("Extract() addresses = %d (%v), want %d", len(addrs), addrs, tt.wantAddrs)
			}
			if len(almosts) != tt.wantAlmosts {
				t.Errorf("Extract() almosts = %d (%v), want %d", len(almosts), almosts, tt.wantAlmosts)
			}
		})
	}
}
