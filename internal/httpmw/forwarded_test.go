package httpmw

import (
	"strings"
	"testing"
)

func TestForwardedValue(t *testing.T) {
	tests := []struct {
		name   string
		values string
		depth  int
		want   string
		wantOK bool
	}{
		{"rightmost", "1.1.1.1, 2.2.2.2, 3.3.3.3", 1, "3.3.3.3", true},
		{"second from right", "1.1.1.1, 2.2.2.2, 3.3.3.3", 2, "2.2.2.2", true},
		{"whole chain", "1.1.1.1, 2.2.2.2, 3.3.3.3", 3, "1.1.1.1", true},
		{"chain too short", "1.1.1.1, 2.2.2.2", 3, "", false},
		{"single hop", "203.0.113.50", 1, "203.0.113.50", true},
		{"surrounding whitespace", "  4.4.4.4\t", 1, "4.4.4.4", true},
		{"no spaces", "1.1.1.1,2.2.2.2", 2, "1.1.1.1", true},
		{"empty input depth 1", "", 1, "", true},
		{"empty input depth 2", "", 2, "", false},
		{"empty hop selected", "1.1.1.1,,3.3.3.3", 2, "", true},
		{"ipv6", "2001:db8::1, 2001:db8::2", 1, "2001:db8::2", true},
		{"zero depth", "1.1.1.1", 0, "", false},
		{"negative depth", "1.1.1.1", -1, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ForwardedValue(tt.values, tt.depth)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("ForwardedValue(%q, %d) = (%q, %v), want (%q, %v)",
					tt.values, tt.depth, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestForwardedValue_ClientCannotShiftTrustedHop(t *testing.T) {
	// A client prepending fake hops must not change what our proxy appended.
	honest, _ := ForwardedValue("198.51.100.7, 10.0.0.5", 1)
	forged, _ := ForwardedValue("6.6.6.6, 7.7.7.7, 198.51.100.7, 10.0.0.5", 1)
	if honest != forged {
		t.Fatalf("prepended hops changed result: %q vs %q", honest, forged)
	}
}

func FuzzForwardedValue(f *testing.F) {
	f.Add("1.1.1.1, 2.2.2.2", 1)
	f.Add("", 1)
	f.Add(",,,", 4)
	f.Add(" a , b ", 2)

	f.Fuzz(func(t *testing.T, values string, depth int) {
		got, ok := ForwardedValue(values, depth)
		hops := strings.Split(values, ",")
		if depth < 1 || len(hops) < depth {
			if ok || got != "" {
				t.Fatalf("want absent, got (%q, %v)", got, ok)
			}
			return
		}
		if !ok {
			t.Fatalf("want present for %d hops at depth %d", len(hops), depth)
		}
		if got != strings.TrimSpace(hops[len(hops)-depth]) {
			t.Fatalf("got %q, want hop %d of %q", got, len(hops)-depth, values)
		}
	})
}
