package transport

import "testing"

func TestPktNumTruncateDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		largestRx uint64
		pn        uint64
	}{
		{0, 0},
		{0, 1},
		{100, 101},
		{1000, 1001},
		{100000, 100001},
	}
	for _, c := range cases {
		length := pktNumLen(c.pn, c.largestRx)
		truncated := truncatePktNum(c.pn, length)
		got := decodePktNum(c.largestRx, truncated, length)
		if got != c.pn {
			t.Fatalf("largestRx=%d pn=%d length=%d: decoded %d", c.largestRx, c.pn, length, got)
		}
	}
}

func TestPktNumLenThresholds(t *testing.T) {
	if n := pktNumLen(100, 0); n != 1 {
		t.Fatalf("gap 100 -> %d, want 1", n)
	}
	if n := pktNumLen(1000, 0); n != 2 {
		t.Fatalf("gap 1000 -> %d, want 2", n)
	}
	if n := pktNumLen(100000, 0); n != 4 {
		t.Fatalf("gap 100000 -> %d, want 4", n)
	}
}
