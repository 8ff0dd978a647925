package transport

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 63, 64, 16383, 16384,
		1<<30 - 1, 1 << 30, 1<<62 - 1,
	}
	for _, v := range values {
		buf := make([]byte, 8)
		b := newOctets(buf)
		if err := b.PutVarint(v); err != nil {
			t.Fatalf("PutVarint(%d): %v", v, err)
		}
		if b.Off() != varintLen(v) {
			t.Fatalf("PutVarint(%d) wrote %d bytes, want %d", v, b.Off(), varintLen(v))
		}
		rb := newOctets(buf[:b.Off()])
		got, err := rb.GetVarint()
		if err != nil {
			t.Fatalf("GetVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

func TestVarintTooShort(t *testing.T) {
	b := newOctets(nil)
	if _, err := b.GetVarint(); err == nil {
		t.Fatal("expected error reading varint from empty buffer")
	}
}

func TestBytesWithLengthPrefixes(t *testing.T) {
	buf := make([]byte, 32)
	b := newOctets(buf)
	if err := b.PutU8(3); err != nil {
		t.Fatal(err)
	}
	if err := b.PutBytes([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	rb := newOctets(buf)
	got, err := rb.GetBytesWithU8Length()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}
