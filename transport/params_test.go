package transport

import "testing"

func TestTransportParamsRoundTrip(t *testing.T) {
	tp := TransportParams{
		IdleTimeout:                    30,
		InitialMaxData:                 424645563,
		InitialMaxBidiStreams:          12231,
		InitialMaxUniStreams:           18473,
		MaxPacketSize:                  23421,
		AckDelayExponent:               123,
		DisableMigration:               true,
		MaxAckDelay:                    25,
		InitialMaxStreamDataBidiLocal:  154323123,
		InitialMaxStreamDataBidiRemote: 6587456,
		InitialMaxStreamDataUni:        2461234,
		StatelessResetTokenPresent:     true,
		StatelessResetToken:            [16]byte{0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba, 0xba},
	}

	raw, err := encodeTransportParams(&tp, VersionDraft15, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// version(4) + supported_versions list(1+4) + params length(2) + 90
	// bytes of TLVs (fixed-width u8/u16/u32 values, unlike the Rust
	// original's varint-encoded fields, so the exact byte count differs
	// from lib.rs's 96).
	const wantLen = 4 + 1 + 4 + 2 + 90
	if len(raw) != wantLen {
		t.Fatalf("encoded length = %d, want %d", len(raw), wantLen)
	}

	got, err := decodeTransportParams(raw, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != tp {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, tp)
	}
}

func TestTransportParamsZeroFieldsOmitted(t *testing.T) {
	tp := TransportParams{}
	raw, err := encodeTransportParams(&tp, VersionDraft15, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeTransportParams(raw, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != tp {
		t.Fatalf("round trip mismatch: got %+v, want zero value", *got)
	}
}
