package transport

// TransportParams is a record of negotiated connection limits, encoded
// and decoded per spec.md §6.
type TransportParams struct {
	IdleTimeout                    uint16
	InitialMaxData                 uint32
	InitialMaxBidiStreams          uint16
	InitialMaxUniStreams           uint16
	MaxPacketSize                  uint16
	AckDelayExponent               uint8
	DisableMigration               bool
	MaxAckDelay                    uint8
	InitialMaxStreamDataBidiLocal  uint32
	InitialMaxStreamDataBidiRemote uint32
	InitialMaxStreamDataUni        uint32
	StatelessResetTokenPresent     bool
	StatelessResetToken            [16]byte
}

// DefaultTransportParams returns the constants spec.md §6 names as
// defaults.
func DefaultTransportParams() TransportParams {
	return TransportParams{
		MaxPacketSize:     defaultMaxPacketSize,
		AckDelayExponent:  defaultAckDelayExponent,
		MaxAckDelay:       defaultMaxAckDelay,
	}
}

// Transport parameter TLV identifiers (spec.md §6 table).
const (
	tpInitialMaxStreamDataBidiLocal  = 0x0000
	tpInitialMaxData                 = 0x0001
	tpInitialMaxBidiStreams          = 0x0002
	tpIdleTimeout                    = 0x0003
	tpMaxPacketSize                  = 0x0005
	tpStatelessResetToken            = 0x0006
	tpAckDelayExponent               = 0x0007
	tpInitialMaxUniStreams           = 0x0008
	tpDisableMigration               = 0x0009
	tpInitialMaxStreamDataBidiRemote = 0x000a
	tpInitialMaxStreamDataUni        = 0x000b
	tpMaxAckDelay                    = 0x000c
)

// encodeTransportParams serializes p per spec.md §6's framing: version,
// optional server supported-versions list, then a u16-length-prefixed
// TLV block. Fields equal to their zero default are omitted.
func encodeTransportParams(p *TransportParams, version uint32, isServer bool) ([]byte, error) {
	var tlv [256]byte
	tb := newOctets(tlv[:])

	if p.IdleTimeout != 0 {
		if err := putTLVu16(&tb, tpIdleTimeout, p.IdleTimeout); err != nil {
			return nil, err
		}
	}
	if p.InitialMaxData != 0 {
		if err := putTLVu32(&tb, tpInitialMaxData, p.InitialMaxData); err != nil {
			return nil, err
		}
	}
	if p.InitialMaxBidiStreams != 0 {
		if err := putTLVu16(&tb, tpInitialMaxBidiStreams, p.InitialMaxBidiStreams); err != nil {
			return nil, err
		}
	}
	if p.InitialMaxUniStreams != 0 {
		if err := putTLVu16(&tb, tpInitialMaxUniStreams, p.InitialMaxUniStreams); err != nil {
			return nil, err
		}
	}
	if p.MaxPacketSize != 0 {
		if err := putTLVu16(&tb, tpMaxPacketSize, p.MaxPacketSize); err != nil {
			return nil, err
		}
	}
	if p.AckDelayExponent != 0 {
		if err := putTLVu8(&tb, tpAckDelayExponent, p.AckDelayExponent); err != nil {
			return nil, err
		}
	}
	if p.DisableMigration {
		if err := tb.PutU16(tpDisableMigration); err != nil {
			return nil, err
		}
		if err := tb.PutU16(0); err != nil {
			return nil, err
		}
	}
	if p.InitialMaxStreamDataBidiLocal != 0 {
		if err := putTLVu32(&tb, tpInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal); err != nil {
			return nil, err
		}
	}
	if p.InitialMaxStreamDataBidiRemote != 0 {
		if err := putTLVu32(&tb, tpInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote); err != nil {
			return nil, err
		}
	}
	if p.InitialMaxStreamDataUni != 0 {
		if err := putTLVu32(&tb, tpInitialMaxStreamDataUni, p.InitialMaxStreamDataUni); err != nil {
			return nil, err
		}
	}
	if p.MaxAckDelay != 0 {
		if err := putTLVu8(&tb, tpMaxAckDelay, p.MaxAckDelay); err != nil {
			return nil, err
		}
	}
	if isServer && p.StatelessResetTokenPresent {
		if err := tb.PutU16(tpStatelessResetToken); err != nil {
			return nil, err
		}
		if err := tb.PutU16(uint16(len(p.StatelessResetToken))); err != nil {
			return nil, err
		}
		if err := tb.PutBytes(p.StatelessResetToken[:]); err != nil {
			return nil, err
		}
	}
	paramsLen := tb.Off()

	out := make([]byte, 4+1+4+2+paramsLen+64)
	ob := newOctets(out)
	if err := ob.PutU32(version); err != nil {
		return nil, err
	}
	if isServer {
		if err := ob.PutU8(4); err != nil {
			return nil, err
		}
		if err := ob.PutU32(version); err != nil {
			return nil, err
		}
	}
	if err := ob.PutU16(uint16(paramsLen)); err != nil {
		return nil, err
	}
	if err := ob.PutBytes(tlv[:paramsLen]); err != nil {
		return nil, err
	}
	return out[:ob.Off()], nil
}

func putTLVu8(b *octets, id uint16, v uint8) error {
	if err := b.PutU16(id); err != nil {
		return err
	}
	if err := b.PutU16(1); err != nil {
		return err
	}
	return b.PutU8(v)
}

func putTLVu16(b *octets, id uint16, v uint16) error {
	if err := b.PutU16(id); err != nil {
		return err
	}
	if err := b.PutU16(2); err != nil {
		return err
	}
	return b.PutU16(v)
}

func putTLVu32(b *octets, id uint16, v uint32) error {
	if err := b.PutU16(id); err != nil {
		return err
	}
	if err := b.PutU16(4); err != nil {
		return err
	}
	return b.PutU32(v)
}

// decodeTransportParams parses the wire format encodeTransportParams
// produces. Unknown TLV ids are ignored.
func decodeTransportParams(buf []byte, isServer bool) (*TransportParams, error) {
	b := newOctets(buf)
	if _, err := b.GetU32(); err != nil { // version, unchecked per spec.md §9 TODO parity
		return nil, err
	}
	if !isServer {
		// Client decodes a server's params: ignore supported_versions list.
		if _, err := b.GetBytesWithU8Length(); err != nil {
			return nil, err
		}
	}
	params, err := b.GetBytesWithU16Length()
	if err != nil {
		return nil, err
	}
	tp := &TransportParams{}
	pb := newOctets(params)
	for pb.Cap() > 0 {
		id, err := pb.GetU16()
		if err != nil {
			return nil, err
		}
		val, err := pb.GetBytesWithU16Length()
		if err != nil {
			return nil, err
		}
		vb := newOctets(val)
		switch id {
		case tpInitialMaxStreamDataBidiLocal:
			tp.InitialMaxStreamDataBidiLocal, err = vb.GetU32()
		case tpInitialMaxData:
			tp.InitialMaxData, err = vb.GetU32()
		case tpInitialMaxBidiStreams:
			tp.InitialMaxBidiStreams, err = vb.GetU16()
		case tpIdleTimeout:
			tp.IdleTimeout, err = vb.GetU16()
		case tpMaxPacketSize:
			tp.MaxPacketSize, err = vb.GetU16()
		case tpStatelessResetToken:
			var tok []byte
			tok, err = vb.GetBytes(16)
			if err == nil {
				copy(tp.StatelessResetToken[:], tok)
				tp.StatelessResetTokenPresent = true
			}
		case tpAckDelayExponent:
			tp.AckDelayExponent, err = vb.GetU8()
		case tpInitialMaxUniStreams:
			tp.InitialMaxUniStreams, err = vb.GetU16()
		case tpDisableMigration:
			tp.DisableMigration = true
		case tpInitialMaxStreamDataBidiRemote:
			tp.InitialMaxStreamDataBidiRemote, err = vb.GetU32()
		case tpInitialMaxStreamDataUni:
			tp.InitialMaxStreamDataUni, err = vb.GetU32()
		case tpMaxAckDelay:
			tp.MaxAckDelay, err = vb.GetU8()
		default:
			// Ignore unknown parameters.
		}
		if err != nil {
			return nil, err
		}
	}
	return tp, nil
}
