package transport

// packetType enumerates the packet forms spec.md §4.2 distinguishes.
type packetType int

const (
	packetTypeInitial packetType = iota
	packetTypeHandshake
	packetTypeZeroRTT
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeApplication // short header
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeZeroRTT:
		return "zero_rtt"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeApplication:
		return "1rtt"
	default:
		return "unknown"
	}
}

// Long-header type codes, low 7 bits of the first byte (high bit is
// always set for long headers).
const (
	longTypeInitial   = 0x7f & 0x00
	longTypeZeroRTT   = 0x7f & 0x01
	longTypeHandshake = 0x7f & 0x02
	longTypeRetry     = 0x7f & 0x03
)

// packetHeader carries the fields common to long and short headers
// (spec.md §4.2).
type packetHeader struct {
	typ     packetType
	version uint32
	flags   uint8
	dcid    []byte
	scid    []byte
	token   []byte

	dcil int // short-header only: caller-supplied dcid length
}

// decodeLongHeader parses a long-header packet per spec.md §4.2.
func decodeLongHeader(b *octets) (*packetHeader, error) {
	first, err := b.GetU8()
	if err != nil {
		return nil, err
	}
	if first&0x80 == 0 {
		return nil, newError(WrongForm, "expected long header")
	}
	typeCode := first & 0x7f

	version, err := b.GetU32()
	if err != nil {
		return nil, err
	}

	cl, err := b.GetU8()
	if err != nil {
		return nil, err
	}
	dcil := int(cl >> 4)
	scil := int(cl & 0x0f)
	if dcil > 0 {
		dcil += 3
	}
	if scil > 0 {
		scil += 3
	}

	dcid, err := b.GetBytes(dcil)
	if err != nil {
		return nil, err
	}
	scid, err := b.GetBytes(scil)
	if err != nil {
		return nil, err
	}

	h := &packetHeader{
		version: version,
		flags:   first,
		dcid:    dcid,
		scid:    scid,
	}

	switch {
	case version == 0:
		h.typ = packetTypeVersionNegotiation
	default:
		switch typeCode {
		case longTypeInitial:
			h.typ = packetTypeInitial
			token, err := b.GetBytesWithVarintLength()
			if err != nil {
				return nil, err
			}
			h.token = token
		case longTypeZeroRTT:
			h.typ = packetTypeZeroRTT
		case longTypeHandshake:
			h.typ = packetTypeHandshake
		case longTypeRetry:
			h.typ = packetTypeRetry
		default:
			return nil, newError(UnknownPacket, "")
		}
	}
	return h, nil
}

// decodeShortHeader parses a short-header (Application) packet; dcidLen
// is supplied by the caller since a short header carries no length
// field for the destination CID (spec.md §4.2).
func decodeShortHeader(b *octets, dcidLen int) (*packetHeader, error) {
	first, err := b.GetU8()
	if err != nil {
		return nil, err
	}
	if first&0x80 != 0 {
		return nil, newError(WrongForm, "expected short header")
	}
	dcid, err := b.GetBytes(dcidLen)
	if err != nil {
		return nil, err
	}
	return &packetHeader{
		typ:   packetTypeApplication,
		flags: first,
		dcid:  dcid,
	}, nil
}

// cidLenByte encodes two CID lengths into the long-header length byte:
// 0 means absent, otherwise length-3 in the nibble (spec.md §4.2).
func cidLenByte(dcidLen, scidLen int) uint8 {
	var hi, lo uint8
	if dcidLen > 0 {
		hi = uint8(dcidLen - 3)
	}
	if scidLen > 0 {
		lo = uint8(scidLen - 3)
	}
	return hi<<4 | lo
}

func typeCodeFor(t packetType) uint8 {
	switch t {
	case packetTypeInitial:
		return longTypeInitial
	case packetTypeZeroRTT:
		return longTypeZeroRTT
	case packetTypeHandshake:
		return longTypeHandshake
	case packetTypeRetry:
		return longTypeRetry
	default:
		return longTypeInitial
	}
}

// encodeLongHeader serializes h as a long header. This core never sends
// a non-empty Initial token (spec.md §4.2).
func encodeLongHeader(b *octets, h *packetHeader) error {
	flags := uint8(0x80) | typeCodeFor(h.typ)
	if err := b.PutU8(flags); err != nil {
		return err
	}
	if err := b.PutU32(h.version); err != nil {
		return err
	}
	if err := b.PutU8(cidLenByte(len(h.dcid), len(h.scid))); err != nil {
		return err
	}
	if err := b.PutBytes(h.dcid); err != nil {
		return err
	}
	if err := b.PutBytes(h.scid); err != nil {
		return err
	}
	if h.typ == packetTypeInitial {
		if err := b.PutVarint(0); err != nil { // zero-length token
			return err
		}
	}
	return nil
}

// encodeShortHeader serializes h as a short (Application) header.
func encodeShortHeader(b *octets, h *packetHeader) error {
	flags := uint8(0x40) // fixed bit set, spin/key-phase bits left zero
	if err := b.PutU8(flags); err != nil {
		return err
	}
	return b.PutBytes(h.dcid)
}

// encodedLongHeaderLen returns the serialized length of a long header
// excluding the packet number and payload.
func encodedLongHeaderLen(h *packetHeader) int {
	n := 1 + 4 + 1 + len(h.dcid) + len(h.scid)
	if h.typ == packetTypeInitial {
		n += varintLen(0)
	}
	return n
}

// --- Packet number encode/decode (spec.md §4.2) ---

// pktNumLen picks the shortest encoding (1, 2, or 4 bytes) that
// uniquely distinguishes pn from largestAcked, per the gap thresholds
// spec.md §4.2 gives.
func pktNumLen(pn, largestAcked uint64) int {
	gap := pn - largestAcked
	switch {
	case gap < 128:
		return 1
	case gap < 32768:
		return 2
	default:
		return 4
	}
}

func encodePktNum(pn uint64, length int, b *octets) error {
	switch length {
	case 1:
		return b.PutU8(uint8(pn))
	case 2:
		return b.PutU16(uint16(pn))
	default:
		return b.PutU32(uint32(pn))
	}
}

func truncatePktNum(pn uint64, length int) uint64 {
	switch length {
	case 1:
		return pn & 0xff
	case 2:
		return pn & 0xffff
	default:
		return pn & 0xffffffff
	}
}

// decodePktNum reconstructs the full 64-bit packet number nearest to
// largestRx+1 from its truncated wire form, per spec.md §4.2's standard
// QUIC truncated-PN reconstruction.
func decodePktNum(largestRx uint64, truncated uint64, length int) uint64 {
	pnBits := uint(length * 8)
	pnWin := uint64(1) << pnBits
	pnHalfWin := pnWin / 2
	expected := largestRx + 1

	candidate := (expected &^ (pnWin - 1)) | truncated
	switch {
	case expected >= pnHalfWin && candidate <= expected-pnHalfWin && candidate < (1<<62)-pnWin:
		return candidate + pnWin
	case candidate > expected+pnHalfWin && candidate >= pnWin:
		return candidate - pnWin
	default:
		return candidate
	}
}

// --- Header protection (spec.md §4.2) ---
//
// Applied after AEAD sealing; removed before the packet number can be
// decoded. The sample is always taken at a fixed offset of 4 bytes past
// the start of the packet number field, regardless of the packet
// number's actual encoded length, so that removal can happen before
// that length is known.

func applyHeaderProtection(buf []byte, pnOffset, pnLen int, keys *packetKeys) error {
	sampleOffset := pnOffset + 4
	if sampleOffset+headerProtSample > len(buf) {
		return errBufferTooShort
	}
	sample := buf[sampleOffset : sampleOffset+headerProtSample]
	mask, err := keys.headerProtectionMask(sample)
	if err != nil {
		return err
	}
	if buf[0]&0x80 != 0 {
		buf[0] ^= mask[0] & 0x0f
	} else {
		buf[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		buf[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

// removeHeaderProtection undoes applyHeaderProtection, returning the
// recovered packet number length (1, 2, or 4).
func removeHeaderProtection(buf []byte, pnOffset int, keys *packetKeys) (int, error) {
	sampleOffset := pnOffset + 4
	if sampleOffset+headerProtSample > len(buf) {
		return 0, errBufferTooShort
	}
	sample := buf[sampleOffset : sampleOffset+headerProtSample]
	mask, err := keys.headerProtectionMask(sample)
	if err != nil {
		return 0, err
	}
	if buf[0]&0x80 != 0 {
		buf[0] ^= mask[0] & 0x0f
	} else {
		buf[0] ^= mask[0] & 0x1f
	}
	pnLen := int(buf[0]&0x03) + 1
	if pnOffset+pnLen > len(buf) {
		return 0, errBufferTooShort
	}
	for i := 0; i < pnLen; i++ {
		buf[pnOffset+i] ^= mask[1+i]
	}
	return pnLen, nil
}
