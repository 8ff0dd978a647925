package transport

import "encoding/binary"

// octets is a bounds-checked cursor over a mutable byte buffer. It never
// panics: every read/write that would exceed the buffer returns
// errBufferTooShort.
type octets struct {
	buf []byte
	off int
}

func newOctets(buf []byte) octets {
	return octets{buf: buf}
}

// Off returns the current read/write offset.
func (o *octets) Off() int { return o.off }

// Cap returns the number of bytes remaining before the buffer is
// exhausted.
func (o *octets) Cap() int { return len(o.buf) - o.off }

// Len returns the total length of the underlying buffer.
func (o *octets) Len() int { return len(o.buf) }

func (o *octets) ensure(n int) error {
	if o.Cap() < n {
		return errBufferTooShort
	}
	return nil
}

// PeekU8 returns the next byte without advancing the cursor.
func (o *octets) PeekU8() (uint8, error) {
	if err := o.ensure(1); err != nil {
		return 0, err
	}
	return o.buf[o.off], nil
}

// GetU8 reads and advances past one byte.
func (o *octets) GetU8() (uint8, error) {
	v, err := o.PeekU8()
	if err != nil {
		return 0, err
	}
	o.off++
	return v, nil
}

// PutU8 writes one byte and advances.
func (o *octets) PutU8(v uint8) error {
	if err := o.ensure(1); err != nil {
		return err
	}
	o.buf[o.off] = v
	o.off++
	return nil
}

// GetU16 reads a big-endian uint16.
func (o *octets) GetU16() (uint16, error) {
	if err := o.ensure(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(o.buf[o.off:])
	o.off += 2
	return v, nil
}

// PutU16 writes a big-endian uint16.
func (o *octets) PutU16(v uint16) error {
	if err := o.ensure(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(o.buf[o.off:], v)
	o.off += 2
	return nil
}

// GetU32 reads a big-endian uint32.
func (o *octets) GetU32() (uint32, error) {
	if err := o.ensure(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(o.buf[o.off:])
	o.off += 4
	return v, nil
}

// PutU32 writes a big-endian uint32.
func (o *octets) PutU32(v uint32) error {
	if err := o.ensure(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(o.buf[o.off:], v)
	o.off += 4
	return nil
}

// GetU64 reads a big-endian uint64.
func (o *octets) GetU64() (uint64, error) {
	if err := o.ensure(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(o.buf[o.off:])
	o.off += 8
	return v, nil
}

// PutU64 writes a big-endian uint64.
func (o *octets) PutU64(v uint64) error {
	if err := o.ensure(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(o.buf[o.off:], v)
	o.off += 8
	return nil
}

// GetBytes reads n raw bytes, returning a slice aliasing the buffer.
func (o *octets) GetBytes(n int) ([]byte, error) {
	if err := o.ensure(n); err != nil {
		return nil, err
	}
	b := o.buf[o.off : o.off+n]
	o.off += n
	return b, nil
}

// PeekBytes returns n raw bytes without advancing the cursor.
func (o *octets) PeekBytes(n int) ([]byte, error) {
	if err := o.ensure(n); err != nil {
		return nil, err
	}
	return o.buf[o.off : o.off+n], nil
}

// PutBytes copies b into the buffer and advances.
func (o *octets) PutBytes(b []byte) error {
	if err := o.ensure(len(b)); err != nil {
		return err
	}
	copy(o.buf[o.off:], b)
	o.off += len(b)
	return nil
}

// Skip advances the cursor by n bytes without reading them.
func (o *octets) Skip(n int) error {
	if err := o.ensure(n); err != nil {
		return err
	}
	o.off += n
	return nil
}

// SplitAt splits the underlying buffer at offset n into a head cursor
// (bytes [0, n)) and a tail cursor (the rest), both starting at offset
// 0, mirroring octets::Bytes::split_at in the original Rust
// implementation. The current offset is not consulted.
func (o *octets) SplitAt(n int) (octets, octets, error) {
	if n > len(o.buf) {
		return octets{}, octets{}, errBufferTooShort
	}
	return octets{buf: o.buf[:n]}, newOctets(o.buf[n:]), nil
}

// SliceLast returns the last n bytes of the underlying buffer as a
// mutable slice, used to XOR header-protection bytes in place.
func (o *octets) SliceLast(n int) ([]byte, error) {
	if n > len(o.buf) {
		return nil, errBufferTooShort
	}
	return o.buf[len(o.buf)-n:], nil
}

// Bytes returns the full underlying buffer.
func (o *octets) Bytes() []byte { return o.buf }

// --- QUIC variable-length integers ---
//
// The top two bits of the first byte select the encoded length:
// 00 -> 1 byte, 01 -> 2 bytes, 10 -> 4 bytes, 11 -> 8 bytes.

const (
	varint1ByteMax = 1<<6 - 1
	varint2ByteMax = 1<<14 - 1
	varint4ByteMax = 1<<30 - 1
	varint8ByteMax = 1<<62 - 1
)

// varintLen returns the number of bytes needed to encode v as a varint.
func varintLen(v uint64) int {
	switch {
	case v <= varint1ByteMax:
		return 1
	case v <= varint2ByteMax:
		return 2
	case v <= varint4ByteMax:
		return 4
	default:
		return 8
	}
}

// GetVarint reads a QUIC variable-length integer.
func (o *octets) GetVarint() (uint64, error) {
	first, err := o.PeekU8()
	if err != nil {
		return 0, err
	}
	length := 1 << (first >> 6)
	b, err := o.GetBytes(length)
	if err != nil {
		return 0, err
	}
	v := uint64(b[0] & 0x3f)
	for _, c := range b[1:] {
		v = (v << 8) | uint64(c)
	}
	return v, nil
}

// PutVarint writes v using the shortest QUIC varint encoding.
func (o *octets) PutVarint(v uint64) error {
	switch {
	case v <= varint1ByteMax:
		return o.PutU8(uint8(v))
	case v <= varint2ByteMax:
		return o.PutU16(uint16(v) | 0x4000)
	case v <= varint4ByteMax:
		return o.PutU32(uint32(v) | 0x80000000)
	case v <= varint8ByteMax:
		return o.PutU64(v | 0xc000000000000000)
	default:
		return errBufferTooShort
	}
}

// GetBytesWithU8Length reads a u8-length-prefixed byte slice.
func (o *octets) GetBytesWithU8Length() ([]byte, error) {
	n, err := o.GetU8()
	if err != nil {
		return nil, err
	}
	return o.GetBytes(int(n))
}

// GetBytesWithU16Length reads a u16-length-prefixed byte slice.
func (o *octets) GetBytesWithU16Length() ([]byte, error) {
	n, err := o.GetU16()
	if err != nil {
		return nil, err
	}
	return o.GetBytes(int(n))
}

// GetBytesWithVarintLength reads a varint-length-prefixed byte slice.
func (o *octets) GetBytesWithVarintLength() ([]byte, error) {
	n, err := o.GetVarint()
	if err != nil {
		return nil, err
	}
	return o.GetBytes(int(n))
}
