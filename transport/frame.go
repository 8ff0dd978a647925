package transport

// Frame type tags (spec.md §4.3). The wire format encodes these as
// varints, but every tag this core supports fits in the 1-byte varint
// range.
const (
	frameTypePadding          = 0x00
	frameTypeConnectionClose  = 0x02
	frameTypeApplicationClose = 0x03
	frameTypeMaxData          = 0x04
	frameTypeMaxStreamData    = 0x05
	frameTypeMaxStreamID      = 0x06
	frameTypePing             = 0x07
	frameTypeNewConnectionID  = 0x0b
	frameTypeAck              = 0x0d
	frameTypeCrypto           = 0x18
	frameTypeNewToken         = 0x19
	frameTypeStreamLow        = 0x10
	frameTypeStreamHigh       = 0x17
)

// Stream frame flag bits within the type byte (0x10-0x17).
const (
	streamFlagFin    = 0x01
	streamFlagLen    = 0x02
	streamFlagOffset = 0x04
)

// frame is the closed sum type of wire frames this core understands.
// It is a sealed variant dispatched by tag byte; there is no open-world
// extension point because the wire format itself is closed.
type frame interface {
	wireLen() int
	encode(b *octets) error
}

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame { return &paddingFrame{length: length} }

func (f *paddingFrame) wireLen() int { return f.length }

func (f *paddingFrame) encode(b *octets) error {
	for i := 0; i < f.length; i++ {
		if err := b.PutU8(frameTypePadding); err != nil {
			return err
		}
	}
	return nil
}

type pingFrame struct{}

func (f *pingFrame) wireLen() int { return 1 }

func (f *pingFrame) encode(b *octets) error { return b.PutU8(frameTypePing) }

type ackFrame struct {
	ackDelay uint64
	ranges   rangeSet
}

func newAckFrame(ackDelay uint64, ranges rangeSet) *ackFrame {
	return &ackFrame{ackDelay: ackDelay, ranges: ranges}
}

func (f *ackFrame) wireLen() int {
	desc := f.ranges.descending()
	if len(desc) == 0 {
		return 0
	}
	n := 1 // type
	n += varintLen(desc[0].end)
	n += varintLen(f.ackDelay)
	n += varintLen(uint64(len(desc) - 1))
	n += varintLen(desc[0].end - desc[0].start)
	prevStart := desc[0].start
	for _, r := range desc[1:] {
		gap := prevStart - r.end - 2
		n += varintLen(gap)
		n += varintLen(r.end - r.start)
		prevStart = r.start
	}
	return n
}

func (f *ackFrame) encode(b *octets) error {
	desc := f.ranges.descending()
	if len(desc) == 0 {
		return newError(InvalidState, "empty ack ranges")
	}
	if err := b.PutU8(frameTypeAck); err != nil {
		return err
	}
	if err := b.PutVarint(desc[0].end); err != nil {
		return err
	}
	if err := b.PutVarint(f.ackDelay); err != nil {
		return err
	}
	if err := b.PutVarint(uint64(len(desc) - 1)); err != nil {
		return err
	}
	if err := b.PutVarint(desc[0].end - desc[0].start); err != nil {
		return err
	}
	prevStart := desc[0].start
	for _, r := range desc[1:] {
		gap := prevStart - r.end - 2
		if err := b.PutVarint(gap); err != nil {
			return err
		}
		if err := b.PutVarint(r.end - r.start); err != nil {
			return err
		}
		prevStart = r.start
	}
	return nil
}

func decodeAckFrame(b *octets) (*ackFrame, error) {
	largestAck, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	ackDelay, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	rangeCount, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	firstRange, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	if firstRange > largestAck {
		return nil, newError(InvalidPacket, "invalid ack range")
	}
	f := &ackFrame{ackDelay: ackDelay}
	smallest := largestAck - firstRange
	for n := smallest; n <= largestAck; n++ {
		f.ranges.pushItem(n)
	}
	for i := uint64(0); i < rangeCount; i++ {
		gap, err := b.GetVarint()
		if err != nil {
			return nil, err
		}
		rng, err := b.GetVarint()
		if err != nil {
			return nil, err
		}
		if smallest < gap+2 {
			return nil, newError(InvalidPacket, "invalid ack range")
		}
		largest := smallest - gap - 2
		if rng > largest {
			return nil, newError(InvalidPacket, "invalid ack range")
		}
		smallest = largest - rng
		for n := smallest; n <= largest; n++ {
			f.ranges.pushItem(n)
		}
	}
	return f, nil
}

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: application, errorCode: errorCode, frameType: frameType, reasonPhrase: reason}
}

func (f *connectionCloseFrame) wireLen() int {
	n := 1 + 2 + varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	if !f.application {
		n += varintLen(f.frameType)
	}
	return n
}

func (f *connectionCloseFrame) encode(b *octets) error {
	typ := uint8(frameTypeConnectionClose)
	if f.application {
		typ = frameTypeApplicationClose
	}
	if err := b.PutU8(typ); err != nil {
		return err
	}
	if err := b.PutU16(uint16(f.errorCode)); err != nil {
		return err
	}
	if !f.application {
		if err := b.PutVarint(f.frameType); err != nil {
			return err
		}
	}
	if err := b.PutVarint(uint64(len(f.reasonPhrase))); err != nil {
		return err
	}
	return b.PutBytes(f.reasonPhrase)
}

func decodeConnectionCloseFrame(b *octets, application bool) (*connectionCloseFrame, error) {
	errCode, err := b.GetU16()
	if err != nil {
		return nil, err
	}
	var frameType uint64
	if !application {
		frameType, err = b.GetVarint()
		if err != nil {
			return nil, err
		}
	}
	reason, err := b.GetBytesWithVarintLength()
	if err != nil {
		return nil, err
	}
	return &connectionCloseFrame{
		application:  application,
		errorCode:    uint64(errCode),
		frameType:    frameType,
		reasonPhrase: reason,
	}, nil
}

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func (f *maxDataFrame) wireLen() int { return 1 + varintLen(f.maximumData) }

func (f *maxDataFrame) encode(b *octets) error {
	if err := b.PutU8(frameTypeMaxData); err != nil {
		return err
	}
	return b.PutVarint(f.maximumData)
}

func decodeMaxDataFrame(b *octets) (*maxDataFrame, error) {
	max, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	return &maxDataFrame{maximumData: max}, nil
}

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(id, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: id, maximumData: max}
}

func (f *maxStreamDataFrame) wireLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) encode(b *octets) error {
	if err := b.PutU8(frameTypeMaxStreamData); err != nil {
		return err
	}
	if err := b.PutVarint(f.streamID); err != nil {
		return err
	}
	return b.PutVarint(f.maximumData)
}

func decodeMaxStreamDataFrame(b *octets) (*maxStreamDataFrame, error) {
	id, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	max, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	return &maxStreamDataFrame{streamID: id, maximumData: max}, nil
}

type maxStreamIDFrame struct {
	maximumStreamID uint64
}

func (f *maxStreamIDFrame) wireLen() int { return 1 + varintLen(f.maximumStreamID) }

func (f *maxStreamIDFrame) encode(b *octets) error {
	if err := b.PutU8(frameTypeMaxStreamID); err != nil {
		return err
	}
	return b.PutVarint(f.maximumStreamID)
}

func decodeMaxStreamIDFrame(b *octets) (*maxStreamIDFrame, error) {
	max, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	return &maxStreamIDFrame{maximumStreamID: max}, nil
}

type newConnectionIDFrame struct {
	seq         uint64
	cid         []byte
	resetToken  [16]byte
}

func (f *newConnectionIDFrame) wireLen() int {
	return 1 + varintLen(f.seq) + 1 + len(f.cid) + 16
}

func (f *newConnectionIDFrame) encode(b *octets) error {
	if err := b.PutU8(frameTypeNewConnectionID); err != nil {
		return err
	}
	if err := b.PutVarint(f.seq); err != nil {
		return err
	}
	if err := b.PutU8(uint8(len(f.cid))); err != nil {
		return err
	}
	if err := b.PutBytes(f.cid); err != nil {
		return err
	}
	return b.PutBytes(f.resetToken[:])
}

func decodeNewConnectionIDFrame(b *octets) (*newConnectionIDFrame, error) {
	seq, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	cidLen, err := b.GetU8()
	if err != nil {
		return nil, err
	}
	cid, err := b.GetBytes(int(cidLen))
	if err != nil {
		return nil, err
	}
	tok, err := b.GetBytes(16)
	if err != nil {
		return nil, err
	}
	f := &newConnectionIDFrame{seq: seq, cid: cid}
	copy(f.resetToken[:], tok)
	return f, nil
}

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame { return &newTokenFrame{token: token} }

func (f *newTokenFrame) wireLen() int { return 1 + varintLen(uint64(len(f.token))) + len(f.token) }

func (f *newTokenFrame) encode(b *octets) error {
	if err := b.PutU8(frameTypeNewToken); err != nil {
		return err
	}
	if err := b.PutVarint(uint64(len(f.token))); err != nil {
		return err
	}
	return b.PutBytes(f.token)
}

func decodeNewTokenFrame(b *octets) (*newTokenFrame, error) {
	token, err := b.GetBytesWithVarintLength()
	if err != nil {
		return nil, err
	}
	return &newTokenFrame{token: token}, nil
}

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{offset: offset, data: data}
}

func (f *cryptoFrame) wireLen() int {
	return 1 + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) encode(b *octets) error {
	if err := b.PutU8(frameTypeCrypto); err != nil {
		return err
	}
	if err := b.PutVarint(f.offset); err != nil {
		return err
	}
	if err := b.PutVarint(uint64(len(f.data))); err != nil {
		return err
	}
	return b.PutBytes(f.data)
}

func decodeCryptoFrame(b *octets) (*cryptoFrame, error) {
	offset, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	data, err := b.GetBytesWithVarintLength()
	if err != nil {
		return nil, err
	}
	return &cryptoFrame{offset: offset, data: data}, nil
}

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(id uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: id, offset: offset, data: data, fin: fin}
}

func (f *streamFrame) wireLen() int {
	n := 1 + varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	n += varintLen(uint64(len(f.data))) + len(f.data)
	return n
}

func (f *streamFrame) encode(b *octets) error {
	typ := uint8(frameTypeStreamLow) | streamFlagLen
	if f.offset > 0 {
		typ |= streamFlagOffset
	}
	if f.fin {
		typ |= streamFlagFin
	}
	if err := b.PutU8(typ); err != nil {
		return err
	}
	if err := b.PutVarint(f.streamID); err != nil {
		return err
	}
	if f.offset > 0 {
		if err := b.PutVarint(f.offset); err != nil {
			return err
		}
	}
	if err := b.PutVarint(uint64(len(f.data))); err != nil {
		return err
	}
	return b.PutBytes(f.data)
}

func decodeStreamFrame(b *octets, typ uint8) (*streamFrame, error) {
	id, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	var offset uint64
	if typ&streamFlagOffset != 0 {
		offset, err = b.GetVarint()
		if err != nil {
			return nil, err
		}
	}
	var data []byte
	if typ&streamFlagLen != 0 {
		data, err = b.GetBytesWithVarintLength()
		if err != nil {
			return nil, err
		}
	} else {
		data, err = b.GetBytes(b.Cap())
		if err != nil {
			return nil, err
		}
	}
	return &streamFrame{
		streamID: id,
		offset:   offset,
		data:     data,
		fin:      typ&streamFlagFin != 0,
	}, nil
}

// decodeFrame parses one frame from b, advancing the cursor past it.
func decodeFrame(b *octets) (frame, error) {
	typ, err := b.GetVarint()
	if err != nil {
		return nil, err
	}
	switch {
	case typ == frameTypePadding:
		n := 1
		for b.Cap() > 0 {
			v, err := b.PeekU8()
			if err != nil {
				return nil, err
			}
			if v != frameTypePadding {
				break
			}
			_, _ = b.GetU8()
			n++
		}
		return newPaddingFrame(n), nil
	case typ == frameTypePing:
		return &pingFrame{}, nil
	case typ == frameTypeAck:
		return decodeAckFrame(b)
	case typ == frameTypeConnectionClose:
		return decodeConnectionCloseFrame(b, false)
	case typ == frameTypeApplicationClose:
		return decodeConnectionCloseFrame(b, true)
	case typ == frameTypeMaxData:
		return decodeMaxDataFrame(b)
	case typ == frameTypeMaxStreamData:
		return decodeMaxStreamDataFrame(b)
	case typ == frameTypeMaxStreamID:
		return decodeMaxStreamIDFrame(b)
	case typ == frameTypeNewConnectionID:
		return decodeNewConnectionIDFrame(b)
	case typ == frameTypeNewToken:
		return decodeNewTokenFrame(b)
	case typ == frameTypeCrypto:
		return decodeCryptoFrame(b)
	case typ >= frameTypeStreamLow && typ <= frameTypeStreamHigh:
		return decodeStreamFrame(b, uint8(typ))
	default:
		return nil, newError(UnknownFrame, "")
	}
}

func isFrameAckEliciting(f frame) bool {
	switch f.(type) {
	case *paddingFrame, *ackFrame:
		return false
	default:
		return true
	}
}
