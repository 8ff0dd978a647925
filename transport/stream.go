package transport

import "sort"

// rangeBuf is one out-of-order chunk of stream data tagged with its
// offset in the stream, matching quiche's RangeBuf (spec.md §4.4).
type rangeBuf struct {
	data []byte
	off  uint64
	fin  bool
}

func (b *rangeBuf) end() uint64 { return b.off + uint64(len(b.data)) }

// recvBuf reassembles a stream's inbound byte range from out-of-order,
// possibly-overlapping chunks (spec.md §4.4).
type recvBuf struct {
	chunks  []rangeBuf // kept sorted ascending by off
	offset  uint64     // next byte the application has not yet read
	finOff  uint64
	gotFin  bool
}

// pushRecv inserts data at off, trimming any overlap with bytes already
// read or already buffered, per spec.md §4.4's reassembly rule.
func (r *recvBuf) pushRecv(data []byte, off uint64, fin bool) error {
	end := off + uint64(len(data))
	if fin {
		if r.gotFin && end != r.finOff {
			return newError(InvalidState, "conflicting stream final size")
		}
		r.gotFin = true
		r.finOff = end
	}
	if r.gotFin && end > r.finOff {
		return newError(InvalidState, "stream data beyond final size")
	}
	if end <= r.offset {
		return nil // entirely already consumed
	}
	if off < r.offset {
		skip := r.offset - off
		data = data[skip:]
		off = r.offset
	}
	if len(data) == 0 {
		if fin {
			r.chunks = append(r.chunks, rangeBuf{off: off, fin: true})
		}
		return nil
	}

	i := sort.Search(len(r.chunks), func(i int) bool { return r.chunks[i].off >= off })
	nr := rangeBuf{data: data, off: off, fin: fin}
	r.chunks = append(r.chunks, rangeBuf{})
	copy(r.chunks[i+1:], r.chunks[i:])
	r.chunks[i] = nr
	return nil
}

// canRead reports whether the next contiguous byte is available.
func (r *recvBuf) canRead() bool {
	for _, c := range r.chunks {
		if c.off > r.offset {
			return false
		}
		if c.end() > r.offset {
			return true
		}
	}
	return false
}

// popRecv drains as much contiguous data as is available starting at
// r.offset, appending it to out, and reports whether the stream's final
// size has now been fully delivered.
func (r *recvBuf) popRecv(out []byte) ([]byte, bool) {
	for len(r.chunks) > 0 {
		c := r.chunks[0]
		if c.off > r.offset {
			break
		}
		if c.end() > r.offset {
			skip := r.offset - c.off
			out = append(out, c.data[skip:]...)
			r.offset = c.end()
		}
		r.chunks = r.chunks[1:]
	}
	done := r.gotFin && r.offset >= r.finOff
	return out, done
}

// sendBuf is a stream's outbound byte queue: a flat buffer of
// not-yet-acked data plus how much of it has been sent so far
// (spec.md §4.4).
type sendBuf struct {
	data    []byte
	sendOff int // bytes already handed out by popSend
	shut    bool
	shutOff uint64
	finSent bool
}

// pushSend appends application bytes to the outbound queue.
func (s *sendBuf) pushSend(data []byte, fin bool) error {
	if s.shut {
		return newError(InvalidState, "stream already closed for writing")
	}
	s.data = append(s.data, data...)
	if fin {
		s.shut = true
		s.shutOff = uint64(len(s.data))
	}
	return nil
}

// popSend returns up to maxLen unsent bytes, the offset they start at,
// and whether this chunk reaches the stream's final size.
func (s *sendBuf) popSend(maxLen int) ([]byte, uint64, bool) {
	avail := len(s.data) - s.sendOff
	if avail == 0 {
		fin := s.shut && uint64(s.sendOff) == s.shutOff && !s.finSent
		if fin {
			s.finSent = true
		}
		return nil, uint64(s.sendOff), fin
	}
	n := avail
	if n > maxLen {
		n = maxLen
	}
	off := uint64(s.sendOff)
	chunk := s.data[s.sendOff : s.sendOff+n]
	s.sendOff += n
	fin := s.shut && uint64(s.sendOff) == s.shutOff
	if fin {
		s.finSent = true
	}
	return chunk, off, fin
}

// canWrite reports whether there is unsent application data or a
// pending fin that has not yet been emitted.
func (s *sendBuf) canWrite() bool {
	if len(s.data)-s.sendOff > 0 {
		return true
	}
	return s.shut && !s.finSent
}

// Stream is one QUIC stream's bidirectional buffering and flow-control
// state (spec.md §4.4).
type Stream struct {
	id uint64

	recv recvBuf
	send sendBuf

	// Flow control, connection-relative to this stream (spec.md §4.5).
	maxRxData      uint64 // credit this endpoint has advertised to the peer
	rxData         uint64 // total bytes received so far
	rxDataConsumed uint64 // high-water mark last reported to the peer

	maxTxData uint64 // credit the peer has advertised to us
	txData    uint64 // total bytes sent so far

	readable bool
	writable bool
}

func newStream(id uint64, maxRxData, maxTxData uint64) *Stream {
	return &Stream{
		id:        id,
		maxRxData: maxRxData,
		maxTxData: maxTxData,
		readable:  true,
		writable:  true,
	}
}

// isBidiStream reports whether id names a bidirectional stream (low bit 0),
// per the QUIC stream-id encoding spec.md §4.4 assumes.
func isBidiStream(id uint64) bool { return id&0x1 == 0 }

// isLocalStream reports whether id was opened by this endpoint.
func isLocalStream(id uint64, isServer bool) bool {
	initiatedByServer := id&0x2 != 0
	return initiatedByServer == isServer
}

// recvData buffers inbound stream data, enforcing per-stream flow
// control (spec.md §4.5): data extending past maxRxData is rejected
// without being buffered.
func (s *Stream) recvData(data []byte, off uint64, fin bool) error {
	end := off + uint64(len(data))
	if end > s.maxRxData {
		return newError(FlowControl, "stream flow control violation")
	}
	if err := s.recv.pushRecv(data, off, fin); err != nil {
		return err
	}
	if end > s.rxData {
		s.rxData = end
	}
	return nil
}

// moreCredit reports the additional receive credit to grant, and
// whether it crosses the threshold (half the window consumed) at which
// spec.md §4.5 says a MAX_STREAM_DATA update should be sent.
func (s *Stream) moreCredit(initialMax uint64) (uint64, bool) {
	consumed := s.rxDataConsumed
	if s.rxData-consumed < initialMax/2 {
		return 0, false
	}
	newMax := s.rxData + initialMax
	return newMax, true
}

// grantCredit records that newMax has been advertised to the peer.
func (s *Stream) grantCredit(newMax uint64) {
	s.maxRxData = newMax
	s.rxDataConsumed = s.rxData
}

// sendData enforces the peer-advertised per-stream send credit before
// queuing application bytes for transmission. txData itself is only
// advanced once the bytes are actually packetized (Conn.appendFrames);
// the bound here is against the total ever queued, so a single send
// spanning more than the unsent credit doesn't get silently truncated
// by a premature txData bump.
func (s *Stream) sendData(data []byte, fin bool) error {
	queued := uint64(len(s.send.data))
	if queued+uint64(len(data)) > s.maxTxData {
		return newError(FlowControl, "stream flow control violation")
	}
	if err := s.send.pushSend(data, fin); err != nil {
		return err
	}
	return nil
}

// streamMap owns every stream a connection has created, keyed by the
// QUIC stream id.
type streamMap struct {
	streams map[uint64]*Stream

	maxStreamDataBidiLocal  uint64
	maxStreamDataBidiRemote uint64
	maxStreamDataUni        uint64

	isServer bool
}

func newStreamMap(isServer bool, p *TransportParams) *streamMap {
	return &streamMap{
		streams:                 make(map[uint64]*Stream),
		maxStreamDataBidiLocal:  uint64(p.InitialMaxStreamDataBidiLocal),
		maxStreamDataBidiRemote: uint64(p.InitialMaxStreamDataBidiRemote),
		maxStreamDataUni:        uint64(p.InitialMaxStreamDataUni),
		isServer:                isServer,
	}
}

// get returns an existing stream, if any.
func (m *streamMap) get(id uint64) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// getOrCreate returns the stream for id, creating it with the
// appropriate initial flow-control windows (receive window sized by
// whether this endpoint or the peer opened it) if it does not exist
// yet.
func (m *streamMap) getOrCreate(id uint64, local bool) (*Stream, error) {
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	var rxWindow, txWindow uint64
	if isBidiStream(id) {
		if local {
			rxWindow, txWindow = m.maxStreamDataBidiLocal, m.maxStreamDataBidiRemote
		} else {
			rxWindow, txWindow = m.maxStreamDataBidiRemote, m.maxStreamDataBidiLocal
		}
	} else if local {
		txWindow = m.maxStreamDataUni
	} else {
		rxWindow = m.maxStreamDataUni
	}
	s := newStream(id, rxWindow, txWindow)
	m.streams[id] = s
	return s, nil
}

// writable returns every stream id with unsent data or a pending fin,
// in ascending order, the order send() services them in.
func (m *streamMap) writable() []uint64 {
	var ids []uint64
	for id, s := range m.streams {
		if s.send.canWrite() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
