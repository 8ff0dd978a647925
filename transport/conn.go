package transport

import (
	"crypto/rand"
	"crypto/tls"
	"time"
)

// Config bundles the settings a Conn needs at construction: the wire
// version to speak, the TLS collaborator's configuration, and the
// local transport parameters to advertise.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  TransportParams
}

// Conn is the per-connection state machine (spec.md §3). It performs
// no I/O and is not safe for concurrent use: recv and send are the
// only mutating entry points and must be serialized by the caller.
type Conn struct {
	isServer bool
	version  uint32

	scid []byte
	dcid []byte

	spaces [3]*pnSpace

	tls *tlsHandshake

	localParams TransportParams
	peerParams  *TransportParams

	rxData    uint64
	maxRxData uint64
	txData    uint64 // bytes actually packetized, updated only in appendFrames
	maxTxData uint64

	// txDataQueued bounds buffering at StreamSend time: total bytes ever
	// handed to StreamSend across all streams, checked against
	// maxTxData before txData itself has caught up to what was queued.
	txDataQueued uint64

	streams *streamMap

	derivedInitialSecrets bool
	sentInitial           bool
	gotPeerConnID         bool
	handshakeCompleted    bool
	draining              bool

	onLogEvent func(LogEvent)
}

// OnLogEvent registers fn to receive a qlog-style LogEvent for every
// packet and frame this Conn processes or emits. Passing nil disables
// logging.
func (c *Conn) OnLogEvent(fn func(LogEvent)) {
	c.onLogEvent = fn
}

func (c *Conn) logEvent(e LogEvent) {
	if c.onLogEvent != nil {
		c.onLogEvent(e)
	}
}

// NewConn constructs a Conn. scid is this endpoint's own source
// connection id. For a client, a random 16-byte destination CID is
// generated and the Initial secrets are derived immediately (spec.md
// §3, §4.2); a server instead derives them lazily in recv, from the
// client's chosen dcid, once the first Initial packet arrives. The
// client keeps its generated destination CID for the whole connection:
// it is not replaced by the server's source CID. A server takes the
// client's source CID as its destination CID from the first packet.
// A server's TLS handshake is started here, so it is ready for the
// client's first flight.
func NewConn(isServer bool, scid []byte, config *Config) (*Conn, error) {
	c := &Conn{
		isServer:    isServer,
		version:     config.Version,
		scid:        scid,
		localParams: config.Params,
		maxRxData:   uint64(config.Params.InitialMaxData),
		streams:     newStreamMap(isServer, &config.Params),
	}
	for i := range c.spaces {
		c.spaces[i] = newPnSpace(cryptoLevel(i))
	}

	encodedParams, err := encodeTransportParams(&config.Params, config.Version, isServer)
	if err != nil {
		return nil, err
	}
	c.tls = newTLSHandshake(isServer, config.TLS, encodedParams)
	c.tls.installSecret = c.installSecret
	c.tls.writeCrypto = c.writeCrypto
	if isServer {
		if err := c.tls.start(); err != nil {
			return nil, err
		}
	}

	if !isServer {
		dcid := make([]byte, 16)
		if _, err := rand.Read(dcid); err != nil {
			return nil, wrapError(CryptoFail, err)
		}
		c.dcid = dcid
		if err := c.deriveInitialSecrets(dcid); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsEstablished reports whether the handshake has completed.
func (c *Conn) IsEstablished() bool { return c.handshakeCompleted }

// IsDraining reports whether a CONNECTION_CLOSE/APPLICATION_CLOSE has
// been received.
func (c *Conn) IsDraining() bool { return c.draining }

func (c *Conn) deriveInitialSecrets(dcid []byte) error {
	keys, err := deriveInitialKeyMaterial(dcid)
	if err != nil {
		return err
	}
	sp := c.spaces[levelInitial]
	if c.isServer {
		sp.openKeys, sp.sealKeys = keys.client, keys.server
	} else {
		sp.openKeys, sp.sealKeys = keys.server, keys.client
	}
	sp.keysSet = true
	c.derivedInitialSecrets = true
	return nil
}

// installSecret is the tlsHandshake callback that installs AEAD keys
// into a pnSpace as the TLS collaborator exports each level's secret
// (spec.md §4.8, §9 "Ownership of AEAD keys").
func (c *Conn) installSecret(level cryptoLevel, isRead bool, suiteID uint16, secret []byte) error {
	suite, keyLen := suiteFromTLSID(suiteID)
	keys, err := deriveLevelKeys(suite, keyLen, secret)
	if err != nil {
		return err
	}
	sp := c.spaces[level]
	if isRead {
		sp.openKeys = keys
	} else {
		sp.sealKeys = keys
	}
	if sp.openKeys != nil && sp.sealKeys != nil {
		sp.keysSet = true
	}
	return nil
}

// writeCrypto is the tlsHandshake callback that appends outbound
// handshake bytes to the given level's crypto stream.
func (c *Conn) writeCrypto(level cryptoLevel, data []byte) {
	c.spaces[level].cryptoSend.pushSend(data, false)
}

// pumpHandshake drives the TLS collaborator forward; a client kicks
// off the handshake with its first pump (spec.md §4.8). After any
// progress, peer transport parameters and handshake completion are
// synced into Conn state.
func (c *Conn) pumpHandshake() error {
	if !c.isServer && !c.sentInitial {
		if err := c.tls.start(); err != nil {
			return err
		}
	}
	return c.syncHandshakeState()
}

func (c *Conn) syncHandshakeState() error {
	if c.tls.peerParams != nil && c.peerParams == nil {
		c.peerParams = c.tls.peerParams
		c.maxTxData = uint64(c.peerParams.InitialMaxData)
	}
	if c.tls.isEstablished() && !c.handshakeCompleted {
		c.handshakeCompleted = true
	}
	return nil
}

// spaceForPacketType selects the pnSpace a packet type belongs to.
func (c *Conn) spaceForPacketType(t packetType) (*pnSpace, error) {
	switch t {
	case packetTypeInitial:
		return c.spaces[levelInitial], nil
	case packetTypeHandshake:
		return c.spaces[levelHandshake], nil
	case packetTypeApplication:
		return c.spaces[levelApplication], nil
	default:
		return nil, newError(InvalidPacket, "unsupported packet type")
	}
}

// Recv is the single datagram-in entry point (spec.md §4.6).
func (c *Conn) Recv(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, errBufferTooShort
	}
	if err := c.pumpHandshake(); err != nil {
		return 0, err
	}

	b := newOctets(buf)
	first, err := b.PeekU8()
	if err != nil {
		return 0, err
	}

	var hdr *packetHeader
	if first&0x80 != 0 {
		hdr, err = decodeLongHeader(&b)
		if err != nil {
			return 0, err
		}
		if hdr.typ == packetTypeVersionNegotiation {
			return 0, newError(InvalidPacket, "version negotiation not supported")
		}
		if hdr.version != c.version {
			return 0, newError(UnknownVersion, "")
		}
	} else {
		dcidLen := len(c.scid)
		hdr, err = decodeShortHeader(&b, dcidLen)
		if err != nil {
			return 0, err
		}
	}

	if c.isServer && !c.gotPeerConnID {
		c.dcid = append([]byte(nil), hdr.scid...)
		c.gotPeerConnID = true
	}
	if c.isServer && !c.derivedInitialSecrets {
		if err := c.deriveInitialSecrets(hdr.dcid); err != nil {
			return 0, err
		}
	}

	var payloadLen int
	if first&0x80 != 0 {
		pl, err := b.GetVarint()
		if err != nil {
			return 0, err
		}
		payloadLen = int(pl)
	} else {
		payloadLen = b.Cap()
	}
	if b.Cap() < payloadLen {
		return 0, errBufferTooShort
	}
	hdrLen := b.Off()

	sp, err := c.spaceForPacketType(hdr.typ)
	if err != nil {
		return 0, err
	}
	if !sp.canDecrypt() {
		return 0, newError(InvalidState, "no keys for packet space")
	}

	pnOffset := hdrLen
	pnLen, err := removeHeaderProtection(buf[:pnOffset+payloadLen], pnOffset, sp.openKeys)
	if err != nil {
		return 0, err
	}
	pnRaw, err := readTruncatedPN(buf, pnOffset, pnLen)
	if err != nil {
		return 0, err
	}
	pn := decodePktNum(sp.largestRxPktNum, pnRaw, pnLen)

	header := buf[:pnOffset+pnLen]
	ciphertext := buf[pnOffset+pnLen : pnOffset+payloadLen]
	plaintext, err := sp.openKeys.open(ciphertext, pn, header)
	if err != nil {
		return 0, err
	}
	if c.onLogEvent != nil {
		c.logEvent(newLogEventPacket(time.Now(), logEventPacketReceived, hdr, pn, len(plaintext)))
	}

	fb := newOctets(plaintext)
	ackEliciting := false
	for fb.Cap() > 0 {
		fr, err := decodeFrame(&fb)
		if err != nil {
			return 0, err
		}
		if c.onLogEvent != nil {
			c.logEvent(newLogEventFrame(time.Now(), logEventFramesProcessed, fr))
		}
		if isFrameAckEliciting(fr) {
			ackEliciting = true
		}
		if err := c.handleFrame(fr, sp); err != nil {
			return 0, err
		}
	}

	sp.recordRecv(pn)
	if ackEliciting {
		sp.doAck = true
	}

	return pnOffset + payloadLen, nil
}

// readTruncatedPN re-reads the packet number bytes after
// removeHeaderProtection has XORed them back to plaintext.
func readTruncatedPN(buf []byte, pnOffset, pnLen int) (uint64, error) {
	b := newOctets(buf[pnOffset : pnOffset+pnLen])
	switch pnLen {
	case 1:
		v, err := b.GetU8()
		return uint64(v), err
	case 2:
		v, err := b.GetU16()
		return uint64(v), err
	default:
		v, err := b.GetU32()
		return uint64(v), err
	}
}

// handleFrame applies one decoded frame's effect to connection/stream
// state (spec.md §4.6 frame handling rules).
func (c *Conn) handleFrame(fr frame, sp *pnSpace) error {
	switch f := fr.(type) {
	case *paddingFrame:
		return nil
	case *pingFrame:
		return nil
	case *ackFrame:
		return c.handleAck(f, sp)
	case *connectionCloseFrame:
		c.draining = true
		return nil
	case *maxDataFrame:
		if f.maximumData > c.maxTxData {
			c.maxTxData = f.maximumData
		}
		return nil
	case *maxStreamDataFrame:
		s, ok := c.streams.get(f.streamID)
		if !ok {
			return newError(UnknownStream, "")
		}
		if f.maximumData > s.maxTxData {
			s.maxTxData = f.maximumData
		}
		return nil
	case *maxStreamIDFrame:
		return nil
	case *newConnectionIDFrame:
		// Contents unused: migration is out of scope (spec.md §9 open
		// questions). The frame is still parsed and counted toward
		// do_ack like any other ack-eliciting frame.
		return nil
	case *newTokenFrame:
		return nil
	case *cryptoFrame:
		return c.handleCrypto(f, sp)
	case *streamFrame:
		return c.handleStream(f)
	default:
		return newError(UnknownFrame, "")
	}
}

// handleAck is the hook spec.md §9 asks implementers to leave rather
// than silently discard ACKs: parsed and currently a no-op, since loss
// detection is a non-goal of the core.
func (c *Conn) handleAck(f *ackFrame, sp *pnSpace) error {
	return nil
}

func (c *Conn) handleCrypto(f *cryptoFrame, sp *pnSpace) error {
	if err := sp.cryptoRecv.pushRecv(f.data, f.offset, false); err != nil {
		return err
	}
	if sp.cryptoRecv.canRead() {
		var out []byte
		out, _ = sp.cryptoRecv.popRecv(out)
		if len(out) > 0 {
			if err := c.tls.provideData(sp.level, out); err != nil {
				return err
			}
			if err := c.syncHandshakeState(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) handleStream(f *streamFrame) error {
	s, err := c.streams.getOrCreate(f.streamID, isLocalStream(f.streamID, c.isServer))
	if err != nil {
		return err
	}
	// spec.md §3/§9: clamp and check against rx_data, correcting the
	// original's tx_data typo.
	end := f.offset + uint64(len(f.data))
	if end > s.maxRxData {
		return newError(FlowControl, "stream flow control violation")
	}
	before := s.rxData
	if err := s.recvData(f.data, f.offset, f.fin); err != nil {
		return err
	}
	c.rxData += s.rxData - before
	return nil
}

// Send writes at most one packet into out (spec.md §4.7).
func (c *Conn) Send(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, errBufferTooShort
	}
	if c.draining {
		return 0, errNothingToDo
	}
	if err := c.pumpHandshake(); err != nil {
		return 0, err
	}

	maxLen := len(out)
	if c.peerParams != nil && int(c.peerParams.MaxPacketSize) > 0 && int(c.peerParams.MaxPacketSize) < maxLen {
		maxLen = int(c.peerParams.MaxPacketSize)
	}
	if maxLen > MaxPktLen {
		maxLen = MaxPktLen
	}

	level, ok := c.pickSendLevel()
	if !ok {
		return 0, errNothingToDo
	}
	sp := c.spaces[level]

	isLongHeader := level != levelApplication
	hdr := &packetHeader{typ: level.packetType(), version: c.version, dcid: c.dcid, scid: c.scid}

	b := newOctets(out[:maxLen])
	var lenFieldOffset int
	if isLongHeader {
		if err := encodeLongHeader(&b, hdr); err != nil {
			return 0, err
		}
		lenFieldOffset = b.Off()
		// Reserve 2 bytes for the length varint; patched once the
		// payload length is known.
		if err := b.Skip(2); err != nil {
			return 0, err
		}
	} else {
		if err := encodeShortHeader(&b, hdr); err != nil {
			return 0, err
		}
	}

	pn := sp.nextPktNum()
	pnLen := pktNumLen(pn, sp.largestRxPktNum)
	pnOffset := b.Off()
	if err := encodePktNum(pn, pnLen, &b); err != nil {
		return 0, err
	}

	payloadStart := b.Off()
	wrote, err := c.appendFrames(&b, sp, level, maxLen-payloadStart-aeadTagLen)
	if err != nil {
		return 0, err
	}
	if !wrote {
		return 0, errNothingToDo
	}

	payload := out[payloadStart:b.Off()]
	header := out[:payloadStart]
	if cap(payload) < len(payload)+aeadTagLen {
		return 0, errBufferTooShort
	}
	total := payloadStart + len(payload) + aeadTagLen

	// The length field is part of the associated data, so it is written
	// before sealing.
	if isLongHeader {
		plen := uint16(total - pnOffset)
		lb := newOctets(out[lenFieldOffset : lenFieldOffset+2])
		if err := lb.PutU16(plen | 0x4000); err != nil {
			return 0, err
		}
	}

	if _, err := sp.sealKeys.seal(payload, pn, header); err != nil {
		return 0, err
	}

	if err := applyHeaderProtection(out[:total], pnOffset, pnLen, sp.sealKeys); err != nil {
		return 0, err
	}

	if c.onLogEvent != nil {
		c.logEvent(newLogEventPacket(time.Now(), logEventPacketSent, hdr, pn, len(payload)))
	}

	return total, nil
}

// pickSendLevel chooses the highest-priority pnSpace with work to do
// (spec.md §4.7 step 4).
func (c *Conn) pickSendLevel() (cryptoLevel, bool) {
	if c.spaces[levelInitial].keysSet && c.spaces[levelInitial].ready() {
		return levelInitial, true
	}
	if c.spaces[levelHandshake].keysSet && c.spaces[levelHandshake].ready() {
		return levelHandshake, true
	}
	if c.handshakeCompleted && c.spaces[levelApplication].keysSet {
		sp := c.spaces[levelApplication]
		if sp.ready() || c.anyStreamWritable() || c.anyStreamNeedsCredit() {
			return levelApplication, true
		}
	}
	return 0, false
}

func (c *Conn) anyStreamWritable() bool {
	return len(c.streams.writable()) > 0
}

func (c *Conn) anyStreamNeedsCredit() bool {
	for _, s := range c.streams.streams {
		if _, ok := s.moreCredit(uint64(c.localParams.InitialMaxStreamDataBidiLocal)); ok {
			return true
		}
	}
	return false
}

// appendFrames fills in frames up to budget bytes, in the priority
// order spec.md §4.7 step 6 lists. It reports whether anything was
// written.
func (c *Conn) appendFrames(b *octets, sp *pnSpace, level cryptoLevel, budget int) (bool, error) {
	wrote := false

	if sp.doAck && !sp.recvPktNum.Empty() {
		af := newAckFrame(0, sp.recvPktNum)
		if af.wireLen() <= budget {
			if err := af.encode(b); err != nil {
				return false, err
			}
			budget -= af.wireLen()
			sp.recvPktNum.Clear()
			sp.doAck = false
			wrote = true
		}
	}

	if sp.cryptoSend.canWrite() {
		avail := budget - maxCryptoFrameOverhead
		if avail > 0 {
			data, off, _ := sp.cryptoSend.popSend(avail)
			if len(data) > 0 {
				cf := newCryptoFrame(data, off)
				if err := cf.encode(b); err != nil {
					return false, err
				}
				budget -= cf.wireLen()
				wrote = true
			}
		}
	}

	if !c.isServer && level == levelInitial && !c.sentInitial {
		cur := b.Off()
		target := ClientInitialMinLen - aeadTagLen
		if cur < target && target-cur <= budget {
			pad := newPaddingFrame(target - cur)
			if err := pad.encode(b); err != nil {
				return false, err
			}
			budget -= pad.wireLen()
		}
		c.sentInitial = true
		wrote = true
	}

	if level == levelApplication {
		if c.rxData+2*MaxPktLen > c.maxRxData {
			newMax := c.rxData + uint64(c.localParams.InitialMaxData)
			mf := newMaxDataFrame(newMax)
			if mf.wireLen() <= budget {
				if err := mf.encode(b); err != nil {
					return false, err
				}
				budget -= mf.wireLen()
				c.maxRxData = newMax
				wrote = true
			}
		}

		for id, s := range c.streams.streams {
			newMax, ok := s.moreCredit(uint64(c.localParams.InitialMaxStreamDataBidiLocal))
			if !ok {
				continue
			}
			mf := newMaxStreamDataFrame(id, newMax)
			if mf.wireLen() > budget {
				continue
			}
			if err := mf.encode(b); err != nil {
				return false, err
			}
			budget -= mf.wireLen()
			s.grantCredit(newMax)
			wrote = true
		}

		for _, id := range c.streams.writable() {
			s := c.streams.streams[id]
			credit := s.maxTxData - s.txData
			avail := budget - maxStreamFrameOverhead
			if avail <= 0 || credit == 0 {
				continue
			}
			n := avail
			if uint64(n) > credit {
				n = int(credit)
			}
			data, off, fin := s.send.popSend(n)
			if len(data) == 0 && !fin {
				continue
			}
			sf := newStreamFrame(id, data, off, fin)
			if sf.wireLen() > budget {
				continue
			}
			if err := sf.encode(b); err != nil {
				return false, err
			}
			budget -= sf.wireLen()
			s.txData += uint64(len(data))
			c.txData += uint64(len(data))
			wrote = true
			break
		}
	}

	return wrote, nil
}

// StreamSend queues data for stream id, creating it if this is the
// first reference, enforcing the stream's and the connection's
// flow-control credit.
func (c *Conn) StreamSend(id uint64, data []byte, fin bool) error {
	s, err := c.streams.getOrCreate(id, true)
	if err != nil {
		return err
	}
	if c.txDataQueued+uint64(len(data)) > c.maxTxData {
		return newError(FlowControl, "connection flow control violation")
	}
	if err := s.sendData(data, fin); err != nil {
		return err
	}
	c.txDataQueued += uint64(len(data))
	return nil
}

// StreamRecv drains as much contiguous data as is available for
// stream id, returning the bytes and whether the stream has ended.
func (c *Conn) StreamRecv(id uint64, out []byte) ([]byte, bool, error) {
	s, ok := c.streams.get(id)
	if !ok {
		return out, false, newError(UnknownStream, "")
	}
	out, done := s.recv.popRecv(out)
	return out, done, nil
}

// StreamIter returns every known stream id, in ascending order.
func (c *Conn) StreamIter() []uint64 {
	ids := make([]uint64, 0, len(c.streams.streams))
	for id := range c.streams.streams {
		ids = append(ids, id)
	}
	sortUint64s(ids)
	return ids
}

func sortUint64s(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// LocalConnID returns this endpoint's source connection id.
func (c *Conn) LocalConnID() []byte { return c.scid }

// PeerConnID returns the destination connection id currently in use.
func (c *Conn) PeerConnID() []byte { return c.dcid }
