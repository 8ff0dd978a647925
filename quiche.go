// Package quiche is the ambient driver around transport.Conn: it owns
// the net.PacketConn, the per-socket read-dispatch goroutine, and the
// mutex that serializes recv/send/StreamSend against a connection's
// Stream readers and writers. transport.Conn itself performs no I/O
// and acquires no locks (spec.md §5); this package is where that I/O
// and locking live, the way the teacher's root package wraps
// goburrow/quic/transport.
package quiche

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/hendrikcech/quiche/transport"
)

// EventType identifies why Handler.Serve was invoked for a Conn.
type EventType int

const (
	// EventConnAccept fires once, the first time a Conn is handed to
	// the handler: on the client right after Connect, on the server
	// when a new peer's first Initial packet arrives.
	EventConnAccept EventType = iota
	// EventStream fires whenever new stream-readable data or a new
	// stream is worth notifying the handler about.
	EventStream
	// EventConnClose fires once the peer's CONNECTION_CLOSE has put
	// the connection into the draining state.
	EventConnClose
)

func (t EventType) String() string {
	switch t {
	case EventConnAccept:
		return "accept"
	case EventStream:
		return "stream"
	case EventConnClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to a Handler after a datagram or a local API call
// has changed a Conn's state.
type Event struct {
	Type     EventType
	StreamID uint64
}

// Handler processes the events a Client or Server reports for a Conn.
// Implementations that only care about one event type can switch on
// Type and ignore the rest, the way the teacher's cmd/quince client
// does.
type Handler interface {
	Serve(c *Conn, events []Event)
}

// Config bundles client/server-wide settings: the wire version, the
// TLS collaborator's configuration, local transport parameter limits,
// the Handler invoked on every state change, and an optional logger.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  transport.TransportParams
	Handler Handler

	logger logger
}

// NewConfig returns a Config carrying spec.md §6's default transport
// parameters plus the flow-control window sizes the defaults omit,
// ready to have TLS and a Handler filled in.
func NewConfig() *Config {
	params := transport.DefaultTransportParams()
	params.InitialMaxData = 1 << 20
	params.InitialMaxStreamDataBidiLocal = 256 << 10
	params.InitialMaxStreamDataBidiRemote = 256 << 10
	params.InitialMaxStreamDataUni = 256 << 10
	params.InitialMaxBidiStreams = 100
	params.InitialMaxUniStreams = 100
	params.IdleTimeout = 30000
	return &Config{
		Version: transport.VersionDraft15,
		Params:  params,
		TLS:     &tls.Config{NextProtos: []string{"quince"}},
	}
}

// SetLogger directs qlog-style events at w, at the given verbosity
// (0=off, 1=error, 2=info, 3=debug, 4=trace). Only level>=3 attaches
// per-connection transport.Conn.OnLogEvent callbacks; lower levels log
// only connection lifecycle lines.
func (c *Config) SetLogger(level int, w io.Writer) {
	c.logger.level = logLevel(level)
	c.logger.setWriter(w)
}

func (c *Config) transportConfig() *transport.Config {
	return &transport.Config{Version: c.Version, TLS: c.TLS, Params: c.Params}
}

// Conn is one QUIC connection's I/O-owning wrapper around a
// transport.Conn. All exported methods are safe for concurrent use;
// mu serializes access to the wrapped transport.Conn, which is not
// safe for concurrent use on its own (spec.md §5).
type Conn struct {
	mu   sync.Mutex
	conn *transport.Conn

	pconn net.PacketConn
	addr  net.Addr
	scid  []byte
}

func newConn(tc *transport.Conn, pconn net.PacketConn, addr net.Addr, scid []byte) *Conn {
	return &Conn{conn: tc, pconn: pconn, addr: addr, scid: scid}
}

// RemoteAddr returns the connection's peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.addr }

// IsEstablished reports whether the handshake has completed.
func (c *Conn) IsEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.IsEstablished()
}

// Stream returns a handle for reading and writing stream id. Handles
// are cheap; callers may create one per call instead of caching it.
func (c *Conn) Stream(id uint64) *Stream { return &Stream{c: c, id: id} }

// flush drains every packet the core currently wants to send onto the
// socket, looping until send reports NothingToDo. Called after any
// mutation (recv, StreamSend, stream Write/Close) that might have
// produced outbound work: handshake flight, ACK, or stream data.
func (c *Conn) flush() error {
	buf := make([]byte, transport.MaxPktLen)
	for {
		c.mu.Lock()
		n, err := c.conn.Send(buf)
		c.mu.Unlock()
		if err != nil {
			if isCode(err, transport.NothingToDo) {
				return nil
			}
			return err
		}
		if _, err := c.pconn.WriteTo(buf[:n], c.addr); err != nil {
			return err
		}
	}
}

func isCode(err error, code transport.ErrorCode) bool {
	var te *transport.Error
	return errors.As(err, &te) && te.Code == code
}

// Stream is an io.ReadWriteCloser bound to one stream id of a Conn.
// Write and Close push data through the connection and immediately
// flush any packets it produces; Read drains whatever contiguous
// bytes the connection has already reassembled.
type Stream struct {
	c  *Conn
	id uint64
}

// Write queues p on the stream and flushes the resulting packet(s).
func (s *Stream) Write(p []byte) (int, error) {
	s.c.mu.Lock()
	err := s.c.conn.StreamSend(s.id, p, false)
	s.c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := s.c.flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a FIN on the stream and flushes it.
func (s *Stream) Close() error {
	s.c.mu.Lock()
	err := s.c.conn.StreamSend(s.id, nil, true)
	s.c.mu.Unlock()
	if err != nil {
		return err
	}
	return s.c.flush()
}

// Read copies as much reassembled, contiguous data as is available
// into p. It returns io.EOF once the peer's FIN has been consumed and
// there is nothing left to read.
func (s *Stream) Read(p []byte) (int, error) {
	s.c.mu.Lock()
	out, done, err := s.c.conn.StreamRecv(s.id, nil)
	s.c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		if done {
			return 0, io.EOF
		}
		return 0, nil
	}
	return copy(p, out), nil
}

// Client dials and drives QUIC connections over a single UDP socket,
// the way the teacher's quic.Client wraps one goburrow/quic/transport
// connection per remote peer.
type Client struct {
	config *Config
	pconn  net.PacketConn

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewClient returns a Client using config for every connection it
// dials.
func NewClient(config *Config) *Client {
	return &Client{config: config, conns: make(map[string]*Conn)}
}

// SetHandler installs the Handler invoked for every Conn event.
func (cl *Client) SetHandler(h Handler) { cl.config.Handler = h }

// SetLogger directs qlog-style events at w; see Config.SetLogger.
func (cl *Client) SetLogger(level int, w io.Writer) { cl.config.SetLogger(level, w) }

// ListenAndServe opens the UDP socket connections are dialed from and
// starts the read-dispatch goroutine.
func (cl *Client) ListenAndServe(addr string) error {
	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	cl.pconn = pconn
	go cl.readLoop()
	return nil
}

// Connect dials a new QUIC connection to addr, starts its handshake,
// and reports EventConnAccept once the first flight has been sent.
func (cl *Client) Connect(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	scid := make([]byte, 16)
	if _, err := rand.Read(scid); err != nil {
		return err
	}
	tc, err := transport.NewConn(false, scid, cl.config.transportConfig())
	if err != nil {
		return err
	}
	conn := newConn(tc, cl.pconn, raddr, scid)
	cl.config.logger.attachLogger(conn)

	cl.mu.Lock()
	cl.conns[string(scid)] = conn
	cl.mu.Unlock()

	if err := conn.flush(); err != nil {
		return err
	}
	cl.config.logger.log(levelInfo, "%s connected, cid=%x", raddr, scid)
	if cl.config.Handler != nil {
		cl.config.Handler.Serve(conn, []Event{{Type: EventConnAccept}})
	}
	return nil
}

// readLoop dispatches every inbound datagram to the single connection
// a Client instance drives. A Client only ever has one live peer at a
// time, matching the single-connection demo shape in cmd/quince.
func (cl *Client) readLoop() {
	buf := make([]byte, transport.MaxPktLen)
	for {
		n, _, err := cl.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		cl.dispatch(append([]byte(nil), buf[:n]...))
	}
}

func (cl *Client) dispatch(b []byte) {
	cl.mu.Lock()
	var target *Conn
	for _, conn := range cl.conns {
		target = conn
		break
	}
	cl.mu.Unlock()
	if target == nil {
		return
	}
	serveConn(target, b, cl.config.Handler)
}

// Close shuts down the socket and stops dispatch.
func (cl *Client) Close() error {
	if cl.pconn == nil {
		return nil
	}
	return cl.pconn.Close()
}

// Server accepts QUIC connections on a single UDP socket, creating a
// new transport.Conn for each previously-unseen source connection id
// and demultiplexing subsequent datagrams by it.
type Server struct {
	config *Config
	pconn  net.PacketConn

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer returns a Server using config for every accepted
// connection.
func NewServer(config *Config) *Server {
	return &Server{config: config, conns: make(map[string]*Conn)}
}

// SetHandler installs the Handler invoked for every Conn event.
func (sv *Server) SetHandler(h Handler) { sv.config.Handler = h }

// SetLogger directs qlog-style events at w; see Config.SetLogger.
func (sv *Server) SetLogger(level int, w io.Writer) { sv.config.SetLogger(level, w) }

// ListenAndServe opens the UDP socket and starts accepting.
func (sv *Server) ListenAndServe(addr string) error {
	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	sv.pconn = pconn
	go sv.readLoop()
	return nil
}

func (sv *Server) readLoop() {
	buf := make([]byte, transport.MaxPktLen)
	for {
		n, addr, err := sv.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		sv.dispatch(append([]byte(nil), buf[:n]...), addr)
	}
}

func (sv *Server) dispatch(b []byte, addr net.Addr) {
	dcid, err := peekDestConnID(b)
	if err != nil {
		sv.config.logger.log(levelError, "dropping malformed datagram from %s: %v", addr, err)
		return
	}
	key := string(dcid)

	sv.mu.Lock()
	conn, ok := sv.conns[key]
	sv.mu.Unlock()

	var events []Event
	if !ok {
		scid := make([]byte, 16)
		if _, err := rand.Read(scid); err != nil {
			return
		}
		tc, err := transport.NewConn(true, scid, sv.config.transportConfig())
		if err != nil {
			return
		}
		conn = newConn(tc, sv.pconn, addr, scid)
		sv.config.logger.attachLogger(conn)

		sv.mu.Lock()
		sv.conns[key] = conn
		sv.mu.Unlock()
		sv.config.logger.log(levelInfo, "%s accepted, cid=%x", addr, scid)
		events = append(events, Event{Type: EventConnAccept})
	}

	serveConnWith(conn, b, sv.config.Handler, events)
}

// Close shuts down the socket and stops dispatch.
func (sv *Server) Close() error {
	if sv.pconn == nil {
		return nil
	}
	return sv.pconn.Close()
}

// serveConn feeds a datagram into conn and reports the resulting
// events, if any, to h.
func serveConn(conn *Conn, b []byte, h Handler) {
	serveConnWith(conn, b, h, nil)
}

func serveConnWith(conn *Conn, b []byte, h Handler, events []Event) {
	conn.mu.Lock()
	_, err := conn.conn.Recv(b)
	established := conn.conn.IsEstablished()
	draining := conn.conn.IsDraining()
	streamIDs := conn.conn.StreamIter()
	conn.mu.Unlock()
	if err != nil {
		return
	}
	if err := conn.flush(); err != nil {
		return
	}

	if established {
		for _, id := range streamIDs {
			events = append(events, Event{Type: EventStream, StreamID: id})
		}
	}
	if draining {
		events = append(events, Event{Type: EventConnClose})
	}
	if len(events) > 0 && h != nil {
		h.Serve(conn, events)
	}
}

// peekDestConnID reads the destination connection id off the front of
// a datagram without decrypting or otherwise validating it, enough to
// demultiplex inbound packets across a Server's live connections.
func peekDestConnID(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("quiche: empty datagram")
	}
	if b[0]&0x80 != 0 {
		if len(b) < 6 {
			return nil, errors.New("quiche: truncated long header")
		}
		dcil := int(b[5] >> 4)
		if dcil > 0 {
			dcil += 3
		}
		if len(b) < 6+dcil {
			return nil, errors.New("quiche: truncated long header")
		}
		return b[6 : 6+dcil], nil
	}
	// Short header: this package always issues 16-byte connection ids.
	if len(b) < 17 {
		return nil, errors.New("quiche: truncated short header")
	}
	return b[1:17], nil
}
