package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"
)

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "quince-test"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func newHandshakePair(t *testing.T) (client, server *Conn) {
	t.Helper()
	cert := generateTestCert(t)
	clientCfg := &Config{
		Version: VersionDraft15,
		TLS:     &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"quince-test"}},
		Params:  DefaultTransportParams(),
	}
	serverCfg := &Config{
		Version: VersionDraft15,
		TLS:     &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"quince-test"}},
		Params:  DefaultTransportParams(),
	}
	clientCfg.Params.InitialMaxData = 1 << 20
	clientCfg.Params.InitialMaxStreamDataBidiLocal = 1 << 16
	clientCfg.Params.InitialMaxStreamDataBidiRemote = 1 << 16
	serverCfg.Params.InitialMaxData = 1 << 20
	serverCfg.Params.InitialMaxStreamDataBidiLocal = 1 << 16
	serverCfg.Params.InitialMaxStreamDataBidiRemote = 1 << 16

	var err error
	client, err = NewConn(false, []byte{1, 2, 3, 4, 5, 6, 7, 8}, clientCfg)
	if err != nil {
		t.Fatalf("NewConn client: %v", err)
	}
	server, err = NewConn(true, []byte{8, 7, 6, 5, 4, 3, 2, 1}, serverCfg)
	if err != nil {
		t.Fatalf("NewConn server: %v", err)
	}
	return client, server
}

func isErrCode(err error, code ErrorCode) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// drive pumps datagrams back and forth between a and b until both
// report the handshake established, or gives up after too many rounds.
func drive(t *testing.T, a, b *Conn) {
	t.Helper()
	buf := make([]byte, MaxPktLen)
	for round := 0; round < 20; round++ {
		if a.IsEstablished() && b.IsEstablished() {
			return
		}
		progressed := false
		for _, leg := range []struct{ from, to *Conn }{{a, b}, {b, a}} {
			for i := 0; i < 10; i++ {
				n, err := leg.from.Send(buf)
				if err != nil {
					if isErrCode(err, NothingToDo) {
						break
					}
					t.Fatalf("send: %v", err)
				}
				progressed = true
				if _, err := leg.to.Recv(buf[:n]); err != nil {
					t.Fatalf("recv: %v", err)
				}
			}
		}
		if !progressed {
			t.Fatalf("handshake stalled after %d rounds", round)
		}
	}
	if !(a.IsEstablished() && b.IsEstablished()) {
		t.Fatalf("handshake did not complete: client=%v server=%v", a.IsEstablished(), b.IsEstablished())
	}
}

func TestSelfHandshake(t *testing.T) {
	client, server := newHandshakePair(t)
	drive(t, client, server)
	if len(client.PeerConnID()) == 0 || len(server.PeerConnID()) == 0 {
		t.Fatal("expected both sides to hold a destination connection id (the server's copied from the client, the client's self-generated)")
	}
}

func TestClientInitialPadding(t *testing.T) {
	client, _ := newHandshakePair(t)
	buf := make([]byte, MaxPktLen)
	n, err := client.Send(buf)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != ClientInitialMinLen {
		t.Fatalf("first client datagram is %d bytes, want exactly %d", n, ClientInitialMinLen)
	}
	if !client.sentInitial {
		t.Fatal("expected sentInitial to be set after the padded first flight")
	}
}

func TestAckGeneratedAfterReceive(t *testing.T) {
	client, server := newHandshakePair(t)
	buf := make([]byte, MaxPktLen)
	n, err := client.Send(buf)
	if err != nil {
		t.Fatalf("client send: %v", err)
	}
	if _, err := server.Recv(buf[:n]); err != nil {
		t.Fatalf("server recv: %v", err)
	}
	sp := server.spaces[levelInitial]
	if !sp.doAck {
		t.Fatal("expected doAck after receiving an ack-eliciting Initial packet")
	}
	if sp.recvPktNum.Empty() {
		t.Fatal("expected the received packet number to be tracked")
	}

	n, err = server.Send(buf)
	if err != nil {
		t.Fatalf("server send: %v", err)
	}
	if sp.doAck {
		t.Fatal("expected doAck to clear once the ACK frame was sent")
	}
	_ = n
}

func TestDrainingAfterConnectionClose(t *testing.T) {
	client, _ := newHandshakePair(t)
	sp := client.spaces[levelInitial]
	if err := client.handleFrame(newConnectionCloseFrame(0, 0, nil, false), sp); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if !client.IsDraining() {
		t.Fatal("expected the connection to be draining")
	}
	buf := make([]byte, MaxPktLen)
	if _, err := client.Send(buf); !isErrCode(err, NothingToDo) {
		t.Fatalf("Send after draining = %v, want NothingToDo", err)
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	_, server := newHandshakePair(t)
	hdr := &packetHeader{
		typ:     packetTypeInitial,
		version: 0xdeadbeef,
		dcid:    []byte{1, 2, 3, 4},
		scid:    []byte{5, 6, 7, 8},
	}
	buf := make([]byte, 64)
	b := newOctets(buf)
	if err := encodeLongHeader(&b, hdr); err != nil {
		t.Fatalf("encodeLongHeader: %v", err)
	}
	_, err := server.Recv(buf[:b.Off()])
	if !isErrCode(err, UnknownVersion) {
		t.Fatalf("Recv with mismatched version = %v, want UnknownVersion", err)
	}
	if server.derivedInitialSecrets {
		t.Fatal("state should be unchanged on a rejected version")
	}
}

func TestStreamSendFlowControlViolation(t *testing.T) {
	client, _ := newHandshakePair(t)
	client.maxTxData = 10
	err := client.StreamSend(4, make([]byte, 11), false)
	if !isErrCode(err, FlowControl) {
		t.Fatalf("StreamSend over budget = %v, want FlowControl", err)
	}
	if client.txData != 0 {
		t.Fatalf("txData = %d after a rejected send, want 0", client.txData)
	}
}

func TestStreamRecvFlowControlViolation(t *testing.T) {
	_, server := newHandshakePair(t)
	s, err := server.streams.getOrCreate(4, false)
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	s.maxRxData = 5
	f := newStreamFrame(4, make([]byte, 10), 0, false)
	err = server.handleStream(f)
	if !isErrCode(err, FlowControl) {
		t.Fatalf("handleStream over budget = %v, want FlowControl", err)
	}
	if s.rxData != 0 {
		t.Fatalf("rxData = %d after a rejected receive, want 0", s.rxData)
	}
}

func TestStreamCreditGrantedAtHalfWindow(t *testing.T) {
	s := newStream(4, 100, 100)
	if err := s.recvData(make([]byte, 51), 0, false); err != nil {
		t.Fatalf("recvData: %v", err)
	}
	newMax, ok := s.moreCredit(100)
	if !ok {
		t.Fatal("expected a credit grant after consuming over half the window")
	}
	if newMax != s.rxData+100 {
		t.Fatalf("newMax = %d, want %d", newMax, s.rxData+100)
	}
	s.grantCredit(newMax)
	if s.maxRxData != newMax || s.rxDataConsumed != s.rxData {
		t.Fatalf("grantCredit left maxRxData=%d rxDataConsumed=%d", s.maxRxData, s.rxDataConsumed)
	}
}

func TestStreamNoCreditBelowHalfWindow(t *testing.T) {
	s := newStream(4, 100, 100)
	if err := s.recvData(make([]byte, 10), 0, false); err != nil {
		t.Fatalf("recvData: %v", err)
	}
	if _, ok := s.moreCredit(100); ok {
		t.Fatal("expected no credit grant before half the window is consumed")
	}
}
