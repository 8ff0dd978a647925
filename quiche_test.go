package quiche

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateLoopbackCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "quiche-loopback"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// echoHandler bounces any stream data it receives straight back to the
// sender, driving the server side of the round-trip test below.
type echoHandler struct {
	t *testing.T
}

func (h *echoHandler) Serve(c *Conn, events []Event) {
	for _, e := range events {
		if e.Type != EventStream {
			continue
		}
		st := c.Stream(e.StreamID)
		buf := make([]byte, 512)
		n, err := st.Read(buf)
		if err != nil && err != io.EOF {
			h.t.Errorf("server read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		if _, err := st.Write(buf[:n]); err != nil {
			h.t.Errorf("server write: %v", err)
		}
	}
}

// collectHandler forwards whatever stream bytes it receives onto a
// channel, driving the client side of the round-trip test below.
type collectHandler struct {
	got chan []byte
}

func (h *collectHandler) Serve(c *Conn, events []Event) {
	for _, e := range events {
		if e.Type != EventStream {
			continue
		}
		st := c.Stream(e.StreamID)
		buf := make([]byte, 512)
		n, err := st.Read(buf)
		if err != nil && err != io.EOF {
			continue
		}
		if n > 0 {
			h.got <- append([]byte(nil), buf[:n]...)
		}
	}
}

// firstConn returns whichever Conn a Client or Server currently has;
// both test handlers only ever drive a single peer.
func firstConn(mu *map[string]*Conn) *Conn {
	for _, c := range *mu {
		return c
	}
	return nil
}

func TestClientServerStreamRoundTrip(t *testing.T) {
	cert := generateLoopbackCert(t)

	serverConfig := NewConfig()
	serverConfig.TLS.Certificates = []tls.Certificate{cert}
	server := NewServer(serverConfig)
	server.SetHandler(&echoHandler{t: t})
	require.NoError(t, server.ListenAndServe("127.0.0.1:0"))
	defer server.Close()

	clientConfig := NewConfig()
	clientConfig.TLS.InsecureSkipVerify = true
	got := make(chan []byte, 1)
	client := NewClient(clientConfig)
	client.SetHandler(&collectHandler{got: got})
	require.NoError(t, client.ListenAndServe("127.0.0.1:0"))
	defer client.Close()

	require.NoError(t, client.Connect(server.pconn.LocalAddr().String()))

	require.Eventually(t, func() bool {
		client.mu.Lock()
		conn := firstConn(&client.conns)
		client.mu.Unlock()
		return conn != nil && conn.IsEstablished()
	}, 2*time.Second, 5*time.Millisecond, "handshake never completed")

	client.mu.Lock()
	conn := firstConn(&client.conns)
	client.mu.Unlock()
	require.NotNil(t, conn)

	st := conn.Stream(4)
	_, err := st.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, "ping", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the echoed stream data")
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	require.Equal(t, uint32(0xff00000f), cfg.Version, "NewConfig should pin the draft-15 wire version")
	require.EqualValues(t, 1<<20, cfg.Params.InitialMaxData)
	require.EqualValues(t, 100, cfg.Params.InitialMaxBidiStreams)
	require.Equal(t, []string{"quince"}, cfg.TLS.NextProtos)
}
