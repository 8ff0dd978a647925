package transport

import (
	"context"
	"crypto/tls"
)

// quicLevelFor maps this core's crypto levels onto the stdlib's
// tls.QUICEncryptionLevel, letting tlsHandshake drive crypto/tls's QUIC
// collaborator API (Go 1.21+) instead of hand-rolling a TLS 1.3 state
// machine.
func quicLevelFor(l cryptoLevel) tls.QUICEncryptionLevel {
	switch l {
	case levelInitial:
		return tls.QUICEncryptionLevelInitial
	case levelHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func levelForQUIC(l tls.QUICEncryptionLevel) cryptoLevel {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return levelInitial
	case tls.QUICEncryptionLevelHandshake:
		return levelHandshake
	default:
		return levelApplication
	}
}

// tlsHandshake wraps a crypto/tls.QUICConn, the standard library's
// collaborator surface for implementing QUIC-TLS (RFC 9001) on top of
// the TLS 1.3 stack, rather than reimplementing the handshake. It
// drives the conn's CRYPTO streams and delivers level keys back to the
// connection through the callbacks supplied at construction.
type tlsHandshake struct {
	conn     *tls.QUICConn
	isServer bool

	peerParams  *TransportParams
	established bool

	// installSecret is called once per direction per level as the TLS
	// stack exports a new secret; the connection derives AEAD keys from
	// it and installs them into the matching pnSpace.
	installSecret func(level cryptoLevel, isRead bool, suite uint16, secret []byte) error

	// writeCrypto appends handshake bytes the peer must receive onto the
	// given level's outbound CRYPTO stream.
	writeCrypto func(level cryptoLevel, data []byte)
}

// newTLSHandshake constructs the collaborator for one endpoint.
// localParams is this endpoint's encoded transport parameters, handed
// to the peer via the TLS quic_transport_parameters extension.
func newTLSHandshake(isServer bool, tlsConfig *tls.Config, localParams []byte) *tlsHandshake {
	qc := tls.QUICConfig{TLSConfig: tlsConfig}
	h := &tlsHandshake{isServer: isServer}
	if isServer {
		h.conn = tls.QUICServer(&qc)
	} else {
		h.conn = tls.QUICClient(&qc)
	}
	h.conn.SetTransportParameters(localParams)
	return h
}

// start kicks off the handshake: the client emits ClientHello bytes via
// a QUICWriteData event, which processEvents drains into the Initial
// CRYPTO stream; a server's handshake is left waiting for the
// ClientHello.
func (h *tlsHandshake) start() error {
	if err := h.conn.Start(context.Background()); err != nil {
		return wrapError(TlsFail, err)
	}
	return h.processEvents()
}

// provideData feeds bytes received on a level's CRYPTO stream to the
// TLS stack and drains any events it produces in response.
func (h *tlsHandshake) provideData(level cryptoLevel, data []byte) error {
	if err := h.conn.HandleData(quicLevelFor(level), data); err != nil {
		return wrapError(TlsFail, err)
	}
	return h.processEvents()
}

// processEvents drains every pending tls.QUICEvent, dispatching each to
// the relevant callback, until the stack reports QUICNoEvent.
func (h *tlsHandshake) processEvents() error {
	for {
		e := h.conn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			if h.installSecret != nil {
				if err := h.installSecret(levelForQUIC(e.Level), true, uint16(e.Suite), e.Data); err != nil {
					return err
				}
			}
		case tls.QUICSetWriteSecret:
			if h.installSecret != nil {
				if err := h.installSecret(levelForQUIC(e.Level), false, uint16(e.Suite), e.Data); err != nil {
					return err
				}
			}
		case tls.QUICWriteData:
			if h.writeCrypto != nil {
				h.writeCrypto(levelForQUIC(e.Level), e.Data)
			}
		case tls.QUICTransportParameters:
			p, err := decodeTransportParams(e.Data, h.isServer)
			if err != nil {
				return err
			}
			h.peerParams = p
		case tls.QUICHandshakeDone:
			h.established = true
		case tls.QUICTransportParametersRequired:
			// SetTransportParameters was already called at construction.
		}
	}
}

// isEstablished reports whether the handshake has completed.
func (h *tlsHandshake) isEstablished() bool { return h.established }
