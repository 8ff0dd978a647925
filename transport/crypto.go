package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// cipherSuite names the AEAD/header-protection pair negotiated for a
// level. Initial always uses aes128gcm; Handshake/Application use
// whatever the TLS collaborator negotiated.
type cipherSuite int

const (
	suiteAES128GCM cipherSuite = iota
	suiteChaCha20Poly1305
)

// packetKeys holds one direction's (seal or open) key material for a
// packet number space: the AEAD, its 12-byte IV, and the header
// protection key.
type packetKeys struct {
	suite cipherSuite
	aead  cipher.AEAD
	iv    []byte
	hpKey []byte
}

func newPacketKeys(suite cipherSuite, key, iv, hpKey []byte) (*packetKeys, error) {
	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	return &packetKeys{suite: suite, aead: aead, iv: iv, hpKey: hpKey}, nil
}

func newAEAD(suite cipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case suiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, wrapError(CryptoFail, err)
		}
		return aead, nil
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, wrapError(CryptoFail, err)
		}
		return cipher.NewGCM(block)
	}
}

// nonce builds the per-packet AEAD nonce: the IV XORed with the packet
// number right-aligned, per spec.md §4.2.
func (k *packetKeys) nonce(pn uint64) []byte {
	n := make([]byte, len(k.iv))
	copy(n, k.iv)
	var pnb [8]byte
	binary.BigEndian.PutUint64(pnb[:], pn)
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= pnb[i]
	}
	return n
}

// seal encrypts payload in place (payload has room for the AEAD tag
// appended) using header as associated data.
func (k *packetKeys) seal(payload []byte, pn uint64, header []byte) ([]byte, error) {
	nonce := k.nonce(pn)
	out := k.aead.Seal(payload[:0], nonce, payload, header)
	return out, nil
}

// open decrypts ciphertext in place using header as associated data.
func (k *packetKeys) open(ciphertext []byte, pn uint64, header []byte) ([]byte, error) {
	nonce := k.nonce(pn)
	out, err := k.aead.Open(ciphertext[:0], nonce, ciphertext, header)
	if err != nil {
		return nil, wrapError(CryptoFail, err)
	}
	return out, nil
}

// headerProtectionMask derives the 5-byte mask XORed onto the first
// header byte's low bits and the packet number, per spec.md §4.2.
func (k *packetKeys) headerProtectionMask(sample []byte) ([]byte, error) {
	switch k.suite {
	case suiteChaCha20Poly1305:
		return chacha20HeaderProtectionMask(k.hpKey, sample)
	default:
		return aesHeaderProtectionMask(k.hpKey, sample)
	}
}

func aesHeaderProtectionMask(hpKey, sample []byte) ([]byte, error) {
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, wrapError(CryptoFail, err)
	}
	mask := make([]byte, block.BlockSize())
	block.Encrypt(mask, sample)
	return mask[:5], nil
}

func chacha20HeaderProtectionMask(hpKey, sample []byte) ([]byte, error) {
	if len(sample) < 16 {
		return nil, errBufferTooShort
	}
	counter := binary.LittleEndian.Uint32(sample[:4])
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(hpKey, nonce)
	if err != nil {
		return nil, wrapError(CryptoFail, err)
	}
	c.SetCounter(counter)
	mask := make([]byte, 5)
	c.XORKeyStream(mask, mask)
	return mask, nil
}

// draft-15 initial salt, used to derive the Initial packet number
// space's secrets from a connection's destination CID (spec.md §4.2).
var initialSalt = []byte{
	0xaf, 0xc8, 0x24, 0xec, 0x5f, 0xc7, 0x7e, 0xca,
	0x1e, 0x9d, 0x36, 0xf3, 0x7f, 0xb2, 0xd4, 0x65,
	0x18, 0xc3, 0x6b, 0xe8,
}

// initialAEAD holds both endpoints' Initial packet keys, derived once
// from the connection's destination CID.
type initialAEAD struct {
	client *packetKeys
	server *packetKeys
}

// deriveInitialKeyMaterial derives the Initial packet number space's
// secrets from dcid using HKDF-SHA256 with the fixed initial salt
// (spec.md §4.2).
func deriveInitialKeyMaterial(dcid []byte) (*initialAEAD, error) {
	initialSecret := hkdf.Extract(sha256.New, dcid, initialSalt)

	clientSecret, err := hkdfExpandLabel(initialSecret, "client in", nil, sha256.Size)
	if err != nil {
		return nil, err
	}
	serverSecret, err := hkdfExpandLabel(initialSecret, "server in", nil, sha256.Size)
	if err != nil {
		return nil, err
	}

	client, err := deriveLevelKeys(suiteAES128GCM, 16, clientSecret)
	if err != nil {
		return nil, err
	}
	server, err := deriveLevelKeys(suiteAES128GCM, 16, serverSecret)
	if err != nil {
		return nil, err
	}
	return &initialAEAD{client: client, server: server}, nil
}

// TLS 1.3 cipher suite identifiers (RFC 8446 §B.4), used to tell which
// AEAD/header-protection family and key length a level's exported
// secret was negotiated under.
const (
	tlsAES128GCMSHA256        = 0x1301
	tlsAES256GCMSHA384        = 0x1302
	tlsChaCha20Poly1305SHA256 = 0x1303
)

// suiteFromTLSID maps a negotiated TLS 1.3 cipher suite onto this
// core's cipherSuite (which of the two AEAD/header-protection families
// to use) and the AEAD key length it requires.
func suiteFromTLSID(id uint16) (cipherSuite, int) {
	switch id {
	case tlsChaCha20Poly1305SHA256:
		return suiteChaCha20Poly1305, 32
	case tlsAES256GCMSHA384:
		return suiteAES128GCM, 32
	default:
		return suiteAES128GCM, 16
	}
}

// deriveLevelKeys expands a level secret (whether the Initial secret
// above, or a secret exported by the TLS collaborator for Handshake /
// Application) into AEAD key, IV, and header-protection key.
func deriveLevelKeys(suite cipherSuite, keyLen int, secret []byte) (*packetKeys, error) {
	key, err := hkdfExpandLabel(secret, "quic key", nil, keyLen)
	if err != nil {
		return nil, err
	}
	iv, err := hkdfExpandLabel(secret, "quic iv", nil, 12)
	if err != nil {
		return nil, err
	}
	hp, err := hkdfExpandLabel(secret, "quic hp", nil, keyLen)
	if err != nil {
		return nil, err
	}
	return newPacketKeys(suite, key, iv, hp)
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446
// §7.1), the construction QUIC-TLS (RFC 9001) reuses for all of its
// exported secrets.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	var info bytes.Buffer
	if err := binary.Write(&info, binary.BigEndian, uint16(length)); err != nil {
		return nil, err
	}
	fullLabel := "tls13 " + label
	info.WriteByte(byte(len(fullLabel)))
	info.WriteString(fullLabel)
	info.WriteByte(byte(len(context)))
	info.Write(context)

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info.Bytes())
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, wrapError(CryptoFail, err)
	}
	return out, nil
}
