package transport

// Protocol constants (spec.md §6).
const (
	// VersionDraft15 is the QUIC draft-15 wire version this core speaks.
	VersionDraft15 uint32 = 0xff00000f

	// ClientInitialMinLen is the minimum size of a client's first
	// Initial datagram, enforced by padding.
	ClientInitialMinLen = 1200

	// MaxPktLen is the largest packet this core ever builds.
	MaxPktLen = 1252

	defaultMaxPacketSize    = 1205
	defaultAckDelayExponent = 3
	defaultMaxAckDelay      = 25

	// MaxCIDLength is the largest connection ID this core accepts.
	MaxCIDLength = 18

	minPayloadLength = 4 // minimum payload so the packet number is always decodable

	maxCryptoFrameOverhead = 16
	maxStreamFrameOverhead = 16

	aeadTagLen       = 16
	headerProtSample = 16
)
