// Package alac defines the capability-bound audio primitives the
// scheduler consumes: ALAC frame encoding and the optional AES-CBC
// payload encryption some receivers require. Neither primitive is
// implemented "for real" here — ALAC encoding and AES block ciphers are
// treated as external, swappable capabilities (spec Non-goals) — but the
// interfaces and a correct AES-CBC wrapper (the one piece that is a true
// cryptographic primitive rather than a codec) live in this package so
// the scheduler has a stable seam to depend on.
package alac

// Encoder turns one fixed-size PCM frame into ALAC-encoded bytes at the
// given sample rate. Implementations are expected to be stateless across
// frames (or keep only encoder-internal history), since the scheduler
// calls Encode once per audio packet, in sequence order, for a single
// stream.
type Encoder interface {
	Encode(pcmFrame []byte, sampleRate int) ([]byte, error)
}

// EncryptionBitmap mirrors the per-receiver capability bitmap negotiated
// during OPTIONS/ANNOUNCE. Only the RSA (AES) bit is meaningful to the
// core; other bits are passed through for observability.
type EncryptionBitmap uint32

const (
	// EncryptionNone indicates no payload encryption is required.
	EncryptionNone EncryptionBitmap = 0
	// EncryptionRSA indicates the receiver requires AES-CBC encrypted
	// ALAC payloads, with the key/IV negotiated via ANNOUNCE.
	EncryptionRSA EncryptionBitmap = 1 << 0
)

// RequiresAES reports whether bitmap requires AES payload encryption.
func (b EncryptionBitmap) RequiresAES() bool {
	return b&EncryptionRSA != 0
}
