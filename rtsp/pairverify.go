package rtsp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/airtunesgo/raop/raoperr"
)

// PairVerifier runs the per-connection session verification dance (spec
// §4.6 "Session verification"), proving possession of the Ed25519 seed
// registered during pin-pairing without redoing SRP.
type PairVerifier struct {
	seed       []byte
	authPublic ed25519.PublicKey

	curvePriv []byte
	curvePub  []byte
}

// NewPairVerifier builds a verifier from the persisted pairing seed.
func NewPairVerifier(seed []byte) *PairVerifier {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &PairVerifier{seed: seed, authPublic: pub}
}

// Step1 generates an ephemeral Curve25519 key pair and returns the first
// pair-verify request body: 0x01000000 ‖ curve25519_pub ‖ ed25519_pub.
func (v *PairVerifier) Step1() ([]byte, error) {
	v.curvePriv = make([]byte, 32)
	if _, err := rand.Read(v.curvePriv); err != nil {
		return nil, fmt.Errorf("rtsp: pair-verify random scalar: %w", err)
	}

	pub, err := curve25519.X25519(v.curvePriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("rtsp: pair-verify scalar base mult: %w", err)
	}
	v.curvePub = pub

	body := make([]byte, 0, 4+32+32)
	body = append(body, 0x01, 0x00, 0x00, 0x00)
	body = append(body, v.curvePub...)
	body = append(body, v.authPublic...)
	return body, nil
}

// Step2 derives the shared secret from the ATV's Curve25519 public key
// (the first 32 bytes of the pair-verify response) and returns the
// second request body: 0x00000000 ‖ AES-CTR(signature).
func (v *PairVerifier) Step2(atvCurvePub []byte) ([]byte, error) {
	if len(atvCurvePub) < 32 {
		return nil, fmt.Errorf("rtsp: pair-verify response too short: %w", raoperr.ErrBadResponse)
	}
	atvPub := atvCurvePub[:32]

	shared, err := curve25519.X25519(v.curvePriv, atvPub)
	if err != nil {
		return nil, fmt.Errorf("rtsp: pair-verify ecdh: %w", err)
	}

	keyHash := sha512.Sum512(append([]byte("Pair-Verify-AES-Key"), shared...))
	ivHash := sha512.Sum512(append([]byte("Pair-Verify-AES-IV"), shared...))
	aesKey := keyHash[:16]
	iv := ivHash[:16]

	priv := ed25519.NewKeyFromSeed(v.seed)
	signed := ed25519.Sign(priv, append(append([]byte{}, v.curvePub...), atvPub...))

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("rtsp: pair-verify aes key: %w", err)
	}
	stream := cipher.NewCTR(block, iv)
	ciphertext := make([]byte, len(signed))
	stream.XORKeyStream(ciphertext, signed)

	body := make([]byte, 0, 4+len(ciphertext))
	body = append(body, 0x00, 0x00, 0x00, 0x00)
	body = append(body, ciphertext...)
	return body, nil
}
