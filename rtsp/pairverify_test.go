package rtsp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestPairVerifierStep1BodyLayout(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	v := NewPairVerifier(seed)

	body, err := v.Step1()
	require.NoError(t, err)
	require.Len(t, body, 4+32+32)
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, body[:4])

	priv := ed25519.NewKeyFromSeed(seed)
	wantPub := priv.Public().(ed25519.PublicKey)
	require.Equal(t, []byte(wantPub), body[36:])
}

func TestPairVerifierStep2RoundTripsSignatureToATV(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 7)
	}
	v := NewPairVerifier(seed)

	body1, err := v.Step1()
	require.NoError(t, err)
	clientCurvePub := append([]byte{}, body1[4:36]...)
	clientAuthPub := ed25519.PublicKey(append([]byte{}, body1[36:]...))

	atvPriv := make([]byte, 32)
	_, err = rand.Read(atvPriv)
	require.NoError(t, err)
	atvPub, err := curve25519.X25519(atvPriv, curve25519.Basepoint)
	require.NoError(t, err)

	body2, err := v.Step2(atvPub)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, body2[:4])

	// ATV-side derivation, mirroring Step2 exactly.
	shared, err := curve25519.X25519(atvPriv, clientCurvePub)
	require.NoError(t, err)
	keyHash := sha512.Sum512(append([]byte("Pair-Verify-AES-Key"), shared...))
	ivHash := sha512.Sum512(append([]byte("Pair-Verify-AES-IV"), shared...))
	block, err := aes.NewCipher(keyHash[:16])
	require.NoError(t, err)
	stream := cipher.NewCTR(block, ivHash[:16])

	ciphertext := body2[4:]
	signed := make([]byte, len(ciphertext))
	stream.XORKeyStream(signed, ciphertext)

	require.True(t, ed25519.Verify(clientAuthPub, append(append([]byte{}, clientCurvePub...), atvPub...), signed))
}

func TestPairVerifierStep2RejectsShortResponse(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	v := NewPairVerifier(seed)
	_, err := v.Step1()
	require.NoError(t, err)

	_, err = v.Step2([]byte{0x01, 0x02})
	require.Error(t, err)
}
