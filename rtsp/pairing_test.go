package rtsp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha512"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airtunesgo/raop/raoperr"
)

// serverSRP is a minimal SRP-6a verifier standing in for the receiver
// side of pair-setup-pin, used only to exercise PinPairer's client math
// against known-good server arithmetic.
type serverSRP struct {
	b *big.Int
	v *big.Int
}

func newServerSRP(identifier, pin string, salt []byte) *serverSRP {
	x := new(big.Int).SetBytes(srpHash(salt, srpHash([]byte(identifier+":"+pin))))
	v := new(big.Int).Exp(prime2048Gen, x, prime2048)
	return &serverSRP{b: big.NewInt(987654321), v: v}
}

func (s *serverSRP) publicKey() []byte {
	k := new(big.Int).SetBytes(srpHash(pad(prime2048.Bytes(), prime2048Bytes), pad(prime2048Gen.Bytes(), prime2048Bytes)))
	kv := new(big.Int).Mul(k, s.v)
	kv.Mod(kv, prime2048)
	gb := new(big.Int).Exp(prime2048Gen, s.b, prime2048)
	B := new(big.Int).Add(kv, gb)
	B.Mod(B, prime2048)
	return pad(B.Bytes(), prime2048Bytes)
}

func (s *serverSRP) sessionKeyAndM1(clientPub, serverPub []byte) (sessionKey, m1 []byte) {
	A := new(big.Int).SetBytes(clientPub)
	B := new(big.Int).SetBytes(serverPub)
	u := new(big.Int).SetBytes(srpHash(pad(A.Bytes(), prime2048Bytes), pad(B.Bytes(), prime2048Bytes)))

	vu := new(big.Int).Exp(s.v, u, prime2048)
	avu := new(big.Int).Mul(A, vu)
	avu.Mod(avu, prime2048)
	S := new(big.Int).Exp(avu, s.b, prime2048)

	sBytes := pad(S.Bytes(), prime2048Bytes)
	k1 := sha512.Sum512(append(append([]byte{}, sBytes...), 0, 0, 0, 0))
	k2 := sha512.Sum512(append(append([]byte{}, sBytes...), 0, 0, 0, 1))
	sessionKey = append(append([]byte{}, k1[:]...), k2[:]...)
	m1 = srpHash(pad(A.Bytes(), prime2048Bytes), pad(B.Bytes(), prime2048Bytes), sessionKey)
	return sessionKey, m1
}

func TestPinPairerFullHandshakeAgreesWithServerMath(t *testing.T) {
	identifier := "1234ABCD"
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	pin := "1234"
	salt := []byte("0123456789abcdef")

	pairer := NewPinPairer(identifier, seed)
	server := newServerSRP(identifier, pin, salt)
	serverPub := server.publicKey()

	clientPub, proof, err := pairer.Step2(pin, serverPub, salt)
	require.NoError(t, err)

	sessionKey, wantM1 := server.sessionKeyAndM1(clientPub, serverPub)
	require.Equal(t, wantM1, proof, "client M1 must match server-computed M1")

	m2 := srpHash(clientPub, proof, sessionKey)
	require.NoError(t, pairer.VerifyServerProof(clientPub, proof, m2))
}

func TestPinPairerWrongPinFailsServerProof(t *testing.T) {
	identifier := "1234ABCD"
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	salt := []byte("0123456789abcdef")

	pairer := NewPinPairer(identifier, seed)
	server := newServerSRP(identifier, "1234", salt)
	serverPub := server.publicKey()

	// Client computes with the wrong pin; its M1 diverges from the
	// server's, so the forged M2 below will not validate either.
	clientPub, proof, err := pairer.Step2("0000", serverPub, salt)
	require.NoError(t, err)

	_, m1 := server.sessionKeyAndM1(clientPub, serverPub)
	require.NotEqual(t, m1, proof)

	err = pairer.VerifyServerProof(clientPub, proof, []byte("not-the-real-proof"))
	require.ErrorIs(t, err, raoperr.ErrWrongPinCode)
}

func TestPinPairerStep3EncryptsRecoverableAuthPublic(t *testing.T) {
	identifier := "1234ABCD"
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	pin := "1234"
	salt := []byte("0123456789abcdef")

	pairer := NewPinPairer(identifier, seed)
	server := newServerSRP(identifier, pin, salt)
	serverPub := server.publicKey()

	clientPub, proof, err := pairer.Step2(pin, serverPub, salt)
	require.NoError(t, err)
	sessionKey, _ := server.sessionKeyAndM1(clientPub, serverPub)

	sealed, authTag, err := pairer.Step3()
	require.NoError(t, err)

	keyHash := sha512.Sum512(append([]byte("Pair-Setup-AES-Key"), sessionKey...))
	aesKey := keyHash[:16]
	ivHash := sha512.Sum512(append([]byte("Pair-Setup-AES-IV"), sessionKey...))
	iv := make([]byte, 16)
	copy(iv, ivHash[:16])
	iv[15]++

	block, err := aes.NewCipher(aesKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	require.NoError(t, err)

	plain, err := gcm.Open(nil, iv, append(append([]byte{}, sealed...), authTag...), nil)
	require.NoError(t, err)
	require.Equal(t, []byte(pairer.AuthPublic()), plain)
}

func TestPadLeftPadsToWidth(t *testing.T) {
	got := pad([]byte{0x01, 0x02}, 4)
	require.Equal(t, []byte{0, 0, 0x01, 0x02}, got)

	// Already-wide input passes through unchanged.
	got = pad([]byte{0x01, 0x02, 0x03, 0x04}, 2)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
}

func TestSRPHashIsSHA1OfConcatenation(t *testing.T) {
	h := sha1.New()
	h.Write([]byte("a"))
	h.Write([]byte("b"))
	require.Equal(t, h.Sum(nil), srpHash([]byte("a"), []byte("b")))
}
