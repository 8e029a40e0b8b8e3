package rtsp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha1"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/airtunesgo/raop/raoperr"
)

// prime2048Hex is the RFC 5054 2048-bit SRP group prime (PRIME_2048 in
// spec §4.6); PRIME_2048_GEN is its generator.
const prime2048Hex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF60951" +
	"79A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33E" +
	"A71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523" +
	"B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308" +
	"D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA711" +
	"1F9E4AFF73"

var (
	prime2048      *big.Int
	prime2048Gen   = big.NewInt(2)
	prime2048Bytes int
)

func init() {
	prime2048, _ = new(big.Int).SetString(prime2048Hex, 16)
	prime2048Bytes = (prime2048.BitLen() + 7) / 8
}

// PinPairer drives the pair-pin-start / pair-setup-pin SRP-6a exchange
// (spec §4.6 "Pin-pairing"). A fresh PinPairer is used per pairing
// attempt, with the identifier and seed that attempt generated; once the
// attempt succeeds they become the device's long-lived credentials.
type PinPairer struct {
	identifier string
	seed       []byte // persisted auth_secret; doubles as the Ed25519 signing seed and the SRP client private exponent

	a          *big.Int // SRP private exponent, derived from seed
	authPublic ed25519.PublicKey

	sessionKey []byte // K = H(S‖0)‖H(S‖1), the AtvSRPContext custom session key
}

// NewPinPairer seeds a pairing attempt. identifier should be a random 8
// hex byte string; seed a random 32 byte string (spec's new_credentials).
func NewPinPairer(identifier string, seed []byte) *PinPairer {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &PinPairer{
		identifier: identifier,
		seed:       seed,
		a:          new(big.Int).SetBytes(seed),
		authPublic: pub,
	}
}

func pad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func srpHash(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Step2 runs the SRP client math against the server's public key and
// salt (from pair-setup-pin's first response) and returns the client's
// public key and key proof (M1) to send back.
func (p *PinPairer) Step2(pin string, serverPub, salt []byte) (clientPub, proof []byte, err error) {
	n, g := prime2048, prime2048Gen

	x := new(big.Int).SetBytes(srpHash(salt, srpHash([]byte(p.identifier+":"+pin))))

	A := new(big.Int).Exp(g, p.a, n)
	B := new(big.Int).SetBytes(serverPub)
	if new(big.Int).Mod(B, n).Sign() == 0 {
		return nil, nil, fmt.Errorf("rtsp: srp server public key is degenerate: %w", raoperr.ErrPairingFailed)
	}

	k := new(big.Int).SetBytes(srpHash(pad(n.Bytes(), prime2048Bytes), pad(g.Bytes(), prime2048Bytes)))
	u := new(big.Int).SetBytes(srpHash(pad(A.Bytes(), prime2048Bytes), pad(B.Bytes(), prime2048Bytes)))
	if u.Sign() == 0 {
		return nil, nil, fmt.Errorf("rtsp: srp u is zero: %w", raoperr.ErrPairingFailed)
	}

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(g, x, n)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, n)
	exp := new(big.Int).Add(p.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, n)

	sBytes := pad(S.Bytes(), prime2048Bytes)
	k1 := sha512.Sum512(append(append([]byte{}, sBytes...), 0, 0, 0, 0))
	k2 := sha512.Sum512(append(append([]byte{}, sBytes...), 0, 0, 0, 1))
	p.sessionKey = append(append([]byte{}, k1[:]...), k2[:]...)

	m1 := srpHash(pad(A.Bytes(), prime2048Bytes), pad(B.Bytes(), prime2048Bytes), p.sessionKey)

	return pad(A.Bytes(), prime2048Bytes), m1, nil
}

// VerifyServerProof checks the server's response proof (M2) from the
// second pair-setup-pin round trip. A mismatch means the pin was wrong.
func (p *PinPairer) VerifyServerProof(clientPub, proof, serverProof []byte) error {
	want := srpHash(clientPub, proof, p.sessionKey)
	if !bytesEqual(want, serverProof) {
		return raoperr.ErrWrongPinCode
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Step3 encrypts the device's Ed25519 public key for registration under
// the session key derived AES-GCM key/IV (spec §4.6 third pair-setup-pin
// round trip).
func (p *PinPairer) Step3() (epk, authTag []byte, err error) {
	if p.sessionKey == nil {
		return nil, nil, fmt.Errorf("rtsp: srp step3 before step2: %w", raoperr.ErrPairingFailed)
	}

	keyHash := sha512.Sum512(append([]byte("Pair-Setup-AES-Key"), p.sessionKey...))
	aesKey := keyHash[:16]

	ivHash := sha512.Sum512(append([]byte("Pair-Setup-AES-IV"), p.sessionKey...))
	iv := make([]byte, 16)
	copy(iv, ivHash[:16])
	iv[15]++

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("rtsp: srp aes key: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, nil, fmt.Errorf("rtsp: srp gcm: %w", err)
	}

	sealed := gcm.Seal(nil, iv, p.authPublic, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], sealed[tagStart:], nil
}

// AuthPublic returns the device's Ed25519 public key: the plaintext that
// Step3 encrypts for the third pair-setup-pin step. Pair-verify's first
// request carries the same key, derived from the same seed.
func (p *PinPairer) AuthPublic() ed25519.PublicKey { return p.authPublic }
