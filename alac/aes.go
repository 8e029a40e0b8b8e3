package alac

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CBCEncryptor encrypts ALAC payload bytes under AES-CBC with a fixed
// key/IV, the one key/IV negotiated via ANNOUNCE and reused for every
// packet sent to every RSA-requiring receiver in a session (spec §4.3).
// AES-CBC here is a genuine cryptographic primitive, not a codec choice,
// so it is implemented directly against the standard library rather than
// sought out in the example corpus.
type CBCEncryptor struct {
	block cipher.Block
	iv    []byte
}

// NewCBCEncryptor builds an encryptor from a 16-byte AES key and IV.
func NewCBCEncryptor(key, iv []byte) (*CBCEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("alac: aes key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("alac: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &CBCEncryptor{block: block, iv: iv}, nil
}

// Encrypt returns a copy of data whose leading whole 16-byte blocks are
// encrypted; AirTunes only encrypts the portion of the ALAC payload that
// divides evenly into AES blocks, so any trailing partial block is copied
// in the clear. data itself is not modified.
func (e *CBCEncryptor) Encrypt(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	alignedLen := len(data) - (len(data) % aes.BlockSize)
	if alignedLen == 0 {
		return append([]byte(nil), data...)
	}
	out := make([]byte, len(data))
	copy(out, data)
	mode := cipher.NewCBCEncrypter(e.block, e.iv)
	mode.CryptBlocks(out[:alignedLen], data[:alignedLen])
	return out
}
