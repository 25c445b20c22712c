package payloadstore

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// cryptoState holds the per-payload ChaCha20 keystream used to transparently
// encrypt and decrypt a payload's bytes block by block. The key schedule is
// this store's resolution of spec.md §9's open payload-encryption-key
// question: HKDF-SHA512, with bundleSecret as input key material and
// fileHash as salt, expands to a 32-byte key and 12-byte nonce. It is not byte-compatible with the original NaCl-based
// scheme, which §1's wire-compatibility goal does not cover.
type cryptoState struct {
	cipher *chacha20.Cipher
}

// deriveCryptoState expands (bsk, hash) into a ChaCha20 cipher instance
// whose block counter starts at startBlock, letting a journal resume
// decryption mid-stream without replaying bytes already on disk.
func deriveCryptoState(bsk rhizomeid.BSK, hash rhizomeid.FileHash, startBlock uint32) (*cryptoState, error) {
	h := hkdf.New(sha512.New, bsk.Bytes(), hash.Bytes(), []byte("rhizome-payload-crypt"))
	keyAndNonce := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(h, keyAndNonce); err != nil {
		return nil, err
	}
	c, err := chacha20.NewUnauthenticatedCipher(keyAndNonce[:chacha20.KeySize], keyAndNonce[chacha20.KeySize:])
	if err != nil {
		return nil, err
	}
	if startBlock != 0 {
		c.SetCounter(startBlock)
	}
	return &cryptoState{cipher: c}, nil
}

// XORKeyStream encrypts or decrypts buf in place (ChaCha20 is its own
// inverse), consuming the cipher's running stream position.
func (c *cryptoState) XORKeyStream(buf []byte) {
	c.cipher.XORKeyStream(buf, buf)
}

// blockCounterForOffset converts a byte offset into the 64-byte ChaCha20
// block counter a Writer/Reader must seek the cipher to before continuing
// mid-stream, rounding down to the containing block.
func blockCounterForOffset(offset uint64) uint32 {
	return uint32(offset / 64)
}
