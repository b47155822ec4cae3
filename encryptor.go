package pathoram

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor provides block encryption and decryption. The block id and
// leaf are encoded into the plaintext itself (see block.go) rather than
// passed as additional authenticated data: a bucket is a sequence of
// equal-length ciphertexts with nothing public alongside them to bind as
// AAD, so every slot — real or dummy — goes through the identical
// Encrypt/Decrypt path.
type Encryptor interface {
	// Encrypt seals plaintext into a ciphertext carrying its own nonce.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens a ciphertext produced by Encrypt.
	Decrypt(ciphertext []byte) ([]byte, error)

	// Overhead returns the number of extra bytes added by encryption
	// (nonce + authentication tag), constant across every call.
	Overhead() int
}

// NoOpEncryptor passes data through without encryption.
// Use only for testing or when encryption is handled externally.
type NoOpEncryptor struct{}

// Encrypt returns a copy of plaintext.
func (NoOpEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	result := make([]byte, len(plaintext))
	copy(result, plaintext)
	return result, nil
}

// Decrypt returns a copy of ciphertext.
func (NoOpEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	result := make([]byte, len(ciphertext))
	copy(result, ciphertext)
	return result, nil
}

// Overhead returns 0 for NoOpEncryptor.
func (NoOpEncryptor) Overhead() int {
	return 0
}

// aeadEncryptor wraps any cipher.AEAD with the nonce-prefixed wire format
// shared by both supported suites.
type aeadEncryptor struct {
	aead      cipher.AEAD
	nonceSize int
}

func newAEADEncryptor(aead cipher.AEAD) *aeadEncryptor {
	return &aeadEncryptor{aead: aead, nonceSize: aead.NonceSize()}
}

// Encrypt encrypts plaintext with a fresh random nonce.
// Output format: nonce || ciphertext || tag.
func (e *aeadEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrEncryptionFailed
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (e *aeadEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.nonceSize+e.aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, ct := ciphertext[:e.nonceSize], ciphertext[e.nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns nonce size + AEAD tag size.
func (e *aeadEncryptor) Overhead() int {
	return e.nonceSize + e.aead.Overhead()
}

const aesKeySize = 32 // AES-256

// NewAESGCMEncryptor creates an AES-256-GCM encryptor with the given
// 32-byte key.
func NewAESGCMEncryptor(key []byte) (Encryptor, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("pathoram: AES-256-GCM key must be %d bytes, got %d", aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pathoram: create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pathoram: create GCM: %w", err)
	}
	return newAEADEncryptor(aead), nil
}

const chachaKeySize = chacha20poly1305.KeySize

// NewChaCha20Poly1305Encryptor creates a ChaCha20-Poly1305 encryptor with
// the given 32-byte key — an alternative to AES-GCM for hardware without
// AES-NI, selected via Config.CipherSuite.
func NewChaCha20Poly1305Encryptor(key []byte) (Encryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("pathoram: create ChaCha20-Poly1305: %w", err)
	}
	return newAEADEncryptor(aead), nil
}

// keySize reports the key length newEncryptor expects for suite.
func keySize(suite CipherSuite) int {
	if suite == CipherChaCha20Poly1305 {
		return chachaKeySize
	}
	return aesKeySize
}

// newEncryptor builds the Encryptor for suite.
func newEncryptor(suite CipherSuite, key []byte) (Encryptor, error) {
	if suite == CipherChaCha20Poly1305 {
		return NewChaCha20Poly1305Encryptor(key)
	}
	return NewAESGCMEncryptor(key)
}
