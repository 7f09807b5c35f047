package mapping

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// storeMagic marks an encrypted mapping file. Cleartext JSON can never
// begin with these bytes, so the prefix decides how a file is read.
var storeMagic = []byte("SCRUB\x00\x01")

// isEncrypted reports whether the buffer carries the encrypted header
func isEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, storeMagic)
}

// sealBuffer encrypts the whole plaintext with AES-256-GCM. Layout:
// magic, nonce, ciphertext+tag. The header is bound as additional data
// so it cannot be swapped without failing authentication.
func sealBuffer(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(storeMagic)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, storeMagic...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, storeMagic)

	return out, nil
}

// openBuffer authenticates and decrypts a sealed buffer
func openBuffer(key, data []byte) ([]byte, error) {
	if !isEncrypted(data) {
		return nil, errors.New("missing encrypted store header")
	}
	data = data[len(storeMagic):]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, storeMagic)
}
