package softstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// NewWrapperFromPEM derives the AEAD that wraps key material at rest from
// the paired client certificate PEM.
func NewWrapperFromPEM(certPEM []byte) (cipher.AEAD, error) {
	if len(certPEM) == 0 {
		return nil, errors.New("empty certificate PEM")
	}
	key := sha256.Sum256(certPEM)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

// seal returns nonce || ciphertext.
func seal(aead cipher.AEAD, plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, aad), nil
}

func open(aead cipher.AEAD, data, aad []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(data) < ns {
		return nil, errors.New("wrapped key too short")
	}
	plain, err := aead.Open(nil, data[:ns], data[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	return plain, nil
}
