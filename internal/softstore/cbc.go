package softstore

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/atinyakov/keygate/internal/models"
)

var errBadPadding = errors.New("bad padding")

// cbcCipher is AES-CBC with PKCS#7 padding bound to one key and IV.
type cbcCipher struct {
	mode  models.CipherMode
	block cipher.Block
	iv    []byte
}

func (c *cbcCipher) Mode() models.CipherMode { return c.mode }

func (c *cbcCipher) IV() []byte { return c.iv }

func (c *cbcCipher) Transform(data []byte) ([]byte, error) {
	if c.mode == models.ModeEncrypt {
		return c.encrypt(data), nil
	}
	return c.decrypt(data)
}

func (c *cbcCipher) encrypt(plaintext []byte) []byte {
	padded := pad(plaintext, c.block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out
}

func (c *cbcCipher) decrypt(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, ciphertext)
	return unpad(out, bs)
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, errBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
