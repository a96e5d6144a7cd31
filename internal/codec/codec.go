// Package codec performs the one transform an unlocked cipher capability
// permits and maps the resulting bytes to and from text.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// ErrMalformedEncoding is returned when text is not canonical padded base64.
var ErrMalformedEncoding = errors.New("malformed base64")

// ErrIVMismatch means the capability was bound to a different IV than the
// one recorded in the payload.
var ErrIVMismatch = errors.New("payload iv does not match cipher iv")

var encoding = base64.StdEncoding.Strict()

// Encode maps b to padded standard base64 without line breaks.
func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

// Decode is the strict inverse of Encode. Whitespace, non-alphabet bytes,
// bad padding and non-zero trailing bits are all rejected; no partial result
// is ever returned.
func Decode(s string) ([]byte, error) {
	// DecodeString silently drops \r and \n
	if bytes.ContainsAny([]byte(s), "\r\n") {
		return nil, fmt.Errorf("%w: line breaks", ErrMalformedEncoding)
	}
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}
	return b, nil
}

// DecodeIV decodes the IV of a payload so a decrypt capability can be bound
// to it.
func DecodeIV(p models.EncryptedPayload) ([]byte, error) {
	iv, err := Decode(p.IV)
	if err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	if len(iv) == 0 {
		return nil, fmt.Errorf("iv: %w: empty", ErrMalformedEncoding)
	}
	return iv, nil
}

// Encrypt consumes c and returns plaintext encrypted under its key together
// with the IV the cipher chose.
func Encrypt(plaintext []byte, c *keyed.Capability) (models.EncryptedPayload, error) {
	ciph, err := consume(c, models.ModeEncrypt)
	if err != nil {
		return models.EncryptedPayload{}, err
	}
	ct, err := ciph.Transform(plaintext)
	if err != nil {
		return models.EncryptedPayload{}, failed(err)
	}
	return models.EncryptedPayload{
		Ciphertext: Encode(ct),
		IV:         Encode(ciph.IV()),
	}, nil
}

// Decrypt consumes c and returns the plaintext of p. The capability must have
// been created for the IV stored in p. c is spent even when p turns out to be
// malformed.
func Decrypt(p models.EncryptedPayload, c *keyed.Capability) ([]byte, error) {
	ciph, err := consume(c, models.ModeDecrypt)
	if err != nil {
		return nil, err
	}
	iv, err := DecodeIV(p)
	if err != nil {
		return nil, failed(err)
	}
	if !bytes.Equal(iv, ciph.IV()) {
		return nil, failed(ErrIVMismatch)
	}
	ct, err := Decode(p.Ciphertext)
	if err != nil {
		return nil, failed(fmt.Errorf("ciphertext: %w", err))
	}
	plain, err := ciph.Transform(ct)
	if err != nil {
		return nil, failed(err)
	}
	return plain, nil
}

func consume(c *keyed.Capability, mode models.CipherMode) (keyed.Cipher, error) {
	if c == nil {
		return nil, failed(keyed.ErrCapabilityLocked)
	}
	ciph, err := c.Consume(mode)
	if err != nil {
		return nil, failed(err)
	}
	return ciph, nil
}

func failed(err error) error {
	return fmt.Errorf("%w: %w", models.ErrTransformFailed, err)
}
