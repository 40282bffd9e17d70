// Package fieldcrypt encrypts individual database fields. Values are stored
// as "hex(iv):hex(ciphertext)" with a fresh random IV per call, so the same
// plaintext never produces the same stored value twice. Fields that must
// remain searchable or unique carry a deterministic SHA-256 companion column
// produced by Hash.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrMalformed is returned when a stored value is not iv:ciphertext hex.
	ErrMalformed = errors.New("fieldcrypt: malformed value")
	// ErrBadPadding is returned when decryption yields invalid PKCS#7
	// padding, which usually means the wrong key was used.
	ErrBadPadding = errors.New("fieldcrypt: invalid padding")
)

// keySalt is fixed: the derived key must be stable across restarts so that
// previously written rows stay readable.
var keySalt = []byte("phonebook-fieldcrypt-v1")

// Codec performs AES-256-CBC encryption of field values with a single key
// derived from the configured secret.
type Codec struct {
	key []byte
}

// New derives the AES key from secret via PBKDF2-SHA256.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("fieldcrypt: empty secret")
	}
	key := pbkdf2.Key([]byte(secret), keySalt, 10000, 32, sha256.New)
	return &Codec{key: key}, nil
}

// Encrypt returns "hex(iv):hex(ciphertext)" for the given plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. It fails on malformed input or a wrong key.
func (c *Codec) Decrypt(value string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(value, ":")
	if !ok {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformed
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pt, err = unpad(pt)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Hash returns the deterministic lookup digest for a plaintext. It exists so
// encrypted columns can still back equality searches and unique constraints;
// it carries no secrecy guarantee on its own.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return fmt.Sprintf("%x", sum[:])
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
