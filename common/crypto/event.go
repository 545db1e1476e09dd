// Package crypto implements the Lark/Feishu event encryption scheme: an
// AES-256-CBC payload keyed by SHA-256 of the app's Encrypt Key, and the
// SHA-256 request signature sent in X-Lark-Signature.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrEmptyKey           = errors.New("encrypt key is empty")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrBadPadding         = errors.New("invalid PKCS#7 padding")
)

// eventKey derives the AES-256 key from the Encrypt Key configured in the
// developer console.
func eventKey(encryptKey string) []byte {
	sum := sha256.Sum256([]byte(encryptKey))
	return sum[:]
}

// DecryptEvent decodes the base64 "encrypt" field of an event callback and
// returns the plaintext JSON. The first block of the decoded bytes is the IV.
func DecryptEvent(encryptKey, encrypted string) ([]byte, error) {
	if encryptKey == "" {
		return nil, ErrEmptyKey
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(eventKey(encryptKey))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	return unpad(plain)
}

// EncryptEvent is the inverse of DecryptEvent. Production traffic never needs
// it; it exists so callers can build fixtures that match what Lark sends.
func EncryptEvent(encryptKey string, iv, plaintext []byte) (string, error) {
	if encryptKey == "" {
		return "", ErrEmptyKey
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	block, err := aes.NewCipher(eventKey(encryptKey))
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	padded := pad(plaintext)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Signature computes hex(sha256(timestamp + nonce + encryptKey + body)).
func Signature(timestamp, nonce, encryptKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature reports whether sig matches the expected request signature.
// The comparison is constant-time.
func VerifySignature(timestamp, nonce, encryptKey string, body []byte, sig string) bool {
	want := Signature(timestamp, nonce, encryptKey, body)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
