// Package crypto seals secrets kept in configuration with fernet tokens.
package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a token fails verification under the key.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// GenerateKey returns a new random fernet key in its base64 encoding.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

func decodeKey(keyStr string) (*fernet.Key, error) {
	if keyStr == "" {
		return nil, errors.New("fernet key is empty")
	}
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under keyStr.
func Encrypt(plaintext, keyStr string) (string, error) {
	key, err := decodeKey(keyStr)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token produced by Encrypt. Tokens never expire. An empty
// token decrypts to the empty string.
func Decrypt(token, keyStr string) (string, error) {
	if token == "" {
		return "", nil
	}
	key, err := decodeKey(keyStr)
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of a secret for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
