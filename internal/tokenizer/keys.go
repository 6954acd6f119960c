package tokenizer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "icapd card vault v1"

// LoadKey decodes a base64 fernet key.
func LoadKey(encoded string) (*fernet.Key, error) {
	k, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return k, nil
}

// DeriveKey stretches a passphrase into a fernet key with HKDF-SHA256.
func DeriveKey(passphrase, salt string) (*fernet.Key, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), []byte(keyInfo))
	var k fernet.Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &k, nil
}
