// Package crypto authenticates API callers by secp256k1 request signatures,
// signs outgoing webhooks, and loads the keeper's private key from raw hex or
// a password-encrypted file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// ErrNoKey is returned by LoadSigner when no key source is configured.
var ErrNoKey = errors.New("crypto: no private key configured")

// keyFile is the on-disk format of an encrypted private key. Binary fields
// are base64 standard encoded.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where a private key comes from. RawHex wins over File.
type KeySource struct {
	RawHex   string
	File     string
	Password string
}

// Configured reports whether any source is set.
func (k KeySource) Configured() bool {
	return k.RawHex != "" || k.File != ""
}

// LoadSigner resolves the key and returns a Signer for it.
func LoadSigner(src KeySource) (*Signer, error) {
	switch {
	case src.RawHex != "":
		return NewSigner(src.RawHex)
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		keyHex, err := DecryptKey(data, src.Password)
		if err != nil {
			return nil, err
		}
		return NewSigner(keyHex)
	default:
		return nil, ErrNoKey
	}
}

// EncryptKey seals a hex private key under password with PBKDF2-HMAC-SHA256
// and AES-256-GCM, returning the JSON key file.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	signer, err := NewSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}
	keyBytes, _ := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    signer.Address().Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the private
// key as hex without a 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", kf.Salt, &salt},
		{"nonce", kf.Nonce, &nonce},
		{"ciphertext", kf.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decode %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return gcm, nil
}
