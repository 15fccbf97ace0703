// Package crypto loads and protects the relayer's ed25519 signing seed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 2

	// SeedSize is the length of an ed25519 private seed.
	SeedSize = 32
	// secretKeySize is seed followed by public key, as written by wallet tooling.
	secretKeySize = 64
)

type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig carries the information LoadSeed needs to resolve the key.
type KeyConfig struct {
	// RawKey is a base58 or hex secret, or a JSON byte array as written by
	// wallet keygen tools.
	RawKey string
	// KeypairPath is a wallet keygen JSON file.
	KeypairPath string
	// EncryptedKeyPath is a file produced by EncryptSeed.
	EncryptedKeyPath string
	KeyPassword      string
}

// ParseSecret accepts a 32-byte seed or 64-byte secret key encoded as
// base58, hex, or a JSON array, and returns the seed.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	switch {
	case strings.HasPrefix(s, "["):
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("crypto: parse key array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("crypto: key array element %d out of range", i)
			}
			raw[i] = byte(v)
		}
	default:
		if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil && (len(b) == SeedSize || len(b) == secretKeySize) {
			raw = b
		} else {
			raw = base58.Decode(s)
		}
	}
	switch len(raw) {
	case SeedSize:
		return raw, nil
	case secretKeySize:
		return raw[:SeedSize], nil
	}
	return nil, fmt.Errorf("crypto: key decodes to %d bytes, want %d or %d", len(raw), SeedSize, secretKeySize)
}

// EncryptSeed encrypts a seed with PBKDF2-HMAC-SHA256 and AES-256-GCM.
func EncryptSeed(seed []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("crypto: expected %d-byte seed, got %d bytes", SeedSize, len(seed))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := encryptedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, seed, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptSeed reverses EncryptSeed.
func DecryptSeed(blob []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var stored encryptedKeyJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return seed, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// LoadSeed resolves the signing seed. RawKey wins, then KeypairPath, then
// EncryptedKeyPath.
func LoadSeed(cfg KeyConfig) ([]byte, error) {
	if cfg.RawKey != "" {
		return ParseSecret(cfg.RawKey)
	}
	if cfg.KeypairPath != "" {
		data, err := os.ReadFile(cfg.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading keypair file: %w", err)
		}
		return ParseSecret(string(data))
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading encrypted key file: %w", err)
		}
		return DecryptSeed(data, cfg.KeyPassword)
	}
	return nil, errors.New("crypto: no key source configured (set raw key, keypair path or encrypted key path)")
}
