// Package keystore provides password-based at-rest protection for Ed25519
// private keys. Keys are encrypted with AES-256-GCM under a scrypt-derived
// key and persisted as a versioned JSON envelope. A separate MAC over the
// combined ciphertext is checked before any AEAD open, so wrong passwords
// and corrupted files fail the same cheap check first.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

// Version is the only envelope version this package reads or writes.
const Version = "1"

const (
	CipherAESGCM = "aes-256-gcm"
	KDFScrypt    = "scrypt"

	scryptN  = 262144
	scryptR  = 8
	scryptP  = 1
	saltSize = 32
	ivSize   = 16
	keySize  = 32
)

var (
	// ErrUnsupportedVersion is returned for any envelope version other than "1".
	ErrUnsupportedVersion = errors.New("keystore: unsupported envelope version")
	// ErrMACMismatch is returned when the MAC check fails: wrong password or
	// tampered ciphertext.
	ErrMACMismatch = errors.New("keystore: MAC mismatch")
)

// KDFParams records the scrypt parameters used for one envelope.
type KDFParams struct {
	N     int `json:"n"`
	R     int `json:"r"`
	P     int `json:"p"`
	DKLen int `json:"dklen"`
}

// EncryptedKey is the on-disk envelope. CiphertextHex holds, in order, the
// AES-GCM ciphertext, the 16-byte auth tag, and the 16-byte IV.
type EncryptedKey struct {
	Version       string    `json:"version"`
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	Cipher        string    `json:"cipher"`
	KDF           string    `json:"kdf"`
	KDFParams     KDFParams `json:"kdfparams"`
	SaltHex       string    `json:"salt_hex"`
	CiphertextHex string    `json:"ciphertext_hex"`
	MAC           string    `json:"mac"`
}

// Encrypt seals a hex-encoded private key under a password.
func Encrypt(privKeyHex, password, agentID string) (*EncryptedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keystore: salt: %w", err)
	}

	dk, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("keystore: kdf: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("keystore: iv: %w", err)
	}

	gcm, err := newGCM(dk)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, []byte(privKeyHex), nil)
	combined := append(sealed, iv...)

	return &EncryptedKey{
		Version: Version,
		ID:      uuid.NewString(),
		AgentID: agentID,
		Cipher:  CipherAESGCM,
		KDF:     KDFScrypt,
		KDFParams: KDFParams{
			N:     scryptN,
			R:     scryptR,
			P:     scryptP,
			DKLen: keySize,
		},
		SaltHex:       hex.EncodeToString(salt),
		CiphertextHex: hex.EncodeToString(combined),
		MAC:           computeMAC(dk, combined),
	}, nil
}

// Decrypt recovers the hex-encoded private key from an envelope. The MAC is
// verified before the AEAD is opened.
func Decrypt(k *EncryptedKey, password string) (string, error) {
	if k.Version != Version {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, k.Version)
	}
	if k.KDF != KDFScrypt {
		return "", fmt.Errorf("keystore: unsupported kdf %q", k.KDF)
	}

	salt, err := hex.DecodeString(k.SaltHex)
	if err != nil {
		return "", fmt.Errorf("keystore: decode salt: %w", err)
	}
	combined, err := hex.DecodeString(k.CiphertextHex)
	if err != nil {
		return "", fmt.Errorf("keystore: decode ciphertext: %w", err)
	}
	if len(combined) < ivSize {
		return "", errors.New("keystore: ciphertext too short")
	}

	params := k.KDFParams
	if params.DKLen == 0 {
		params.DKLen = keySize
	}
	dk, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.DKLen)
	if err != nil {
		return "", fmt.Errorf("keystore: kdf: %w", err)
	}

	expected, err := hex.DecodeString(k.MAC)
	if err != nil {
		return "", fmt.Errorf("keystore: decode mac: %w", err)
	}
	actual, err := hex.DecodeString(computeMAC(dk, combined))
	if err != nil {
		return "", fmt.Errorf("keystore: mac: %w", err)
	}
	if !hmac.Equal(expected, actual) {
		return "", ErrMACMismatch
	}

	iv := combined[len(combined)-ivSize:]
	sealed := combined[:len(combined)-ivSize]

	gcm, err := newGCM(dk)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("keystore: open: %w", err)
	}
	return string(pt), nil
}

// Save writes the envelope as JSON with owner-only permissions.
func Save(k *EncryptedKey, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("keystore: create dir: %w", err)
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal envelope: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("keystore: write envelope: %w", err)
	}
	return nil
}

// Load reads an envelope from disk.
func Load(path string) (*EncryptedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read envelope: %w", err)
	}
	var k EncryptedKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("keystore: parse envelope: %w", err)
	}
	return &k, nil
}

// computeMAC is SHA-256 over the second half of the derived key followed by
// the combined ciphertext.
func computeMAC(dk, combined []byte) string {
	h := sha256.New()
	h.Write(dk[16:32])
	h.Write(combined)
	return hex.EncodeToString(h.Sum(nil))
}

func newGCM(dk []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("keystore: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm: %w", err)
	}
	return gcm, nil
}
