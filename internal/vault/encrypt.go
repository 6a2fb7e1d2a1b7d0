package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// envelopePrefix marks a stored credential field as ciphertext rather than
// plaintext. Every envelope this package writes carries envelopeV1Prefix;
// the bare envelopePrefix is only ever read, never written, to keep a path
// open for a future version bump without breaking records sealed today.
const (
	envelopePrefix   = "$edge_enc$"
	envelopeV1Prefix = "$edge_enc$v1$"
)

// DefaultEncryptor is the encryptor built from the runtime's configured key
// material. It is nil whenever no key was configured, which the Vault
// treats as "store access tokens in the clear" — acceptable for local
// development, never for a deployed vehicle.
var DefaultEncryptor *Encryptor

// Encryptor seals and opens credential values with AES-256-GCM. A rotated-in
// key becomes primaryKey; the key it replaced moves to oldKeys so records
// sealed under it still decrypt until they're next rewritten.
type Encryptor struct {
	primaryKey []byte
	oldKeys    [][]byte
}

// Init builds DefaultEncryptor from a base64-encoded 32-byte primary key and
// zero or more retired keys kept around for decrypting older records. An
// empty primaryKeyB64 leaves DefaultEncryptor nil rather than erroring,
// since a freshly-flashed vehicle may not have provisioned a key yet.
func Init(primaryKeyB64 string, retiredKeysB64 ...string) error {
	if primaryKeyB64 == "" {
		DefaultEncryptor = nil
		return nil
	}

	primary, err := decodeAES256Key(primaryKeyB64)
	if err != nil {
		return fmt.Errorf("vault: primary encryption key: %w", err)
	}

	retired := make([][]byte, 0, len(retiredKeysB64))
	for i, b64 := range retiredKeysB64 {
		if b64 == "" {
			continue
		}
		key, err := decodeAES256Key(b64)
		if err != nil {
			return fmt.Errorf("vault: retired encryption key %d: %w", i, err)
		}
		retired = append(retired, key)
	}

	DefaultEncryptor = &Encryptor{primaryKey: primary, oldKeys: retired}
	return nil
}

// Enabled reports whether a DefaultEncryptor is available to seal and open
// credential values.
func Enabled() bool {
	return DefaultEncryptor != nil
}

// IsEncrypted reports whether value carries the vault's envelope prefix
// rather than being plaintext.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

func decodeAES256Key(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes for AES-256, got %d", len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under the primary key and returns it as a
// "$edge_enc$v1$<base64(nonce || ciphertext)>" envelope.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	sealed, err := seal(e.primaryKey, plaintext)
	if err != nil {
		return "", err
	}
	return envelopeV1Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. It accepts both the
// versioned ($edge_enc$v1$...) and bare ($edge_enc$...) prefix, and on an
// auth failure with the primary key falls back to each retired key in turn
// before giving up — this is what lets a key rotation happen without a
// flag day for every credential already on disk.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	payload, ok := stripEnvelopePrefix(envelope)
	if !ok {
		return "", fmt.Errorf("vault: value is not an encrypted envelope")
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("vault: envelope payload is not valid base64: %w", err)
	}

	for _, key := range append([][]byte{e.primaryKey}, e.oldKeys...) {
		if plaintext, err := open(key, sealed); err == nil {
			return plaintext, nil
		}
	}
	return "", fmt.Errorf("vault: envelope did not open under the primary key or any retired key")
}

func stripEnvelopePrefix(value string) (string, bool) {
	if rest, ok := strings.CutPrefix(value, envelopeV1Prefix); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(value, envelopePrefix); ok {
		return rest, true
	}
	return "", false
}

func seal(key []byte, plaintext string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func open(key, sealed []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("vault: envelope shorter than one nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: building AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: wrapping cipher in GCM: %w", err)
	}
	return gcm, nil
}
