// Package secrets handles age-encrypted configuration values.
// Encrypted values travel as ENC[age:base64] blobs inside config files
// and model definitions; the service decrypts them with a local identity.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

const encPrefix = "ENC[age:"
const encSuffix = "]"

// IsEncrypted returns true if the string is an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}

// GenerateIdentity creates an X25519 key pair at path with 0o600
// permissions. Idempotent: an existing file is left untouched.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("key directory: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	var b strings.Builder
	fmt.Fprintln(&b, "# created by inkwell")
	fmt.Fprintln(&b, "# public key:", id.Recipient())
	fmt.Fprintln(&b, id)

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadIdentity reads the first X25519 identity from a key file. Key
// files may carry comments and several identities; the rest are ignored.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	ids, err := age.ParseIdentities(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// Encrypt seals plaintext for the recipients into an ENC[age:...] blob.
func Encrypt(plaintext string, recipients ...age.Recipient) (string, error) {
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(sealed.Bytes()) + encSuffix, nil
}

// Decrypt opens an ENC[age:...] blob produced by Encrypt.
func Decrypt(blob string, identities ...age.Identity) (string, error) {
	if !IsEncrypted(blob) {
		return "", errors.New("not an ENC[age:...] value")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob[len(encPrefix) : len(blob)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	return string(plain), nil
}

// Keeper resolves config values, decrypting ENC[age:...] blobs with the
// identity at identityFile. The identity is loaded lazily so a missing key
// file only matters when an encrypted value is actually present.
type Keeper struct {
	identityFile string

	mu       sync.Mutex
	identity *age.X25519Identity
}

// NewKeeper builds a Keeper over the given identity file.
func NewKeeper(identityFile string) *Keeper {
	return &Keeper{identityFile: identityFile}
}

// Reveal returns plaintext values unchanged and decrypts encrypted ones.
func (k *Keeper) Reveal(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	id, err := k.loadIdentity()
	if err != nil {
		return "", err
	}
	return Decrypt(value, id)
}

// Recipient returns the public recipient for encrypting new values.
func (k *Keeper) Recipient() (*age.X25519Recipient, error) {
	id, err := k.loadIdentity()
	if err != nil {
		return nil, err
	}
	return id.Recipient(), nil
}

func (k *Keeper) loadIdentity() (*age.X25519Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.identity != nil {
		return k.identity, nil
	}
	id, err := LoadIdentity(k.identityFile)
	if err != nil {
		return nil, err
	}
	k.identity = id
	return id, nil
}
