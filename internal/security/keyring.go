package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"licensed/internal/errors"
)

// Scrypt parameters follow the OWASP ASVS minimums for key derivation.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32 // AES-256

	nonceSize = 12
	saltSize  = 32

	keyringVersion = 1
)

// Keyring holds the RSA signing keys used to issue offline consumption
// tokens. Each license with a borrow configuration gets its own keypair,
// referenced by key ID from the license issuer metadata.
type Keyring struct {
	mu   sync.RWMutex
	bits int
	keys map[string]*rsa.PrivateKey
}

// NewKeyring creates an empty keyring generating keys of the given size.
// Key sizes below 2048 bits are rejected at config validation time.
func NewKeyring(bits int) *Keyring {
	return &Keyring{
		bits: bits,
		keys: make(map[string]*rsa.PrivateKey),
	}
}

// Generate creates a fresh RSA keypair and returns its key ID.
func (k *Keyring) Generate() (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, k.bits)
	if err != nil {
		return "", fmt.Errorf("generating signing key: %w", err)
	}

	id := "lmk-" + strings.ReplaceAll(uuid.New().String(), "-", "")

	k.mu.Lock()
	k.keys[id] = priv
	k.mu.Unlock()

	return id, nil
}

// SigningKey returns the private key for the given key ID.
func (k *Keyring) SigningKey(keyID string) (*rsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	priv, ok := k.keys[keyID]
	if !ok {
		return nil, errors.ErrKeyNotFound.WithMessagef("signing key %q not found", keyID)
	}
	return priv, nil
}

// PublicKey returns the verification half of the given key.
func (k *Keyring) PublicKey(keyID string) (*rsa.PublicKey, error) {
	priv, err := k.SigningKey(keyID)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// KeyIDs lists the identifiers of all held keys.
func (k *Keyring) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	return ids
}

// keyringPayload is the on-disk envelope. The ciphertext is the JSON
// encoding of keyringContents sealed with AES-256-GCM under a key
// derived from the passphrase with scrypt.
type keyringPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Integrity  []byte `json:"integrity"`
}

type keyringContents struct {
	Bits int               `json:"bits"`
	Keys map[string][]byte `json:"keys"` // key ID to PKCS#1 DER
}

// Save writes the keyring to path encrypted under the passphrase. The
// file is written with owner-only permissions.
func (k *Keyring) Save(path string, passphrase []byte) error {
	if len(passphrase) == 0 {
		return errors.ErrInvalidRequest.WithMessagef("keyring passphrase is required")
	}

	k.mu.RLock()
	contents := keyringContents{
		Bits: k.bits,
		Keys: make(map[string][]byte, len(k.keys)),
	}
	for id, priv := range k.keys {
		contents.Keys[id] = x509.MarshalPKCS1PrivateKey(priv)
	}
	k.mu.RUnlock()

	plaintext, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("deriving file key: %w", err)
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	payload := keyringPayload{
		Version:    keyringVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}
	payload.Integrity = integrityHash(payload.Ciphertext, salt, nonce)
	wipe(plaintext)

	out, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("writing keyring file: %w", err)
	}
	return nil
}

// LoadKeyring reads an encrypted keyring file written by Save.
func LoadKeyring(path string, passphrase []byte) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyring file: %w", err)
	}

	var payload keyringPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if payload.Version != keyringVersion {
		return nil, fmt.Errorf("unsupported keyring version %d", payload.Version)
	}

	expected := integrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, errors.ErrInvalidSignature.WithMessagef("keyring integrity check failed")
	}

	key, err := scrypt.Key(passphrase, payload.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving file key: %w", err)
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return nil, errors.ErrInvalidSignature.WithCause(err)
	}
	defer wipe(plaintext)

	var contents keyringContents
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		return nil, fmt.Errorf("decoding keyring: %w", err)
	}

	k := NewKeyring(contents.Bits)
	for id, der := range contents.Keys {
		priv, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", id, err)
		}
		k.keys[id] = priv
	}
	return k, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("LICENSED-KEYRING-V1"))
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
