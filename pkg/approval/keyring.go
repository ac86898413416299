package approval

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id cost parameters. Fixed so a keyring written on one install is
// readable on another with the same passphrase.
const (
	kdfTime    = 2
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 1
)

const keyringFileName = "keyring.json"

// keyRecord is one signing key as persisted in keyring.json. The private key
// lives AEAD-encrypted in a sibling {key_id}.key file, never in the ring.
type keyRecord struct {
	KeyID        string     `json:"key_id"`
	PublicKeyHex string     `json:"public_key_hex"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

type keyringFile struct {
	Version      int         `json:"version"`
	KDFSaltHex   string      `json:"kdf_salt_hex"`
	CurrentKeyID string      `json:"current_key_id"`
	Keys         []keyRecord `json:"keys"`
}

// KeyManager issues, unlocks, and rotates the Ed25519 signing keys of one
// agent. Signing requires an unlocked key; verification never does, so
// workers can verify envelopes while the key stays locked.
type KeyManager struct {
	dir    string
	logger *slog.Logger

	mu         sync.Mutex
	ring       *keyringFile
	unlockedID string
	unlocked   ed25519.PrivateKey
}

// NewKeyManager loads the keyring under dir (the agent's keys/ directory).
// A missing keyring is not an error; CreateInitialKey establishes it.
func NewKeyManager(dir string) (*KeyManager, error) {
	m := &KeyManager{
		dir:    dir,
		logger: slog.Default().With("component", "keyring"),
	}
	ring, err := readKeyring(dir)
	if err != nil {
		return nil, err
	}
	m.ring = ring
	return m, nil
}

func readKeyring(dir string) (*keyringFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, keyringFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	var ring keyringFile
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, fmt.Errorf("failed to parse keyring: %w", err)
	}
	return &ring, nil
}

func (m *KeyManager) writeKeyring() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	data, err := json.MarshalIndent(m.ring, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keyring: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, keyringFileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}

// Initialized reports whether the keyring holds at least one key.
func (m *KeyManager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring != nil && len(m.ring.Keys) > 0
}

// CreateInitialKey generates the first signing key, encrypts its seed under
// the passphrase, and leaves the manager unlocked with it.
func (m *KeyManager) CreateInitialKey(passphrase string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ring != nil && len(m.ring.Keys) > 0 {
		return "", ErrKeyringExists
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate KDF salt: %w", err)
	}
	m.ring = &keyringFile{
		Version:    1,
		KDFSaltHex: hex.EncodeToString(salt),
	}

	keyID, priv, err := m.generateKeyLocked(passphrase)
	if err != nil {
		return "", err
	}
	m.ring.CurrentKeyID = keyID
	if err := m.writeKeyring(); err != nil {
		return "", err
	}

	m.unlockedID = keyID
	m.unlocked = priv
	m.logger.Info("Created initial signing key", "key_id", keyID)
	return keyID, nil
}

// generateKeyLocked mints a new Ed25519 key, writes its encrypted seed file,
// and appends its record to the ring. Caller holds the mutex and persists
// the ring afterwards.
func (m *KeyManager) generateKeyLocked(passphrase string) (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}

	sum := sha256.Sum256(pub)
	keyID := hex.EncodeToString(sum[:8])

	aead, err := m.deriveAEADLocked(passphrase)
	if err != nil {
		return "", nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, priv.Seed(), nil)

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("failed to create keys directory: %w", err)
	}
	keyPath := filepath.Join(m.dir, keyID+".key")
	blob := hex.EncodeToString(nonce) + hex.EncodeToString(sealed)
	if err := os.WriteFile(keyPath, []byte(blob), 0o600); err != nil {
		return "", nil, fmt.Errorf("failed to write key file: %w", err)
	}

	m.ring.Keys = append(m.ring.Keys, keyRecord{
		KeyID:        keyID,
		PublicKeyHex: hex.EncodeToString(pub),
		CreatedAt:    time.Now().UTC(),
	})
	return keyID, priv, nil
}

func (m *KeyManager) deriveAEADLocked(passphrase string) (cipher.AEAD, error) {
	salt, err := hex.DecodeString(m.ring.KDFSaltHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode KDF salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	return chacha20poly1305.NewX(key)
}

// Unlock decrypts the current private key and caches it in process memory.
func (m *KeyManager) Unlock(passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ring == nil || len(m.ring.Keys) == 0 {
		return ErrNoKeyring
	}
	priv, err := m.decryptKeyLocked(m.ring.CurrentKeyID, passphrase)
	if err != nil {
		return err
	}
	m.unlockedID = m.ring.CurrentKeyID
	m.unlocked = priv
	m.logger.Info("Unlocked signing key", "key_id", m.unlockedID)
	return nil
}

func (m *KeyManager) decryptKeyLocked(keyID, passphrase string) (ed25519.PrivateKey, error) {
	blob, err := os.ReadFile(filepath.Join(m.dir, keyID+".key"))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file for %s: %w", keyID, err)
	}
	raw, err := hex.DecodeString(string(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file for %s: %w", keyID, err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("key file for %s is truncated", keyID)
	}
	aead, err := m.deriveAEADLocked(passphrase)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Lock drops the cached private key.
func (m *KeyManager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = nil
	m.unlockedID = ""
}

// Unlocked reports whether a private key is cached and ready to sign.
func (m *KeyManager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocked != nil
}

// CurrentKeyID returns the id of the active signing key.
func (m *KeyManager) CurrentKeyID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring == nil || m.ring.CurrentKeyID == "" {
		return "", ErrNoKeyring
	}
	return m.ring.CurrentKeyID, nil
}

// Rotate mints a new current key under the same passphrase. The old key is
// marked revoked but its public key keeps verifying envelopes signed before
// the rotation, until nonce retention deletes them. The manager is left
// unlocked with the new key.
func (m *KeyManager) Rotate(passphrase string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ring == nil || len(m.ring.Keys) == 0 {
		return "", ErrNoKeyring
	}
	// Proves the caller knows the passphrase before we mint anything.
	if _, err := m.decryptKeyLocked(m.ring.CurrentKeyID, passphrase); err != nil {
		return "", err
	}

	oldID := m.ring.CurrentKeyID
	keyID, priv, err := m.generateKeyLocked(passphrase)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	for i := range m.ring.Keys {
		if m.ring.Keys[i].KeyID == oldID {
			m.ring.Keys[i].RevokedAt = &now
		}
	}
	m.ring.CurrentKeyID = keyID
	if err := m.writeKeyring(); err != nil {
		return "", err
	}

	m.unlockedID = keyID
	m.unlocked = priv
	m.logger.Info("Rotated signing key", "old_key_id", oldID, "key_id", keyID)
	return keyID, nil
}

// Sign signs payload with the unlocked current key and returns the key id
// and hex signature. Fails with ErrLocked when no key is cached.
func (m *KeyManager) Sign(payload []byte) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unlocked == nil {
		return "", "", ErrLocked
	}
	sig := ed25519.Sign(m.unlocked, payload)
	return m.unlockedID, hex.EncodeToString(sig), nil
}

// ResolvePublicKey returns the public key for keyID, reloading the ring from
// disk once on a miss so keys minted by another process are visible.
func (m *KeyManager) ResolvePublicKey(keyID string) (ed25519.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolvePublicKeyLocked(keyID)
}

func (m *KeyManager) resolvePublicKeyLocked(keyID string) (ed25519.PublicKey, error) {
	if pub, ok := m.lookupLocked(keyID); ok {
		return pub, nil
	}
	ring, err := readKeyring(m.dir)
	if err != nil {
		return nil, err
	}
	if ring != nil {
		m.ring = ring
	}
	if pub, ok := m.lookupLocked(keyID); ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
}

func (m *KeyManager) lookupLocked(keyID string) (ed25519.PublicKey, bool) {
	if m.ring == nil {
		return nil, false
	}
	for _, rec := range m.ring.Keys {
		if rec.KeyID != keyID {
			continue
		}
		pub, err := hex.DecodeString(rec.PublicKeyHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, false
		}
		return ed25519.PublicKey(pub), true
	}
	return nil, false
}

// VerifySignature checks sigHex over payload against the key identified by
// keyID. Never requires unlock.
func (m *KeyManager) VerifySignature(keyID string, payload []byte, sigHex string) error {
	pub, err := m.ResolvePublicKey(keyID)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("signature does not verify for key %s", keyID)
	}
	return nil
}
