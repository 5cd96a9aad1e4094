package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptedKeyStore wraps file storage with AES-GCM encryption at rest.
// Local account key material passes through it so that a compromised
// filesystem does not directly expose private keys.
type EncryptedKeyStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// SaltSize is the size of the salt for PBKDF2.
	SaltSize = 32

	keyFileSuffix = ".key"
)

// NewEncryptedKeyStore creates a key store rooted at dataDir. The store
// key is derived from masterPassword with PBKDF2 and a per-store salt;
// the password buffer is wiped before returning.
func NewEncryptedKeyStore(dataDir string, masterPassword []byte) (*EncryptedKeyStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)

	SecureWipe(derivedKey)
	SecureWipe(masterPassword)

	return ks, nil
}

// loadOrGenerateSalt loads the existing store salt or generates a new one.
func (ks *EncryptedKeyStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltFile)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("salt file corrupted: expected %d bytes, got %d", SaltSize, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}

// entryPath maps an entry name to its on-disk file. Names are hashed so
// arbitrary account names cannot traverse out of the data directory.
func (ks *EncryptedKeyStore) entryPath(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(name)))
	return filepath.Join(ks.dataDir, fmt.Sprintf("%x%s", sum[:16], keyFileSuffix))
}

// Save encrypts plaintext under the store key and writes it for name,
// replacing any previous entry.
func (ks *EncryptedKeyStore) Save(name string, plaintext []byte) error {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(strings.ToLower(name)))
	if err := os.WriteFile(ks.entryPath(name), sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Load reads and decrypts the entry stored for name.
func (ks *EncryptedKeyStore) Load(name string) ([]byte, error) {
	sealed, err := os.ReadFile(ks.entryPath(name))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("key file corrupted: too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(strings.ToLower(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key file: %w", err)
	}
	return plaintext, nil
}

// Exists reports whether an entry is stored for name.
func (ks *EncryptedKeyStore) Exists(name string) bool {
	_, err := os.Stat(ks.entryPath(name))
	return err == nil
}

// Delete removes the entry stored for name. Deleting a missing entry
// returns os.ErrNotExist.
func (ks *EncryptedKeyStore) Delete(name string) error {
	return os.Remove(ks.entryPath(name))
}
