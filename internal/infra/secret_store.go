package infra

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	secretsDBName  = "secrets.db"
	secretsKeyName = "secrets.key"
	secretsKeySize = 32
)

var (
	// ErrSecretNotFound is returned by GetSecret for unknown keys.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretKeyMissing means secrets.db exists but the key that opens it
	// is gone. A fresh key would never decrypt it, so nothing is generated.
	ErrSecretKeyMissing = errors.New("secret store key is missing")
)

// EncryptedSecretStore implements domain.SecretStore on a SQLCipher database.
type EncryptedSecretStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewEncryptedSecretStore opens (or creates) the encrypted database in dataDir.
// The key is used as the SQLCipher passphrase.
func NewEncryptedSecretStore(dataDir string, key []byte) (*EncryptedSecretStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, secretsDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// A wrong key only surfaces on first access.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedSecretStore{db: db, dbPath: dbPath, now: time.Now}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// OpenSecretStore opens the store in dataDir with the key kept beside it in
// secrets.key, creating both on first use.
func OpenSecretStore(dataDir string) (*EncryptedSecretStore, error) {
	key, err := loadSecretKey(dataDir)
	if err != nil {
		return nil, err
	}
	return NewEncryptedSecretStore(dataDir, key)
}

// loadSecretKey reads the hex key file, generating one only when there is no
// database it would have to match.
func loadSecretKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, secretsKeyName)
	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keyPath, err)
		}
		if len(key) != secretsKeySize {
			return nil, fmt.Errorf("invalid key size in %s: got %d, want %d", keyPath, len(key), secretsKeySize)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dataDir, secretsDBName)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretKeyMissing, keyPath)
	}
	key, err := newSecretKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

func newSecretKey() ([]byte, error) {
	key := make([]byte, secretsKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// GetSecret retrieves a secret by key.
func (s *EncryptedSecretStore) GetSecret(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
	}
	return value, err
}

// SetSecret stores or replaces a secret.
func (s *EncryptedSecretStore) SetSecret(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, s.now().Unix())
	return err
}

// GetAllSecrets returns all stored secrets.
func (s *EncryptedSecretStore) GetAllSecrets() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM secrets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		secrets[k] = v
	}
	return secrets, rows.Err()
}

// Path returns the database file path.
func (s *EncryptedSecretStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedSecretStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedSecretStore implements domain.SecretStore.
var _ domain.SecretStore = (*EncryptedSecretStore)(nil)
