// Package settings manages the persisted configuration record and the master
// key that encrypts API credentials. The manager is constructed once at
// startup and shared; components read point-in-time snapshots.
package settings

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	settingsFileName = "config.json"
	keyFileName      = "secret.key"
)

// Manager owns the settings file and the master key.
type Manager struct {
	configPath string
	keyPath    string
	masterKey  []byte
	aead       cipher.AEAD

	mu       sync.RWMutex
	settings Settings

	log zerolog.Logger
}

// NewManager initializes the master key, loads (or creates) the settings
// file, and returns the ready manager. masterKeyOverride comes from the
// MASTER_KEY environment variable and takes precedence over the key file.
func NewManager(dataDir, masterKeyOverride string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		configPath: filepath.Join(dataDir, settingsFileName),
		keyPath:    filepath.Join(dataDir, keyFileName),
		log:        log.With().Str("component", "settings").Logger(),
	}

	if err := m.initMasterKey(masterKeyOverride); err != nil {
		return nil, err
	}
	m.settings = m.load()

	return m, nil
}

// initMasterKey resolves the master key: environment variable, then key
// file, then a freshly generated key written to disk with a loud warning.
func (m *Manager) initMasterKey(override string) error {
	switch {
	case override != "":
		decoded, err := base64.StdEncoding.DecodeString(override)
		if err != nil {
			return fmt.Errorf("MASTER_KEY is not valid base64: %w", err)
		}
		m.masterKey = decoded
	default:
		raw, err := os.ReadFile(m.keyPath)
		switch {
		case err == nil:
			m.masterKey = raw
		case os.IsNotExist(err):
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("failed to generate master key: %w", err)
			}
			if err := os.WriteFile(m.keyPath, key, 0o600); err != nil {
				return fmt.Errorf("failed to write master key file: %w", err)
			}
			m.masterKey = key

			encoded := base64.StdEncoding.EncodeToString(key)
			m.log.Warn().Msg("================================================================")
			m.log.Warn().Msg("!!! NEW MASTER KEY GENERATED !!!")
			m.log.Warn().Str("path", m.keyPath).Msg("A new master key has been generated and saved")
			m.log.Warn().Msg("Back up this key and set it as the MASTER_KEY environment variable.")
			m.log.Warn().Msg("Losing it invalidates all stored API credentials.")
			m.log.Warn().Str("MASTER_KEY", encoded).Msg("")
			m.log.Warn().Msg("================================================================")
		default:
			return fmt.Errorf("failed to read master key file: %w", err)
		}
	}

	// The AES key is derived from the master key material, so both the
	// env-var and key-file paths accept keys of any length.
	derived := sha256.Sum256(m.masterKey)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to initialize GCM: %w", err)
	}
	m.aead = aead

	return nil
}

// load reads the settings file. A missing file creates defaults on disk; a
// corrupt or invalid file falls back to defaults in memory without touching
// the file, so operators can repair it by hand.
func (m *Manager) load() Settings {
	raw, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) {
		m.log.Info().Str("path", m.configPath).Msg("Settings file not found, creating defaults")

		defaults := Default()
		hash, hashErr := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)
		if hashErr != nil {
			m.log.Error().Err(hashErr).Msg("Failed to hash default password")
		} else {
			defaults.PasswordHash = hash
		}

		if saveErr := m.persist(&defaults); saveErr != nil {
			m.log.Error().Err(saveErr).Msg("Failed to write default settings")
		} else {
			m.log.Info().Msg("Default operator 'admin' with password 'admin' has been set")
		}
		return defaults
	}
	if err != nil {
		m.log.Error().Err(err).Str("path", m.configPath).Msg("Failed to read settings file, using defaults in memory")
		return Default()
	}

	var loaded Settings
	if err := json.Unmarshal(raw, &loaded); err != nil {
		m.log.Error().Err(err).Msg("Failed to parse settings file, using defaults in memory")
		m.log.Error().Msg("Fix the settings file format or delete it to regenerate defaults")
		return Default()
	}
	loaded.Normalize()
	if err := loaded.Validate(); err != nil {
		m.log.Error().Err(err).Msg("Settings file failed validation, using defaults in memory")
		return Default()
	}

	return loaded
}

// Snapshot returns the current settings value.
func (m *Manager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Save encrypts any plaintext credentials, writes the record atomically and
// replaces the in-memory snapshot. Plaintext credentials never reach disk.
func (m *Manager) Save(s Settings) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	if s.Binance.APIKey != "" {
		s.Binance.APIKeyEncrypted = m.Encrypt(s.Binance.APIKey)
		s.Binance.APIKey = ""
	}
	if s.Binance.SecretKey != "" {
		s.Binance.SecretKeyEncrypted = m.Encrypt(s.Binance.SecretKey)
		s.Binance.SecretKey = ""
	}
	if s.CMC.APIKey != "" {
		s.CMC.APIKeyEncrypted = m.Encrypt(s.CMC.APIKey)
		s.CMC.APIKey = ""
	}

	if err := m.persist(&s); err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()

	return nil
}

// persist writes the settings file via temp file + rename so a crash can
// never leave a half-written record.
func (m *Manager) persist(s *Settings) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.configPath), settingsFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod settings file: %w", err)
	}
	if err := os.Rename(tmpName, m.configPath); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	return nil
}

// Encrypt seals plaintext under the master key. The random nonce is
// prepended to the ciphertext.
func (m *Manager) Encrypt(plaintext string) []byte {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		// rand.Read only fails when the OS entropy source is broken
		m.log.Error().Err(err).Msg("Failed to generate nonce")
		return nil
	}
	return m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
}

// Decrypt opens a ciphertext produced by Encrypt. Failures (wrong key,
// truncated or tampered data) return an empty string and are logged; they
// never propagate to callers.
func (m *Manager) Decrypt(ciphertext []byte) string {
	if len(ciphertext) == 0 {
		return ""
	}
	nonceSize := m.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		m.log.Error().Msg("Ciphertext too short to decrypt")
		return ""
	}
	plaintext, err := m.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to decrypt data; the MASTER_KEY may have changed")
		return ""
	}
	return string(plaintext)
}

// JWTSigningKey derives the key the auth layer signs session tokens with.
// Exposed as a read contract only; this package does not issue tokens.
func (m *Manager) JWTSigningKey() []byte {
	derived := sha256.Sum256(append([]byte("jwt-signing:"), m.masterKey...))
	return derived[:]
}

// HashPassword hashes an operator password for storage.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// VerifyPassword checks a plaintext password against a stored hash.
func VerifyPassword(password string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
