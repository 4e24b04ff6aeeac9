package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "replyclaw"

	// KeyringSessionKey is the keyring entry holding the session passphrase.
	KeyringSessionKey = "session_key"

	// EnvSessionKey overrides every other passphrase source.
	EnvSessionKey = "REPLYCLAW_SESSION_KEY"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(KeyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(KeyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(KeyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__replyclaw_test__"
	if err := keyring.Set(KeyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, testKey)
	return true
}

// ResolvePassphrase returns the session passphrase using the priority chain
// env var → OS keyring → config value. Returns "" when none is set.
func ResolvePassphrase(configured string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if v := os.Getenv(EnvSessionKey); v != "" {
		logger.Debug("session key loaded from environment")
		return v
	}
	if v := GetKeyring(KeyringSessionKey); v != "" {
		logger.Debug("session key loaded from OS keyring")
		return v
	}
	if configured != "" && !strings.HasPrefix(configured, "${") {
		logger.Debug("session key loaded from config")
		return configured
	}
	return ""
}

// NewSealer builds the sealer for the resolved passphrase, falling back to
// plaintext storage with a warning.
func NewSealer(configured string, logger *slog.Logger) (Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pass := ResolvePassphrase(configured, logger)
	if pass == "" {
		logger.Warn("no session key configured, credentials are stored unencrypted",
			"hint", "run: replyclaw key init")
		return PlainSealer{}, nil
	}
	return NewAEADSealer(pass)
}

// ReadPassword reads a secret from the terminal without echoing.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
