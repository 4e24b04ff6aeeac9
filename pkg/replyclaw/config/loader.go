package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the matching config value is empty
// or an unexpanded reference.
const (
	EnvAPIKey       = "REPLYCLAW_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGatewayToken = "REPLYCLAW_GATEWAY_TOKEN"
	EnvSessionKey   = "REPLYCLAW_SESSION_KEY"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          simple variable
//   - ${VAR_NAME:-default} default value if not set
//   - ${VAR_NAME:?error}   load error if not set
//   - $VAR_NAME            bare variable
//
// Groups: 1 name (braced), 2 modifier ("-" or "?"), 3 modifier value,
// 4 name (bare).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the config file at path. .env files are loaded first and
// environment references are expanded before parsing.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// LoadDefault is Load for an explicit path, or for the first candidate
// FindConfigFile finds. Without either, defaults plus environment secrets
// are returned and the returned path is "".
func LoadDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// Parse decodes YAML over DefaultConfig. Fields absent from data keep their
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// A single enabled platform is the default one.
	if platforms := cfg.Platforms(); len(platforms) == 1 && !slices.Contains(platforms, cfg.Sessions.DefaultPlatform) {
		cfg.Sessions.DefaultPlatform = platforms[0]
	}
	return cfg, nil
}

// FindConfigFile returns the first existing candidate config file, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"replyclaw.yaml",
		"configs/replyclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about secrets written literally into the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if looksLikeRealKey(cfg.LLM.APIKey) && os.Getenv(EnvAPIKey) != cfg.LLM.APIKey && os.Getenv(EnvOpenAIKey) != cfg.LLM.APIKey {
		logger.Warn("API key appears to be hardcoded in config. "+
			"Use environment variable "+EnvAPIKey+" instead.",
			"hint", "Set 'api_key: ${"+EnvAPIKey+"}' in config.yaml")
	}
	if cfg.Secrets.SessionKey != "" && os.Getenv(EnvSessionKey) == "" {
		logger.Warn("session key is set in the config file",
			"hint", "run: replyclaw key init")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset ${VAR} and
// $VAR references are kept verbatim; an unset ${VAR:?msg} is an error.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+" - "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills secrets from the environment when the config value
// is empty or an unexpanded reference.
func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" || IsEnvReference(cfg.LLM.APIKey) {
		if key := os.Getenv(EnvAPIKey); key != "" {
			cfg.LLM.APIKey = key
		} else if key := os.Getenv(EnvOpenAIKey); key != "" {
			cfg.LLM.APIKey = key
		} else {
			cfg.LLM.APIKey = ""
		}
	}
	if cfg.Gateway.AuthToken == "" || IsEnvReference(cfg.Gateway.AuthToken) {
		cfg.Gateway.AuthToken = os.Getenv(EnvGatewayToken)
	}
	if IsEnvReference(cfg.Secrets.SessionKey) {
		cfg.Secrets.SessionKey = ""
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	cfg.Database.SQLite.Path = resolvePathFromConfig(cfg.Database.SQLite.Path, configDir)
	cfg.Media.TempDir = resolvePathFromConfig(cfg.Media.TempDir, configDir)
}

// resolvePathFromConfig expands ~ and resolves relative paths against
// configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real API
// key rather than a placeholder.
func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}

// NewLogger builds the process logger from the logging section. verbose
// forces debug level.
func NewLogger(cfg LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
