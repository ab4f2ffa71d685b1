package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ErrMissingRequired is returned by Validate when a setting needed to serve
// is absent.
var ErrMissingRequired = errors.New("missing required config")

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	LLM     LLMConfig
	Vault   VaultConfig
	Clarify ClarifyConfig
	Session SessionConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LLMConfig struct {
	Provider     string
	BaseURL      string
	Model        string
	ClarifyModel string
	MaxTokens    int
	APIKey       string
}

type VaultConfig struct {
	Backend       string
	GitHubRepo    string
	GitHubBranch  string
	GitHubBaseURL string
	GitHubToken   string
	Dir           string
}

type ClarifyConfig struct {
	Enabled       bool
	PendingPolicy string
}

type SessionConfig struct {
	DefaultUser string
}

// Vault backends.
const (
	VaultGitHub = "github"
	VaultDir    = "dir"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5",
			ClarifyModel: "claude-haiku-4-5",
			MaxTokens:    4096,
		},
		Vault: VaultConfig{
			Backend:      VaultGitHub,
			GitHubBranch: "main",
		},
		Clarify: ClarifyConfig{
			Enabled:       true,
			PendingPolicy: "process",
		},
		Session: SessionConfig{
			DefaultUser: defaultUser(),
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "zettel-data"
		}
	}
	return filepath.Join(dir, "zettel")
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "zettel", "config.yaml")
}

// Load reads configuration in increasing precedence: built-in defaults,
// the YAML file at $XDG_CONFIG_HOME/zettel/config.yaml, a .env file in the
// working directory, and ZETTEL_* environment variables.
//
// Secrets (API token, LLM key, GitHub token) are read from the environment only.
func Load() (Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load(".env")
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	cfg.Vault.Backend = strings.ToLower(cfg.Vault.Backend)
	return cfg, nil
}

// Validate reports the settings missing for running the server.
func (c Config) Validate() error {
	var missing []string
	if c.Server.APIToken == "" {
		missing = append(missing, "API token (ZETTEL_API_TOKEN)")
	}
	switch c.LLM.Provider {
	case "anthropic", "openrouter":
		if c.LLM.APIKey == "" {
			missing = append(missing, "LLM API key (ZETTEL_LLM_API_KEY)")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown llm.provider %q (want anthropic, openrouter, or ollama)", c.LLM.Provider)
	}
	switch c.Vault.Backend {
	case VaultGitHub:
		if c.Vault.GitHubRepo == "" {
			missing = append(missing, "vault.github_repo")
		}
		if c.Vault.GitHubToken == "" {
			missing = append(missing, "GitHub token (ZETTEL_GITHUB_TOKEN)")
		}
	case VaultDir:
		if c.Vault.Dir == "" {
			missing = append(missing, "vault.dir")
		}
	default:
		return fmt.Errorf("unknown vault.backend %q (want github or dir)", c.Vault.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	return nil
}
