package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ZETTEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "ZETTEL_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", typ: kString, env: "ZETTEL_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ZETTEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "ZETTEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.provider", typ: kString, env: "ZETTEL_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "ZETTEL_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "ZETTEL_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.clarify_model", typ: kString, env: "ZETTEL_LLM_CLARIFY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ClarifyModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ClarifyModel },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "ZETTEL_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.api_key", typ: kString, env: "ZETTEL_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "vault.backend", typ: kString, env: "ZETTEL_VAULT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vault.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.Backend },
	},
	{
		key: "vault.github_repo", typ: kString, env: "ZETTEL_VAULT_GITHUB_REPO",
		apply:   func(cfg *Config, v any) { cfg.Vault.GitHubRepo = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.GitHubRepo },
	},
	{
		key: "vault.github_branch", typ: kString, env: "ZETTEL_VAULT_GITHUB_BRANCH",
		apply:   func(cfg *Config, v any) { cfg.Vault.GitHubBranch = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.GitHubBranch },
	},
	{
		key: "vault.github_base_url", typ: kString, env: "ZETTEL_VAULT_GITHUB_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Vault.GitHubBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.GitHubBaseURL },
	},
	{
		key: "vault.github_token", typ: kString, env: "ZETTEL_GITHUB_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vault.GitHubToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.GitHubToken },
	},
	{
		key: "vault.dir", typ: kString, env: "ZETTEL_VAULT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Vault.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.Dir },
	},
	{
		key: "clarify.enabled", typ: kBool, env: "ZETTEL_CLARIFY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Clarify.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Clarify.Enabled },
	},
	{
		key: "clarify.pending_policy", typ: kString, env: "ZETTEL_CLARIFY_PENDING_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Clarify.PendingPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Clarify.PendingPolicy },
	},
	{
		key: "session.default_user", typ: kString, env: "ZETTEL_USER",
		apply:   func(cfg *Config, v any) { cfg.Session.DefaultUser = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.DefaultUser },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
