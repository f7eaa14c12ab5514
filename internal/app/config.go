package app

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// ConfigDir returns ~/.config/oak/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "oak"), nil
}

// DataDir returns ~/.local/share/oak/: database, vector index, backups.
func DataDir() (string, error) {
	if v := os.Getenv("OAK_DATA_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "oak"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

// LoadDotEnv loads environment variables from .env files with standard
// comment/quote rules. Existing environment variables are never overwritten.
// Search order: explicit paths, ./.env, <config dir>/.env, ~/.env.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if p != "" {
			loadIfExists(p)
		}
	}
	loadIfExists(".env")
	if dir, err := ConfigDir(); err == nil {
		loadIfExists(filepath.Join(dir, ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		loadIfExists(filepath.Join(home, ".env"))
	}
}

func loadIfExists(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	// godotenv.Load never overwrites variables already set.
	_ = godotenv.Load(path)
}

const defaultConfig = `# oak configuration
# Run: oak --help

# Optional: override the SQLite database location.
# Can also be set via OAK_DB_PATH or --db-path.
# db_path: ~/.local/share/oak/oak.db

# http:
#   addr: 127.0.0.1:9137
#   auth_token: ""      # or OAK_AUTH_TOKEN

# embedding:
#   providers: [ollama, openai]
#   ollama_endpoint: http://localhost:11434
#   ollama_model: embeddinggemma
#   openai_base_url: https://api.openai.com/v1
#   openai_model: text-embedding-3-small

# llm:
#   provider: openai     # openai | cli
#   model: gpt-4o-mini
#   base_url: https://api.openai.com/v1
`
