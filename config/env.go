package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Secrets hold material that never lives in the YAML file.
type Secrets struct {
	PrivateKey  string // hex ECDSA execution key
	RelayKey    string // hex BLS searcher key, required only with relay
	PostgresDSN string // required only with the postgres sink
}

// LoadSecrets reads secrets from the environment, honoring a .env file when
// present.
func LoadSecrets() (*Secrets, error) {
	_ = godotenv.Load()

	privateKey, err := GetRequiredEnv("FLASHARB_PRIVATE_KEY")
	if err != nil {
		return nil, fmt.Errorf("execution key not found: %w", err)
	}
	return &Secrets{
		PrivateKey:  privateKey,
		RelayKey:    os.Getenv("FLASHARB_RELAY_KEY"),
		PostgresDSN: os.Getenv("FLASHARB_POSTGRES_DSN"),
	}, nil
}

// GetRequiredEnv returns the value of key or an error when unset.
func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}
