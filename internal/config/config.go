// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	jlconfig "github.com/JeremyLoy/config"
	"github.com/gagliardetto/solana-go"
)

// Defaults match the devnet deployment the dashboard talks to.
const (
	DefaultProgramID   = "DM5kNZoPPfJkow6oDv9RWaM2aNibRvRByZjyieriGKkG"
	DefaultOracleQueue = "Cuj97ggrhhidhbu39TijNVqE74xvKJ69gDervRUXAxGh"
)

// Config holds the service settings. Protocol parameters are not here;
// they live in the stored Config account set by initialize.
type Config struct {
	Port                   string `config:"PORT"`
	DatabaseURL            string `config:"DATABASE_URL"` // empty: in-memory store
	RedisURL               string `config:"REDIS_URL"`    // empty: no cache
	CacheTTLSeconds        int    `config:"CACHE_TTL_SECONDS"`
	ProgramID              string `config:"PROGRAM_ID"`
	OracleKey              string `config:"ORACLE_KEY"` // base58 private key; generated when empty
	OracleQueue            string `config:"ORACLE_QUEUE"`
	LogLevel               string `config:"LOG_LEVEL"`
	SignatureWindowSeconds int    `config:"SIGNATURE_WINDOW_SECONDS"`
}

// Load reads the environment over the defaults.
func Load() (Config, error) {
	c := Config{
		Port:                   "8080",
		CacheTTLSeconds:        30,
		ProgramID:              DefaultProgramID,
		OracleQueue:            DefaultOracleQueue,
		LogLevel:               "info",
		SignatureWindowSeconds: 60,
	}
	if err := jlconfig.FromEnv().To(&c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if c.CacheTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("CACHE_TTL_SECONDS must be positive, got %d", c.CacheTTLSeconds)
	}
	if c.SignatureWindowSeconds <= 0 {
		return Config{}, fmt.Errorf("SIGNATURE_WINDOW_SECONDS must be positive, got %d", c.SignatureWindowSeconds)
	}
	return c, nil
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) SignatureWindow() time.Duration {
	return time.Duration(c.SignatureWindowSeconds) * time.Second
}

func (c Config) Program() (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(c.ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("PROGRAM_ID: %w", err)
	}
	return pk, nil
}

func (c Config) Queue() (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(c.OracleQueue)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("ORACLE_QUEUE: %w", err)
	}
	return pk, nil
}

// OracleSigner returns the randomness provider key, generating a fresh one
// when ORACLE_KEY is unset. A generated key changes on every restart, so
// the stored oracle authority only matches it until then.
func (c Config) OracleSigner() (solana.PrivateKey, bool, error) {
	if c.OracleKey == "" {
		return solana.NewWallet().PrivateKey, true, nil
	}
	key, err := solana.PrivateKeyFromBase58(c.OracleKey)
	if err != nil {
		return nil, false, fmt.Errorf("ORACLE_KEY: %w", err)
	}
	return key, false, nil
}

// Level parses LOG_LEVEL, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
