// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package config loads service configuration from defaults, an optional
// YAML file, and command-line flags, in ascending precedence.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Hasher    HasherConfig    `koanf:"hasher"`
	Session   SessionConfig   `koanf:"session"`
	Recovery  RecoveryConfig  `koanf:"recovery"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig configures the HTTP surfaces.
type ServerConfig struct {
	Addr              string `koanf:"addr"`
	ObservabilityAddr string `koanf:"observability_addr"`
	BaseURL           string `koanf:"base_url"`
	SecureCookies     bool   `koanf:"secure_cookies"`
}

// DatabaseConfig configures PostgreSQL.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// RedisConfig configures the optional shared cache. An empty URL selects
// the in-process session cache and rate limiter.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// HasherConfig configures the password KDF.
type HasherConfig struct {
	Iterations int `koanf:"iterations"`
	SaltLength int `koanf:"salt_length"`
	KeyLength  int `koanf:"key_length"`
}

// SessionConfig configures login sessions.
type SessionConfig struct {
	TTL time.Duration `koanf:"ttl"`

	// RevocationPolicy is "revoke-all" or "revoke-others"; it selects which
	// sessions survive a password change.
	RevocationPolicy string `koanf:"revocation_policy"`
}

// RecoveryConfig configures the recovery token lifetimes.
type RecoveryConfig struct {
	ResetTTL  time.Duration `koanf:"reset_ttl"`
	VerifyTTL time.Duration `koanf:"verify_ttl"`
}

// BucketConfig is one rate-limit bucket's budget.
type BucketConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
}

// RateLimitConfig is the per-bucket rate-limit table.
type RateLimitConfig struct {
	Login       BucketConfig `koanf:"login"`
	Register    BucketConfig `koanf:"register"`
	Reset       BucketConfig `koanf:"reset"`
	VerifyEmail BucketConfig `koanf:"verify_email"`
}

// SMTPConfig configures outbound mail. An empty host selects the logging
// no-op mailer.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format"` // "json" or "text"
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ObservabilityAddr: "127.0.0.1:9100",
			BaseURL:           "http://localhost:8080",
		},
		Hasher: HasherConfig{
			Iterations: 210_000,
			SaltLength: 16,
			KeyLength:  64,
		},
		Session: SessionConfig{
			TTL:              60 * 24 * time.Hour,
			RevocationPolicy: "revoke-all",
		},
		Recovery: RecoveryConfig{
			ResetTTL:  24 * time.Hour,
			VerifyTTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Login:       BucketConfig{MaxRequests: 10, Window: 10 * time.Minute},
			Register:    BucketConfig{MaxRequests: 5, Window: time.Hour},
			Reset:       BucketConfig{MaxRequests: 3, Window: time.Hour},
			VerifyEmail: BucketConfig{MaxRequests: 3, Window: time.Hour},
		},
		SMTP: SMTPConfig{
			Port: 587,
			From: "no-reply@localhost",
		},
		Log: LogConfig{
			Format: "json",
		},
	}
}

// Load builds the effective configuration. path is an optional YAML file;
// flags is an optional flag set whose long names use dots as separators
// (e.g. "server.addr"). Precedence: defaults < file < flags.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	// Unmarshal merges into the defaults: keys absent from every provider
	// keep their default values.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}

	return cfg, nil
}
