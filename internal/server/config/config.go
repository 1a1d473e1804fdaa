package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string
	// DatabasePath is the SQLite database file path.
	DatabasePath string
	// JWTSecret signs and verifies connection tokens.
	JWTSecret string
	// Debug enables verbose logging and gin debug mode.
	Debug bool
	// AllowedOrigins restricts CORS and websocket origins.
	AllowedOrigins []string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	DatabasePath *string
	JWTSecret    *string
	Debug        *bool
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 8010
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./inline.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	secret := os.Getenv("INLINE_JWT_SECRET")
	if overrides.JWTSecret != nil {
		secret = *overrides.JWTSecret
	}
	if secret == "" {
		return nil, fmt.Errorf("INLINE_JWT_SECRET environment variable is required")
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	return &Config{
		Addr:           addr,
		DatabasePath:   dbPath,
		JWTSecret:      secret,
		Debug:          debug,
		AllowedOrigins: []string{"*"},
	}, nil
}
