// Package config loads node/hub configuration from flags and, if
// present, a local .env file — the teacher read os.Args directly, this
// generalises to real flags plus environment overrides (SPEC_FULL.md's
// ambient stack section).
package config

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file if one exists in the working directory.
// A missing file is not an error — it just means no local overrides.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// StringFlag returns envVar's value if set, otherwise def, and registers
// a matching command-line flag under name that overrides both.
func StringFlag(name, envVar, def, usage string) *string {
	def = envOrDefault(envVar, def)
	return flag.String(name, def, usage)
}

func envOrDefault(envVar, def string) string {
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		return v
	}
	return def
}

const (
	// DefaultBindAddr matches spec section 6.4's default port 3000.
	DefaultBindAddr  = "localhost:3000"
	DefaultMongoURI  = "mongodb://localhost:27017"
	DefaultRedisAddr = "localhost:6379"
	// DefaultDebugAddr is where a node process serves its /debug/export
	// operator audit dump.
	DefaultDebugAddr = "localhost:3001"
)
