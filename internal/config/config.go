// Package config loads daemon settings from a hujson file (JSON with
// comments and trailing commas) with flag overrides applied by the
// caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// FileName is the config file looked up in the working directory when no
// explicit path is given.
const FileName = ".issued.json"

// EnvVar overrides the config file location.
const EnvVar = "ISSUED_CONFIG"

var (
	errConfigRead    = errors.New("cannot read config file")
	errConfigInvalid = errors.New("invalid config file")
)

// Config holds all daemon settings.
type Config struct {
	// Addr is the TCP listen address.
	Addr string `json:"addr"` //nolint:tagliatelle // snake_case for config file

	// DataDir holds issues.json, audit.log and snapshots.
	DataDir string `json:"data_dir"` //nolint:tagliatelle // snake_case for config file

	LogLevel  string `json:"log_level"`  //nolint:tagliatelle // snake_case for config file
	LogFormat string `json:"log_format"` //nolint:tagliatelle // snake_case for config file

	// Snapshots enables a per-commit copy of issues.json in the audit
	// trail's snapshot directory.
	Snapshots bool `json:"snapshots"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:      ":3000",
		DataDir:   ".issued",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses the config file at path, layered over defaults.
// Fields absent from the file keep their default values.
func Load(path string) (Config, error) {
	config := Default()

	content, readErr := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if readErr != nil {
		return config, fmt.Errorf("%w: %w", errConfigRead, readErr)
	}

	standardized, hujsonErr := hujson.Standardize(content)
	if hujsonErr != nil {
		return config, fmt.Errorf("%w: %w", errConfigInvalid, hujsonErr)
	}

	unmarshalErr := json.Unmarshal(standardized, &config)
	if unmarshalErr != nil {
		return config, fmt.Errorf("%w: %w", errConfigInvalid, unmarshalErr)
	}

	return config, nil
}

// Resolve loads configuration with the following precedence (highest
// wins): defaults, then the config file. The file is the explicit path
// if non-empty, else $ISSUED_CONFIG, else ./.issued.json. A missing
// implicit file is not an error; a missing explicit one is.
func Resolve(explicitPath string) (Config, error) {
	path := explicitPath
	explicit := path != ""

	if path == "" {
		path = os.Getenv(EnvVar)
		explicit = path != ""
	}

	if path == "" {
		path = FileName
	}

	if !explicit {
		_, statErr := os.Stat(path)
		if os.IsNotExist(statErr) {
			return Default(), nil
		}
	}

	return Load(path)
}
