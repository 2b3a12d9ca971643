package config

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"time"

	"github.com/txn-coordinator/common"
)

const (
	// DefaultConfigFilePath is the file path of the coordinator configuration
	DefaultConfigFilePath = "config/txn-config.json"
)

// Config is the externally supplied coordinator configuration. All
// values are optional, zero values fall back to the documented
// defaults (30s timeout, TWO_PHASE, READ_COMMITTED, 3 retries, XA off).
type Config struct {
	TimeoutSeconds int    `json:"timeout_seconds"`
	Type           string `json:"type"`
	Isolation      string `json:"isolation"`
	RetryCount     int    `json:"retry_count"`
	EnableXA       bool   `json:"enable_xa"`

	// GridFile, if set, makes the grid persist committed state to a
	// bolt file at this path.
	GridFile string `json:"grid_file"`
	Bucket   string `json:"bucket"`
}

// Load reads coordinator config from a JSON file.
func Load(path string) (*Config, error) {
	config := &Config{}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadOrDefaults reads coordinator config from a JSON file. A missing
// file at the default path is not an error, the coordinator then runs
// on its built-in defaults.
func LoadOrDefaults(path string) (*Config, error) {
	config, err := Load(path)
	if os.IsNotExist(err) && path == DefaultConfigFilePath {
		return &Config{}, nil
	}
	return config, err
}

// Options translates the file values into transaction options,
// applying defaults for anything left unset.
func (c *Config) Options() common.Options {
	opts := common.Options{
		Type:       common.TxType(c.Type),
		Timeout:    time.Duration(c.TimeoutSeconds) * time.Second,
		Isolation:  common.Isolation(c.Isolation),
		RetryCount: c.RetryCount,
		EnableXA:   c.EnableXA,
	}
	opts.Repair()
	return opts
}
