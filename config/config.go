package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "secura"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SECURA_DATA_DIR"

	// DefaultLedgerURL is the ledger node's JSON-RPC websocket endpoint.
	DefaultLedgerURL = "ws://127.0.0.1:9944"
	// DefaultContentAPIURL is the content store's HTTP API root.
	DefaultContentAPIURL = "http://127.0.0.1:5001/api/v0"
	// DefaultGatewayURL serves attachment blobs over plain HTTP.
	DefaultGatewayURL = "http://127.0.0.1:8080"
	// DefaultGenesisUnixMilli is the wall-clock instant of block zero.
	DefaultGenesisUnixMilli int64 = 1749488148000
	// DefaultBlockIntervalMillis is the fixed ledger block time.
	DefaultBlockIntervalMillis int64 = 6000
	// DefaultRereadDelayMillis is the delay before the second post-send re-read.
	DefaultRereadDelayMillis int64 = 2000
	// DefaultFetchTimeoutMillis bounds a single content or blob fetch.
	DefaultFetchTimeoutMillis int64 = 30000
	// DefaultReaderConcurrency bounds concurrent record fetches in one read cycle.
	DefaultReaderConcurrency = 8

	configFileName = "config.json"
)

// AccountConfig contains persistent settings for one viewer account.
type AccountConfig struct {
	ClientID            string `json:"client_id" yaml:"client_id"`
	AccountName         string `json:"account_name" yaml:"account_name"`
	Address             string `json:"address" yaml:"address"`
	LedgerURL           string `json:"ledger_url" yaml:"ledger_url"`
	ContentAPIURL       string `json:"content_api_url" yaml:"content_api_url"`
	GatewayURL          string `json:"gateway_url" yaml:"gateway_url"`
	GenesisUnixMilli    int64  `json:"genesis_unix_milli" yaml:"genesis_unix_milli"`
	BlockIntervalMillis int64  `json:"block_interval_millis" yaml:"block_interval_millis"`
	RereadDelayMillis   int64  `json:"reread_delay_millis" yaml:"reread_delay_millis"`
	FetchTimeoutMillis  int64  `json:"fetch_timeout_millis" yaml:"fetch_timeout_millis"`
	ReaderConcurrency   int    `json:"reader_concurrency" yaml:"reader_concurrency"`
	PrivateKeyPath      string `json:"private_key_path" yaml:"private_key_path"`
	PublicKeyPath       string `json:"public_key_path" yaml:"public_key_path"`
}

// Genesis returns the configured origin instant for block height zero.
func (c *AccountConfig) Genesis() time.Time {
	return time.UnixMilli(c.GenesisUnixMilli).UTC()
}

// BlockInterval returns the configured block time.
func (c *AccountConfig) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMillis) * time.Millisecond
}

// RereadDelay returns the delay before the post-send follow-up re-read.
func (c *AccountConfig) RereadDelay() time.Duration {
	return time.Duration(c.RereadDelayMillis) * time.Millisecond
}

// FetchTimeout returns the per-fetch timeout for content and blobs.
func (c *AccountConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMillis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECURA_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the default config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "blobs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads a config file from disk. Files ending in .yaml or .yml are parsed
// as YAML, anything else as JSON.
func Load(path string) (*AccountConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AccountConfig
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes the config in the format implied by the path extension.
func Save(path string, cfg *AccountConfig) error {
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// An empty path selects config.json under the resolved data directory.
func LoadOrCreate(path string) (*AccountConfig, string, error) {
	var dataDir string
	if path == "" {
		dir, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = dir
		path = ConfigPath(dataDir)
	} else {
		dataDir = filepath.Dir(path)
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, path, nil
}

func defaultAccountName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Secura Account"
}

func defaultConfig(dataDir string) *AccountConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &AccountConfig{
		ClientID:            uuid.NewString(),
		AccountName:         defaultAccountName(),
		LedgerURL:           DefaultLedgerURL,
		ContentAPIURL:       DefaultContentAPIURL,
		GatewayURL:          DefaultGatewayURL,
		GenesisUnixMilli:    DefaultGenesisUnixMilli,
		BlockIntervalMillis: DefaultBlockIntervalMillis,
		RereadDelayMillis:   DefaultRereadDelayMillis,
		FetchTimeoutMillis:  DefaultFetchTimeoutMillis,
		ReaderConcurrency:   DefaultReaderConcurrency,
		PrivateKeyPath:      filepath.Join(keysDir, "account_private.pem"),
		PublicKeyPath:       filepath.Join(keysDir, "account_public.pem"),
	}
}

func normalizeDefaults(cfg *AccountConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	setString := func(field *string, fallback string) {
		if strings.TrimSpace(*field) == "" {
			*field = fallback
			updated = true
		}
	}
	setInt64 := func(field *int64, fallback int64) {
		if *field <= 0 {
			*field = fallback
			updated = true
		}
	}

	setString(&cfg.ClientID, defaults.ClientID)
	setString(&cfg.AccountName, defaults.AccountName)
	setString(&cfg.LedgerURL, defaults.LedgerURL)
	setString(&cfg.ContentAPIURL, defaults.ContentAPIURL)
	setString(&cfg.GatewayURL, defaults.GatewayURL)
	setString(&cfg.PrivateKeyPath, defaults.PrivateKeyPath)
	setString(&cfg.PublicKeyPath, defaults.PublicKeyPath)

	// A zero genesis is a legitimate origin for a fresh devnet, so only a
	// missing interval is treated as unset.
	setInt64(&cfg.BlockIntervalMillis, defaults.BlockIntervalMillis)
	setInt64(&cfg.RereadDelayMillis, defaults.RereadDelayMillis)
	setInt64(&cfg.FetchTimeoutMillis, defaults.FetchTimeoutMillis)

	if cfg.ReaderConcurrency <= 0 {
		cfg.ReaderConcurrency = DefaultReaderConcurrency
		updated = true
	}

	return updated
}
