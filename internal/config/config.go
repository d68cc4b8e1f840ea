package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/utils"
)

var (
	home, _             = os.UserHomeDir()
	DefaultConfigDir    = filepath.Join(home, ".davsync")
	DefaultConfigPath   = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFilePath  = filepath.Join(DefaultConfigDir, "logs", "davsync.log")
	DefaultCredsPath    = filepath.Join(DefaultConfigDir, "credentials.json")
	DefaultJournalName  = ".davsync_journal.db"
	DefaultMaxParallel  = 3
	DefaultPollInterval = 5 * time.Second
)

var (
	ErrNoServerURL     = errors.New("config: server url missing")
	ErrInvalidURL      = errors.New("config: invalid server url")
	ErrNoUser          = errors.New("config: user missing")
	ErrNoDataDir       = errors.New("config: data dir missing")
	ErrInvalidChecksum = errors.New("config: checksum type must be SHA1, MD5 or Adler32")
)

type Config struct {
	ServerURL          string        `json:"server_url"`
	RemotePath         string        `json:"remote_path,omitempty"`
	RemoteFolder       string        `json:"remote_folder,omitempty"`
	User               string        `json:"user"`
	DataDir            string        `json:"data_dir"`
	JournalPath        string        `json:"journal_path,omitempty"`
	UploadLimit        int64         `json:"upload_limit,omitempty"`
	MaxParallel        int           `json:"max_parallel,omitempty"`
	PollInterval       time.Duration `json:"poll_interval,omitempty"`
	MaxResettingErrors int           `json:"max_resetting_errors,omitempty"`
	AsyncUpload        bool          `json:"async_upload,omitempty"`
	ChecksumType       string        `json:"checksum_type,omitempty"`
	Insecure           bool          `json:"insecure,omitempty"`
	Path               string        `json:"-"`
}

// Validate checks required fields, resolves paths and fills in defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, c.ServerURL)
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")

	if c.User == "" {
		return ErrNoUser
	}
	if c.DataDir == "" {
		return ErrNoDataDir
	}

	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	c.DataDir = dataDir

	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(c.DataDir, DefaultJournalName)
	} else if c.JournalPath, err = utils.ResolvePath(c.JournalPath); err != nil {
		return fmt.Errorf("journal path: %w", err)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	switch strings.ToUpper(c.ChecksumType) {
	case "", "SHA1", "MD5", "ADLER32":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidChecksum, c.ChecksumType)
	}

	if c.RemotePath == "" {
		c.RemotePath = davsdk.DefaultRemotePath
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxResettingErrors <= 0 {
		c.MaxResettingErrors = 3
	}
	if c.UploadLimit < 0 {
		c.UploadLimit = 0
	}

	return nil
}

// Save writes the config as JSON to path.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Load reads a config file. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.Path = path
	return &cfg, nil
}
