// Package config resolves pkgupdate settings from flags, the environment
// and an optional configuration file, in that order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PKGUPDATE_TARGET_DIR
const EnvPrefix = "PKGUPDATE"

// Setting keys, shared by flags, environment and config file
const (
	KeyTargetDir      = "target-dir"
	KeyTargetName     = "target-name"
	KeyTargetVersion  = "target-version"
	KeyPlatform       = "platform"
	KeyTempDir        = "temp-dir"
	KeyAddNewPackages = "add-new-packages"
	KeyJournalFile    = "journal-file"
)

// DefaultJournalName is the journal file created in the target directory
const DefaultJournalName = "InstallJournal.xml"

// Config holds the resolved settings
type Config struct {
	TargetDir      string
	TargetName     string
	TargetVersion  string
	Platform       string
	TempDir        string
	AddNewPackages bool
	JournalFile    string
}

// New returns a viper instance reading PKGUPDATE_* environment variables
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyTargetDir, ".")
	v.SetDefault(KeyPlatform, update.DefaultPlatform())
	v.SetDefault(KeyAddNewPackages, false)
	return v
}

// BindFlags binds every flag of fs named after a setting key
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range []string{
		KeyTargetDir, KeyTargetName, KeyTargetVersion, KeyPlatform,
		KeyTempDir, KeyAddNewPackages, KeyJournalFile,
	} {
		flag := fs.Lookup(key)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the optional config file and returns the resolved settings
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, &models.UpdateError{
				Type:    models.ErrInvalidConfig,
				Subject: file,
				Err:     fmt.Errorf("failed to read config: %w", err),
			}
		}
	}

	cfg := &Config{
		TargetDir:      v.GetString(KeyTargetDir),
		TargetName:     v.GetString(KeyTargetName),
		TargetVersion:  v.GetString(KeyTargetVersion),
		Platform:       v.GetString(KeyPlatform),
		TempDir:        v.GetString(KeyTempDir),
		AddNewPackages: v.GetBool(KeyAddNewPackages),
		JournalFile:    v.GetString(KeyJournalFile),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	if c.TargetDir == "" {
		return models.NewUpdateError(models.ErrInvalidConfig, KeyTargetDir, "target directory is required")
	}
	if c.Platform == "" {
		return models.NewUpdateError(models.ErrInvalidConfig, KeyPlatform, "platform is required")
	}
	return nil
}

// JournalPath returns the install journal location
func (c *Config) JournalPath() string {
	if c.JournalFile != "" {
		return c.JournalFile
	}
	return filepath.Join(c.TargetDir, DefaultJournalName)
}

// OpenTarget opens the target directory and applies the configured overrides
func (c *Config) OpenTarget() (*update.Target, error) {
	target, err := update.OpenTarget(c.TargetDir)
	if err != nil {
		return nil, err
	}
	if c.TargetName != "" {
		target.Name = c.TargetName
	}
	if c.TargetVersion != "" {
		target.Version = c.TargetVersion
	}
	target.Platform = c.Platform
	target.TempDir = c.TempDir
	return target, nil
}
