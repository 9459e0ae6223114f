// Package config loads the daemon's configuration document. It follows the
// teacher's versioned-document pattern (cli/configuration/v1.Config) but the
// document itself is specific to this daemon's keys (spec.md §6), parsed
// with the same gopkg.in/yaml.v3 library the teacher and the rest of the
// pack use for configuration and manifest files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration document.
type Config struct {
	Storage        Storage        `yaml:"storage"`
	General        General        `yaml:"general"`
	ObjectTimeouts ObjectTimeouts `yaml:"objectTimeouts"`
}

type Storage struct {
	SecretDBFilename    string `yaml:"secretDBFilename"`
	MetadataDBFilename  string `yaml:"metadataDBFilename"`
	FileEncryptionKey   string `yaml:"fileEncryptionKey"`
	FileEncryptionSalt  string `yaml:"fileEncryptionSalt"`
}

type General struct {
	StoragePath   string `yaml:"storagePath"`
	SecureDir     string `yaml:"secureDir"`
	ExtensionsDir string `yaml:"extensionsDir"`
	PluginsDir    string `yaml:"pluginsDir"`
	BinDir        string `yaml:"binDir"`
	Extension     string `yaml:"extension"`
	PluginTimeout time.Duration `yaml:"pluginTimeout"`
}

type ObjectTimeouts struct {
	DaemonTimeout      time.Duration `yaml:"daemonTimeout"`
	IdentityTimeout    time.Duration `yaml:"identityTimeout"`
	AuthSessionTimeout time.Duration `yaml:"authSessionTimeout"`
}

// Default returns the configuration the daemon uses when no config file is
// present, matching the defaults named throughout spec.md §4 and §6.
func Default() *Config {
	return &Config{
		Storage: Storage{
			SecretDBFilename:   "secret.db",
			MetadataDBFilename: "metadata.db",
		},
		General: General{
			StoragePath:   "/var/lib/gsignond",
			ExtensionsDir: "/usr/lib/gsignond/extensions",
			PluginsDir:    "/usr/lib/gsignond/plugins",
			BinDir:        "/usr/libexec/gsignond",
			Extension:     "default",
			PluginTimeout: 300 * time.Second,
		},
		ObjectTimeouts: ObjectTimeouts{
			DaemonTimeout:      0, // 0 disables self-exit
			IdentityTimeout:    300 * time.Second,
			AuthSessionTimeout: 300 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from path, starting from Default and
// overlaying whatever the file specifies, then applying environment
// overrides (the SSO_* variables, applied in every build).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("SSO_STORAGE_PATH"); ok {
		c.General.StoragePath = v
	}
	if v, ok := os.LookupEnv("SSO_SECRET_PATH"); ok {
		c.General.SecureDir = v
	}
	if v, ok := os.LookupEnv("SSO_EXTENSION"); ok {
		c.General.Extension = v
	}
	if v, ok := os.LookupEnv("SSO_EXTENSIONS_DIR"); ok {
		c.General.ExtensionsDir = v
	}
	if v, ok := os.LookupEnv("SSO_PLUGINS_DIR"); ok {
		c.General.PluginsDir = v
	}
	if d, ok := durationEnv("SSO_PLUGIN_TIMEOUT"); ok {
		c.General.PluginTimeout = d
	}
	if d, ok := durationEnv("SSO_DAEMON_TIMEOUT"); ok {
		c.ObjectTimeouts.DaemonTimeout = d
	}
	if d, ok := durationEnv("SSO_IDENTITY_TIMEOUT"); ok {
		c.ObjectTimeouts.IdentityTimeout = d
	}
	if d, ok := durationEnv("SSO_AUTH_SESSION_TIMEOUT"); ok {
		c.ObjectTimeouts.AuthSessionTimeout = d
	}
}

func durationEnv(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	seconds, err := time.ParseDuration(v + "s")
	if err != nil {
		return 0, false
	}
	return seconds, true
}
