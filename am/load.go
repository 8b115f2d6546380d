package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/ixpipe/errors"
)

// EnvPrefix prefixes every environment override, e.g. IXPIPE_DATABASE_PATH.
const EnvPrefix = "IXPIPE"

// ConfigFileName is the file looked up at every configuration level.
const ConfigFileName = "am.toml"

var globalConfig *Config
var viperInstance *viper.Viper

// ConfigSources records, per dotted key, which file last set it during the
// most recent load. Keys absent from every file are SourceDefault.
var ConfigSources = map[string]SourceInfo{}

// Load reads the ixpipe core configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path. Environment
// overrides still apply; the system, user and project files do not.
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	ConfigSources = map[string]SourceInfo{}
	markSettingsFromSource(v.AllSettings(), "", SourceDefault, "", ConfigSources)
	markFileSettings(configPath, SourceProject, ConfigSources)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	globalConfig = &config
	viperInstance = v
	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := newViper()

	ConfigSources = map[string]SourceInfo{}
	markSettingsFromSource(v.AllSettings(), "", SourceDefault, "", ConfigSources)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v, ConfigSources)

	viperInstance = v
	return v
}

// UserConfigDir returns ~/.ixpipe.
func UserConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".ixpipe")
}

// findProjectConfig searches for am.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none
// found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

type configLevel struct {
	path   string
	source ConfigSource
}

// configLevels lists the config files in precedence order, lowest first.
func configLevels() []configLevel {
	levels := []configLevel{
		{filepath.Join("/etc/ixpipe", ConfigFileName), SourceSystem},
	}
	if dir := UserConfigDir(); dir != "" {
		levels = append(levels, configLevel{filepath.Join(dir, ConfigFileName), SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		// A project file that is the user file counts once, as user.
		if len(levels) < 2 || project != levels[1].path {
			levels = append(levels, configLevel{project, SourceProject})
		}
	}
	return levels
}

// mergeConfigFiles manually merges configuration files in the correct precedence order
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper, sources map[string]SourceInfo) {
	for _, level := range configLevels() {
		if _, err := os.Stat(level.path); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(level.path)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		markSettingsFromSource(tempViper.AllSettings(), "", level.source, level.path, sources)
	}
}

// markFileSettings records every key set in path as coming from source.
func markFileSettings(path string, source ConfigSource, sources map[string]SourceInfo) {
	tempViper := viper.New()
	tempViper.SetConfigFile(path)
	tempViper.SetConfigType("toml")
	if err := tempViper.ReadInConfig(); err != nil {
		return
	}
	markSettingsFromSource(tempViper.AllSettings(), "", source, path, sources)
}

// markSettingsFromSource flattens settings to dotted keys and records source
// for each of them.
func markSettingsFromSource(settings map[string]interface{}, prefix string, source ConfigSource, path string, sources map[string]SourceInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			markSettingsFromSource(nested, fullKey, source, path, sources)
			continue
		}
		sources[fullKey] = SourceInfo{Source: source, Path: path}
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	v := initViper()
	return v.Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	v := initViper()
	return v.GetString(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	v := initViper()
	return v.GetInt(key)
}
