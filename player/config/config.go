package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// PluginConfig stores plugin-specific configuration as key-value pairs.
type PluginConfig map[string]interface{}

// Config wraps viper and provides typed accessors.
type Config struct {
	v       *viper.Viper
	plugins map[string]PluginConfig
}

// Load reads an INI (or any viper-supported) config file and prepares defaults.
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PLAYBACK")
	v.AutomaticEnv()

	setDefaults(v)

	c := &Config{
		v:       v,
		plugins: make(map[string]PluginConfig),
	}

	if strings.TrimSpace(path) == "" {
		return c, nil
	}

	if strings.EqualFold(filepath.Ext(path), ".ini") {
		cfg, err := loadINI(v, path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		loadPlugins(cfg, c)
		return c, nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "text")
	v.SetDefault("LogSource", false)
	v.SetDefault("LogFile", "./log/playback.log")
	v.SetDefault("LogMaxSizeMB", 20)
	v.SetDefault("LogMaxBackups", 5)
	v.SetDefault("LogMaxAgeDays", 14)
	v.SetDefault("GormLogLevel", "warn")
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("Database", "cache.db")
	v.SetDefault("DBMaxOpenConns", 1)
	v.SetDefault("DBMaxIdleConns", 1)
	v.SetDefault("DBConnMaxLifetimeSec", 3600)
	v.SetDefault("DownloadTimeout", 60)
	v.SetDefault("CheckMD5", true)
	v.SetDefault("WorkerPoolSize", 2)
	v.SetDefault("PrefetchTrack", true)
	v.SetDefault("CacheSize", 50)
	v.SetDefault("PrefetchMinCacheSize", 2)
	v.SetDefault("RefreshWindowMs", 3600000)
	v.SetDefault("Heartbeat", true)
	v.SetDefault("PlayMode", "sequential")
	v.SetDefault("AdvanceIntervalSec", 0)
}

// GetString returns a string value.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns an int value.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 returns a float64 value.
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool returns a bool value.
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetIntSlice returns a slice of ints.
func (c *Config) GetIntSlice(key string) []int {
	return c.v.GetIntSlice(key)
}

// Set overrides a value at runtime, e.g. when the user toggles prefetching.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// PrefetchTrack reports whether the next queued song should be cached ahead of time.
func (c *Config) PrefetchTrack() bool {
	return c.v.GetBool("PrefetchTrack")
}

// CacheSize is the number of songs the media cache may hold. Zero disables caching.
func (c *Config) CacheSize() int {
	return c.v.GetInt("CacheSize")
}

// RefreshWindow is the age after which a streamed URL is considered expired.
func (c *Config) RefreshWindow() time.Duration {
	ms := c.v.GetInt64("RefreshWindowMs")
	if ms <= 0 {
		ms = 3600000
	}
	return time.Duration(ms) * time.Millisecond
}

// GetPluginConfig retrieves plugin-specific configuration by plugin name.
// Returns the configuration map and true if found, or nil and false if not found.
func (c *Config) GetPluginConfig(name string) (PluginConfig, bool) {
	cfg, ok := c.plugins[name]
	return cfg, ok
}

// PluginNames returns the configured plugin names.
func (c *Config) PluginNames() []string {
	if len(c.plugins) == 0 {
		return nil
	}
	nameList := make([]string, 0, len(c.plugins))
	for name := range c.plugins {
		nameList = append(nameList, name)
	}
	sort.Strings(nameList)
	return nameList
}

// GetPluginString returns a string value from plugin configuration.
// Returns empty string if plugin or key not found.
func (c *Config) GetPluginString(plugin, key string) string {
	val, ok := c.pluginValue(plugin, key)
	if !ok {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", val)
}

// GetPluginInt returns an int value from plugin configuration.
// Returns 0 if plugin or key not found, or value cannot be converted to int.
func (c *Config) GetPluginInt(plugin, key string) int {
	val, ok := c.pluginValue(plugin, key)
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		num, _ := strconv.Atoi(strings.TrimSpace(v))
		return num
	default:
		return 0
	}
}

// GetPluginBool returns a bool value from plugin configuration.
func (c *Config) GetPluginBool(plugin, key string) bool {
	val, ok := c.pluginValue(plugin, key)
	if !ok {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		v = strings.TrimSpace(v)
		return strings.EqualFold(v, "true") || v == "1"
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// PluginEnabled reports whether a plugin should be built. Missing "enabled" keys mean enabled.
func (c *Config) PluginEnabled(plugin string) bool {
	if _, ok := c.pluginValue(plugin, "enabled"); !ok {
		return true
	}
	return c.GetPluginBool(plugin, "enabled")
}

func (c *Config) pluginValue(plugin, key string) (interface{}, bool) {
	cfg, ok := c.plugins[plugin]
	if !ok {
		return nil, false
	}
	val, ok := cfg[key]
	return val, ok
}

func loadINI(v *viper.Viper, path string) (*ini.File, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	for _, key := range cfg.Section("").Keys() {
		v.Set(key.Name(), key.Value())
	}

	return cfg, nil
}

func loadPlugins(cfg *ini.File, c *Config) {
	const pluginPrefix = "plugins."

	for _, section := range cfg.Sections() {
		sectionName := section.Name()
		if sectionName == "" || sectionName == ini.DefaultSection {
			continue
		}

		if strings.HasPrefix(sectionName, pluginPrefix) {
			pluginName := strings.TrimPrefix(sectionName, pluginPrefix)
			pluginCfg := make(PluginConfig)

			for _, key := range section.Keys() {
				pluginCfg[key.Name()] = key.Value()
			}

			c.plugins[pluginName] = pluginCfg
		}
	}
}
