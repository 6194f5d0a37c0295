package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay daemon configuration, loaded from yaml.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// HS256 key shared with the identity service
	JwtKey string `yaml:"jwt_key"`
	// path of the sqlite cursor database. empty keeps cursors in memory
	CursorDb string `yaml:"cursor_db"`

	Redis struct {
		// empty disables the redis revocation signal
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Db       int    `yaml:"db"`
	} `yaml:"redis"`

	Feed struct {
		LookupCount              int `yaml:"lookup_count"`
		LookupRetryTimeoutMillis int `yaml:"lookup_retry_timeout_millis"`
		BufferSize               int `yaml:"buffer_size"`
	} `yaml:"feed"`
}

func DefaultConfig() *Config {
	config := &Config{
		ListenAddr: ":7070",
	}
	proxySettings := DefaultFeedProxySettings()
	config.Feed.LookupCount = proxySettings.LookupCount
	config.Feed.LookupRetryTimeoutMillis = int(proxySettings.LookupRetryTimeout / time.Millisecond)
	config.Feed.BufferSize = proxySettings.BufferSize
	return config
}

func LoadConfig(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if config.JwtKey == "" {
		return nil, fmt.Errorf("config: jwt_key is required")
	}
	return config, nil
}

func (self *Config) ProxySettings() *FeedProxySettings {
	settings := DefaultFeedProxySettings()
	if 0 < self.Feed.LookupCount {
		settings.LookupCount = self.Feed.LookupCount
	}
	if 0 < self.Feed.LookupRetryTimeoutMillis {
		settings.LookupRetryTimeout = time.Duration(self.Feed.LookupRetryTimeoutMillis) * time.Millisecond
	}
	if 0 < self.Feed.BufferSize {
		settings.BufferSize = self.Feed.BufferSize
	}
	return settings
}
