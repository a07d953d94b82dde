// pkg/config/config.go
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Node struct {
		Rank     int    `mapstructure:"rank"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Stream struct {
		Name string `mapstructure:"name"`
		Role string `mapstructure:"role"`
		// Steps is how many steps a writer produces
		Steps int `mapstructure:"steps"`
	} `mapstructure:"stream"`

	Cluster struct {
		Addresses       []string `mapstructure:"addresses"`
		MaxMessageBytes int      `mapstructure:"max_message_bytes"`
	} `mapstructure:"cluster"`

	Engine map[string]string   `mapstructure:"engine"`
	WAN    []map[string]string `mapstructure:"wan"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INSITU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node.log_level", "info")
	v.SetDefault("stream.name", "insitu")
	v.SetDefault("stream.role", "writer")
	v.SetDefault("stream.steps", 10)
	return v
}

// Default is the configuration without a file: defaults plus INSITU_
// environment overrides.
func Default() (*Config, error) {
	var c Config
	if err := newViper().Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &c, nil
}
