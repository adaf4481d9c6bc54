package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config carries both the relay's and the peer engine's knobs; each binary
// reads the part it needs.
type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	EchoPort int    `mapstructure:"echo_port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	SignalURL         string        `mapstructure:"signal_url"`
	Discovery         string        `mapstructure:"discovery"`
	DiscoveryServer   string        `mapstructure:"discovery_server"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	LocalPort         uint16        `mapstructure:"local_port"`
	PunchInterval     time.Duration `mapstructure:"punch_interval"`
	PunchBackoff      time.Duration `mapstructure:"punch_backoff"`
	PunchFailAfter    time.Duration `mapstructure:"punch_fail_after"`
	AudioLevelGain    float64       `mapstructure:"audio_level_gain"`
	AudioSilenceAfter time.Duration `mapstructure:"audio_silence_after"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("echo_port", 3478)
	v.SetDefault("log_level", "info")

	v.SetDefault("signal_url", "ws://127.0.0.1:8080/api/ws/signal")
	v.SetDefault("discovery", "stun")
	v.SetDefault("discovery_server", "stun.l.google.com:19302")
	v.SetDefault("discovery_timeout", "5s")
	v.SetDefault("local_port", 0)
	v.SetDefault("punch_interval", "100ms")
	v.SetDefault("punch_backoff", "500ms")
	v.SetDefault("punch_fail_after", "0s")
	v.SetDefault("audio_level_gain", 4.0)
	v.SetDefault("audio_silence_after", "500ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
