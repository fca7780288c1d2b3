// Package config holds the broker configuration
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// Strategy selects how accepted connections are serviced.
type Strategy string

const (
	// StrategyBlocking runs one goroutine per connection with blocking I/O.
	StrategyBlocking Strategy = "blocking"
	// StrategyReactor multiplexes connections over a fixed pool of event loops.
	StrategyReactor Strategy = "reactor"
)

// StoreConfig describes how to reach the external persistence sidecar.
type StoreConfig struct {
	Endpoint    string
	DialTimeout string
	OpTimeout   string
}

// Config carries every tunable of the broker process.
type Config struct {
	AppName  string
	Port     int
	Strategy Strategy

	// Reactor strategy only
	ReactorLoops int
	Workers      int
	BufferSize   int

	// Blocking strategy only
	MaxConnections int

	Store           StoreConfig
	MetricsEndpoint string
	DebugMode       bool
}

// FromViper builds a Config from bound flags and environment variables.
func FromViper() Config {
	return Config{
		AppName:        viper.GetString("app-name"),
		Port:           viper.GetInt("port"),
		Strategy:       Strategy(viper.GetString("strategy")),
		ReactorLoops:   viper.GetInt("reactor-loops"),
		Workers:        viper.GetInt("workers"),
		BufferSize:     viper.GetInt("buffer-size"),
		MaxConnections: viper.GetInt("max-connections"),
		Store: StoreConfig{
			Endpoint:    viper.GetString("store-endpoint"),
			DialTimeout: viper.GetString("store-dial-timeout"),
			OpTimeout:   viper.GetString("store-op-timeout"),
		},
		MetricsEndpoint: viper.GetString("metrics-endpoint"),
		DebugMode:       viper.GetBool("debug"),
	}
}

// Validate checks the configuration and fills strategy-dependent defaults.
func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyBlocking, StrategyReactor:
	default:
		return fmt.Errorf("unknown strategy %q (expected %q or %q)", c.Strategy, StrategyBlocking, StrategyReactor)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.ReactorLoops <= 0 {
		c.ReactorLoops = runtime.NumCPU()
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 4
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1 << 13
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}

	if c.Store.Endpoint == "" {
		return fmt.Errorf("store endpoint must not be empty")
	}

	return nil
}
