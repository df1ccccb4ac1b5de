package nioproxy

import (
	"fmt"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
	"os"
	"strings"
	"time"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type LoopConfig struct {
	Name            string `yaml:"name" toml:"name"`
	LockOsThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	WindowSize      int    `yaml:"window_size" toml:"window_size"`
	PollTimeoutMs   int    `yaml:"poll_timeout_ms" toml:"poll_timeout_ms"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`
	StatsCron       string `yaml:"stats_cron" toml:"stats_cron"`
}

type SocketConfig struct {
	RcvBuffer int  `yaml:"rcv_buffer" toml:"rcv_buffer"`
	SndBuffer int  `yaml:"snd_buffer" toml:"snd_buffer"`
	NoDelay   bool `yaml:"no_delay" toml:"no_delay"`
}

type ResolverConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`
	TTLSec     int `yaml:"ttl_sec" toml:"ttl_sec"`
}

type EventRouterConfig struct {
	KafkaBrokers string `yaml:"kafka_brokers" toml:"kafka_brokers"`
	KafkaTopic   string `yaml:"kafka_topic" toml:"kafka_topic"`
}

type FrontendConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Net          string `yaml:"net" toml:"net"`
	Address      string `yaml:"address" toml:"address"`
	BackendGroup string `yaml:"backend_group" toml:"backend_group"`
}

type BackendGroup struct {
	Name     string          `yaml:"name" toml:"name"`
	Backends []BackendConfig `yaml:"servers" toml:"servers"`
}

type BackendConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Net     string `yaml:"net" toml:"net"`
	Address string `yaml:"address" toml:"address"`
}

// TransferConfig streams a file to a socket once at start up.
type TransferConfig struct {
	Name       string `yaml:"name" toml:"name"`
	SourcePath string `yaml:"source_path" toml:"source_path"`
	Net        string `yaml:"net" toml:"net"`
	Address    string `yaml:"address" toml:"address"`
}

type Config struct {
	Global      Global            `yaml:"global" toml:"global"`
	Loop        LoopConfig        `yaml:"loop" toml:"loop"`
	Socket      SocketConfig      `yaml:"socket" toml:"socket"`
	Resolver    ResolverConfig    `yaml:"resolver" toml:"resolver"`
	EventRouter EventRouterConfig `yaml:"event_router" toml:"event_router"`
	Frontends   []FrontendConfig  `yaml:"frontends" toml:"frontends"`
	Backends    []BackendGroup    `yaml:"backends" toml:"backends"`
	Transfers   []TransferConfig  `yaml:"transfers" toml:"transfers"`
}

// LoadConfig reads a .toml or .yaml/.yml file, fills defaults and validates it.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", filePath, err)
	}
	if err = validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filePath, err)
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = "info"
	}
	if config.Loop.Name == "" {
		config.Loop.Name = "MainLoop"
	}
	if config.Loop.EventBufferSize <= 0 {
		config.Loop.EventBufferSize = 256
	}
	if config.Loop.WindowSize <= 0 {
		config.Loop.WindowSize = defWindowSize
	}
	if config.Loop.PollTimeoutMs < 0 || config.Loop.IdleTimeoutSec < 0 {
		return fmt.Errorf("loop timeouts can't be negative")
	}
	groups := make(map[string]bool)
	for i := range config.Backends {
		group := &config.Backends[i]
		if group.Name == "" {
			return fmt.Errorf("backend group #%d has no name", i)
		}
		if groups[group.Name] {
			return fmt.Errorf("duplicate backend group: %s", group.Name)
		}
		groups[group.Name] = true
		for j := range group.Backends {
			backend := &group.Backends[j]
			if backend.Net == "" {
				backend.Net = "tcp"
			}
			if backend.Address == "" {
				return fmt.Errorf("backend %s/%s has no address", group.Name, backend.Name)
			}
		}
	}
	for i := range config.Frontends {
		frontend := &config.Frontends[i]
		if frontend.Net == "" {
			frontend.Net = "tcp"
		}
		if frontend.Address == "" {
			return fmt.Errorf("frontend %s has no address", frontend.Name)
		}
		if !groups[frontend.BackendGroup] {
			return fmt.Errorf("frontend %s: %w: %s", frontend.Name, ErrBalancerNotFound, frontend.BackendGroup)
		}
	}
	for i := range config.Transfers {
		transfer := &config.Transfers[i]
		if transfer.Net == "" {
			transfer.Net = "tcp"
		}
		if transfer.SourcePath == "" || transfer.Address == "" {
			return fmt.Errorf("transfer %s needs source_path and address", transfer.Name)
		}
	}
	if (config.EventRouter.KafkaBrokers == "") != (config.EventRouter.KafkaTopic == "") {
		return fmt.Errorf("event_router needs both kafka_brokers and kafka_topic")
	}
	return nil
}

func (c *Config) EventLoopConfig() EventLoopConfig {
	return EventLoopConfig{
		Name:            c.Loop.Name,
		LockOsThread:    c.Loop.LockOsThread,
		EventBufferSize: c.Loop.EventBufferSize,
		WindowSize:      c.Loop.WindowSize,
		PollTimeout:     time.Duration(c.Loop.PollTimeoutMs) * time.Millisecond,
		IdleTimeout:     time.Duration(c.Loop.IdleTimeoutSec) * time.Second,
		StatsCron:       c.Loop.StatsCron,
		SocketOptions:   c.SocketOptions(),
	}
}

func (c *Config) SocketOptions() SocketOptions {
	return SocketOptions{
		RcvBuffer: c.Socket.RcvBuffer,
		SndBuffer: c.Socket.SndBuffer,
		NoDelay:   c.Socket.NoDelay,
	}
}
