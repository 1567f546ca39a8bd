package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Exec      ExecConfig      `yaml:"exec"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
}

// EngineConfig controls the turn engine itself.
type EngineConfig struct {
	DefaultActionTimeout time.Duration `yaml:"default_action_timeout"`
	EventBuffer          int           `yaml:"event_buffer"`
}

// ExecConfig controls container-backed executors.
type ExecConfig struct {
	Image         string        `yaml:"image"`
	MaxContainers int           `yaml:"max_containers"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
}

type NATSConfig struct {
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	ExecutorURL string `yaml:"executor_url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			DefaultActionTimeout: 5 * time.Minute,
			EventBuffer:          64,
		},
		Exec: ExecConfig{
			Image:         "weft-executor:latest",
			MaxContainers: 5,
			IdleTimeout:   30 * time.Minute,
			ReadyTimeout:  30 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/weft.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("WEFT_CONFIG")
	if path == "" {
		path = "config/weft.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WEFT_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("WEFT_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("WEFT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("WEFT_EXEC_IMAGE"); v != "" {
		cfg.Exec.Image = v
	}
	if v := os.Getenv("WEFT_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
