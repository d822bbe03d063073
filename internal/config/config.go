// Package config loads and validates the dispatch core's configuration,
// mirroring the teacher's pkg/config: viper for layered load (file / env /
// defaults) and go-playground/validator for declarative struct-tag checks.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete dispatch core configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Core    CoreConfig    `mapstructure:"core"`
	GSS     GSSConfig     `mapstructure:"gss"`
	DRC     DRCConfig     `mapstructure:"drc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`
}

// CoreConfig enumerates the knobs listed in spec §6.
type CoreConfig struct {
	// Ports per protocol.
	NFSPort    int `mapstructure:"nfs_port" validate:"min=0,max=65535"`
	MountPort  int `mapstructure:"mount_port" validate:"min=0,max=65535"`
	NLMPort    int `mapstructure:"nlm_port" validate:"min=0,max=65535"`
	RQuotaPort int `mapstructure:"rquota_port" validate:"min=0,max=65535"`

	MaxSendBufBytes int `mapstructure:"max_send_buf_bytes" validate:"min=0"`
	MaxRecvBufBytes int `mapstructure:"max_recv_buf_bytes" validate:"min=0"`
	MaxConnections  int `mapstructure:"max_connections" validate:"min=0"`

	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// MaxIOWorkerThreads is the size of the worker pool. 0 means "derive
	// from runtime.GOMAXPROCS(0) after automaxprocs adjustment" (§7 of
	// SPEC_FULL).
	MaxIOWorkerThreads int `mapstructure:"max_io_worker_threads" validate:"min=0"`

	EnableNLM    bool `mapstructure:"enable_nlm"`
	EnableRQuota bool `mapstructure:"enable_rquota"`

	EnableTCPKeepalive bool          `mapstructure:"enable_tcp_keepalive"`
	KeepCnt            int           `mapstructure:"tcp_keepcnt" validate:"min=0"`
	KeepIdle           time.Duration `mapstructure:"tcp_keepidle" validate:"min=0"`
	KeepIntvl          time.Duration `mapstructure:"tcp_keepintvl" validate:"min=0"`

	DecoderFridgeExpirationDelay time.Duration `mapstructure:"decoder_fridge_expiration_delay" validate:"min=0"`
	DecoderFridgeBlockTimeout    time.Duration `mapstructure:"decoder_fridge_block_timeout" validate:"min=0"`

	// Core option bitmask, expressed as booleans for a config file's sake.
	EnableNFSv3  bool `mapstructure:"enable_nfsv3"`
	EnableNFSv4  bool `mapstructure:"enable_nfsv4"`
	EnableVsock  bool `mapstructure:"enable_vsock"`
	EnableRDMA   bool `mapstructure:"enable_rdma"`
	AllNFSVers   bool `mapstructure:"all_nfs_vers"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// GSSConfig configures the GSS context cache (internal/gsscache).
type GSSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ContextPartitions int          `mapstructure:"context_hash_partitions" validate:"min=1"`
	MaxContexts      int           `mapstructure:"max_contexts" validate:"min=0"`
	GCInterval       time.Duration `mapstructure:"gc_interval" validate:"min=0"`
	MaxIdle          time.Duration `mapstructure:"max_idle" validate:"min=0"`
}

// DRCConfig configures the duplicate-request cache (internal/drc).
type DRCConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory badger"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NFSDISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nfsdispatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nfsdispatch")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
