// Package config loads the dapp deployment settings with viper. Values come
// from an optional YAML file and HONEYPOT_* environment variables, the
// environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"honeypot/internal/ledger"
)

const (
	DefaultPortalAddress     = "0x9C21AEb2093C32DDbC53eEF24B873BDCd1aDa1DB"
	DefaultTokenAddress      = "0xc6e7DF5E7b4f2A278906862b61205850344D4e7d"
	DefaultWithdrawalAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	DefaultStatePath         = "/dev/pmem1"
	DefaultDeviceAddr        = "127.0.0.1:5004"
	DefaultDeviceTimeout     = 10 * time.Second
	DefaultLogLevel          = "INFO"
)

var ErrInvalidAddress = errors.New("invalid address")

type Config struct {
	Ledger ledger.Config

	StatePath string

	DeviceAddr     string
	DeviceInsecure bool
	DeviceCAPath   string
	DeviceTimeout  time.Duration

	LogLevel            string
	DebugAddr           string
	MetricsSnapshotPath string
}

// New returns a viper instance with defaults and env bindings installed.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("honeypot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("token_address", DefaultTokenAddress)
	v.SetDefault("portal_address", DefaultPortalAddress)
	v.SetDefault("withdrawal_address", DefaultWithdrawalAddress)
	v.SetDefault("state_path", DefaultStatePath)
	v.SetDefault("device.addr", DefaultDeviceAddr)
	v.SetDefault("device.insecure", false)
	v.SetDefault("device.ca_path", "")
	v.SetDefault("device.timeout", DefaultDeviceTimeout)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("debug.addr", "")
	v.SetDefault("metrics.snapshot_path", "")
	return v
}

// Load reads path (if non-empty) on top of the defaults and validates the
// result. A named file that cannot be read is an error.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	var err error
	if cfg.Ledger.Token, err = parseAddress(v, "token_address"); err != nil {
		return Config{}, err
	}
	if cfg.Ledger.Portal, err = parseAddress(v, "portal_address"); err != nil {
		return Config{}, err
	}
	if cfg.Ledger.Withdrawal, err = parseAddress(v, "withdrawal_address"); err != nil {
		return Config{}, err
	}
	cfg.StatePath = strings.TrimSpace(v.GetString("state_path"))
	if cfg.StatePath == "" {
		return Config{}, fmt.Errorf("state_path must not be empty")
	}
	cfg.DeviceAddr = strings.TrimSpace(v.GetString("device.addr"))
	cfg.DeviceInsecure = v.GetBool("device.insecure")
	cfg.DeviceCAPath = v.GetString("device.ca_path")
	cfg.DeviceTimeout = v.GetDuration("device.timeout")
	if cfg.DeviceTimeout <= 0 {
		return Config{}, fmt.Errorf("device.timeout must be positive")
	}
	cfg.LogLevel = v.GetString("log.level")
	cfg.DebugAddr = v.GetString("debug.addr")
	cfg.MetricsSnapshotPath = v.GetString("metrics.snapshot_path")
	return cfg, nil
}

func parseAddress(v *viper.Viper, key string) (common.Address, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s=%q", ErrInvalidAddress, key, raw)
	}
	return common.HexToAddress(raw), nil
}
