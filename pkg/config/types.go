package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the Confidential Storage Core
// and the host process wrapping it, following the teacher's ServerConfig/
// SecurityConfig/LoggingConfig nesting style.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
	Unlock   UnlockConfig   `yaml:"unlock"`
	Storage  StorageConfig  `yaml:"storage"`
	KMS      KMSConfig      `yaml:"kms"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds CORS, the IP whitelist, and the kill switch.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	// KillSwitch, when enabled, makes every unlock/decrypt route return a
	// generic service_unavailable without hinting at its own existence
	// (spec.md GLOSSARY "Kill switch").
	KillSwitch bool `yaml:"kill_switch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// UnlockConfig configures the Unlock Service, Lockout Controller, and
// WebAuthn relying party. Lockout/session-freshness values are fixed by
// spec.md and not exposed here as overridable knobs; RPID/RPOrigin are
// deployment-specific and must be configured. The Unlock*/Export* rate
// fields are parsed but not read: internal/app uses the fixed
// ratelimit.UnlockLimiter and ratelimit.ExportLimiter settings.
type UnlockConfig struct {
	RPID               string `yaml:"rp_id"`
	RPOrigin           string `yaml:"rp_origin"`
	UnlockRateRPS      float64  `yaml:"unlock_rate_rps"`
	UnlockRateBurst    int      `yaml:"unlock_rate_burst"`
	ExportRateRPS      float64  `yaml:"export_rate_rps"`
	ExportRateBurst    int      `yaml:"export_rate_burst"`
}

// StorageConfig points at the two Pebble databases the core owns: the Key
// Store and the interaction header/blob store.
type StorageConfig struct {
	KeyStorePath string    `yaml:"key_store_path"`
	DataPath     string    `yaml:"data_path"`
	WriteQueue   QueueConfig `yaml:"write_queue"`
}

// QueueConfig tunes the bounded async write queue (spec.md §5). Async
// gates whether Encrypt durability actually goes through the queue; when
// false (the default) every interaction commits synchronously and the
// queue is never constructed. Capacity is parsed but not read: the
// queue's capacity is fixed at storage.WriteQueueCapacity.
type QueueConfig struct {
	Async    bool      `yaml:"async"`
	Workers  int       `yaml:"workers"`
	Capacity SizeBytes `yaml:"capacity"`
}

// KMSConfig optionally configures an external/embedded KMS bridge
// (pkg/cryptoprim.KMSBridge) that wraps the Master Key itself, grounded
// on the teacher's security.kms stanza.
type KMSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	KeyID        string `yaml:"key_id"`
	RootKeyHex   string `yaml:"root_key_hex"`
	RootKeyFile  string `yaml:"root_key_file"`
}

// SizeBytes is a byte count unmarshaled from human-friendly strings like
// "64MB" or a plain integer, grounded on the teacher's SizeBytes type.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration wraps time.Duration for YAML parsing from strings like "100ms"
// or plain numbers (interpreted as seconds), grounded on the teacher's
// Duration type.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
