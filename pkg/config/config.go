// Package config loads the host process's YAML configuration and applies
// environment overrides, grounded on the teacher's pkg/config: flag
// parsing via the standard flag package, gopkg.in/yaml.v3 for the file
// format, and PROGRESSDB_*-style env vars (renamed to COLDPROXY_*) taking
// precedence over the file.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were explicitly set.
type Flags struct {
	Addr   string
	Config string
	Set    map[string]bool
}

// ParseFlags parses command-line flags.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, Config: *cfgPtr, Set: set}
}

// Addr returns host:port for the HTTP server, applying defaults the way
// the teacher's Config.Addr did.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// ApplyEnvOverrides layers COLDPROXY_*-prefixed environment variables onto
// cfg, returning whether any were applied.
func ApplyEnvOverrides(cfg *Config) bool {
	used := false

	if v := os.Getenv("COLDPROXY_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("COLDPROXY_KEY_STORE_PATH"); v != "" {
		used = true
		cfg.Storage.KeyStorePath = v
	}
	if v := os.Getenv("COLDPROXY_DATA_PATH"); v != "" {
		used = true
		cfg.Storage.DataPath = v
	}
	if v := os.Getenv("COLDPROXY_CORS_ORIGINS"); v != "" {
		used = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("COLDPROXY_IP_WHITELIST"); v != "" {
		used = true
		cfg.Security.IPWhitelist = parseList(v)
	}
	if v := os.Getenv("COLDPROXY_KILL_SWITCH"); v != "" {
		used = true
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			cfg.Security.KillSwitch = true
		default:
			cfg.Security.KillSwitch = false
		}
	}
	if v := os.Getenv("COLDPROXY_RP_ID"); v != "" {
		used = true
		cfg.Unlock.RPID = v
	}
	if v := os.Getenv("COLDPROXY_RP_ORIGIN"); v != "" {
		used = true
		cfg.Unlock.RPOrigin = v
	}
	if v := os.Getenv("COLDPROXY_LOG_LEVEL"); v != "" {
		used = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COLDPROXY_KMS_ROOT_KEY_HEX"); v != "" {
		used = true
		cfg.KMS.RootKeyHex = v
	}
	if v := os.Getenv("COLDPROXY_TLS_CERT"); v != "" {
		used = true
		cfg.Server.TLS.CertFile = v
	}
	if v := os.Getenv("COLDPROXY_TLS_KEY"); v != "" {
		used = true
		cfg.Server.TLS.KeyFile = v
	}

	return used
}

// ResolveConfigPath decides the config file path using the flag value when
// explicitly set, else the COLDPROXY_CONFIG env var, else flagPath's default.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("COLDPROXY_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEffective loads path, applying defaults for any missing storage
// paths, then layers environment overrides on top.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	if cfg.Storage.KeyStorePath == "" {
		cfg.Storage.KeyStorePath = "./.coldproxy/keys"
	}
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = "./.coldproxy/data"
	}
	if cfg.Storage.WriteQueue.Workers == 0 {
		cfg.Storage.WriteQueue.Workers = 2
	}
	envUsed := ApplyEnvOverrides(cfg)
	return cfg, envUsed, nil
}
