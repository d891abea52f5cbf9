package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/infinitefield/hypersdk/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override, e.g. HLSIG_SIGNER_PRIVATE_KEY.
	EnvPrefix = "HLSIG_"

	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"

	defaultSignatureChainID = 0x66eee
)

// Config holds every setting of the hlsig binary.
// LoadConfig reads the YAML file first, then applies HLSIG_* environment
// overrides so secrets never need to live in the file.
type Config struct {
	Chain            string `yaml:"chain" env:"CHAIN"`
	SignatureChainID uint64 `yaml:"signature_chain_id" env:"SIGNATURE_CHAIN_ID"`

	Exchange struct {
		URL        string `yaml:"url" env:"URL"`
		TimeoutSec int    `yaml:"timeout_sec" env:"TIMEOUT_SEC"`
	} `yaml:"exchange" envPrefix:"EXCHANGE_"`

	Signer struct {
		PrivateKey       string `yaml:"private_key" env:"PRIVATE_KEY"`
		Keystore         string `yaml:"keystore" env:"KEYSTORE"`
		KeystorePassword string `yaml:"keystore_password" env:"KEYSTORE_PASSWORD"`
	} `yaml:"signer" envPrefix:"SIGNER_"`

	MultiSig struct {
		User        string   `yaml:"user" env:"USER"`
		Authorized  []string `yaml:"authorized" env:"AUTHORIZED" envSeparator:","`
		Threshold   int      `yaml:"threshold" env:"THRESHOLD"`
		DeadlineSec int      `yaml:"deadline_sec" env:"DEADLINE_SEC"`
	} `yaml:"multisig" envPrefix:"MULTISIG_"`

	Discovery struct {
		Transport      string   `yaml:"transport" env:"TRANSPORT"` // ws or p2p
		ListenAddr     string   `yaml:"listen_addr" env:"LISTEN_ADDR"`
		PublicURL      string   `yaml:"public_url" env:"PUBLIC_URL"`
		P2PListen      []string `yaml:"p2p_listen" env:"P2P_LISTEN" envSeparator:","`
		MDNS           bool     `yaml:"mdns" env:"MDNS"`
		NAT            bool     `yaml:"nat" env:"NAT"`
		IdleTimeoutSec int      `yaml:"idle_timeout_sec" env:"IDLE_TIMEOUT_SEC"`
	} `yaml:"discovery" envPrefix:"DISCOVERY_"`

	Metrics struct {
		Addr string `yaml:"addr" env:"ADDR"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Storage struct {
		Path string `yaml:"path" env:"PATH"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Logging struct {
		Level string `yaml:"level" env:"LEVEL"`
		File  string `yaml:"file" env:"FILE"`
	} `yaml:"logging" envPrefix:"LOGGING_"`
}

// DefaultConfig returns a testnet configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and validates the configuration. A missing file is not an
// error when path is empty; defaults and the environment are used instead.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &domain.ConfigError{Field: path, Err: err}
		}
	}

	if err := env.Parse(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, &domain.ConfigError{Field: "env", Err: err}
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "testnet"
	}
	if c.SignatureChainID == 0 {
		c.SignatureChainID = defaultSignatureChainID
	}
	if c.Exchange.URL == "" {
		c.Exchange.URL = TestnetAPIURL
		if strings.EqualFold(c.Chain, "mainnet") {
			c.Exchange.URL = MainnetAPIURL
		}
	}
	if c.Exchange.TimeoutSec == 0 {
		c.Exchange.TimeoutSec = 10
	}
	if c.MultiSig.DeadlineSec == 0 {
		c.MultiSig.DeadlineSec = 300
	}
	if c.Discovery.Transport == "" {
		c.Discovery.Transport = "ws"
	}
	if c.Discovery.ListenAddr == "" {
		c.Discovery.ListenAddr = ":7420"
	}
	if c.Discovery.IdleTimeoutSec == 0 {
		c.Discovery.IdleTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if _, err := domain.ParseChain(c.Chain); err != nil {
		return &domain.ConfigError{Field: "chain", Err: err}
	}
	if !hasPrefix(c.Exchange.URL, "http://") && !hasPrefix(c.Exchange.URL, "https://") {
		return &domain.ConfigError{Field: "exchange.url", Err: fmt.Errorf("invalid URL %q", c.Exchange.URL)}
	}
	if c.Exchange.TimeoutSec < 0 {
		return &domain.ConfigError{Field: "exchange.timeout_sec", Err: errors.New("must not be negative")}
	}
	if c.Signer.PrivateKey != "" && c.Signer.Keystore != "" {
		return &domain.ConfigError{Field: "signer", Err: errors.New("set either private_key or keystore, not both")}
	}
	if c.MultiSig.Threshold < 0 || (len(c.MultiSig.Authorized) > 0 && c.MultiSig.Threshold > len(c.MultiSig.Authorized)) {
		return &domain.ConfigError{Field: "multisig.threshold", Err: fmt.Errorf("%d outside 0..%d", c.MultiSig.Threshold, len(c.MultiSig.Authorized))}
	}
	switch c.Discovery.Transport {
	case "ws", "p2p":
	default:
		return &domain.ConfigError{Field: "discovery.transport", Err: fmt.Errorf("unknown transport %q", c.Discovery.Transport)}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	return nil
}

// ChainValue returns the parsed chain. Call after Validate.
func (c *Config) ChainValue() domain.Chain {
	chain, _ := domain.ParseChain(c.Chain)
	return chain
}

// ExchangeTimeout returns the HTTP timeout for exchange calls.
func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.Exchange.TimeoutSec) * time.Second
}

// SessionDeadline returns how long a multi-sig session collects signatures.
func (c *Config) SessionDeadline() time.Duration {
	return time.Duration(c.MultiSig.DeadlineSec) * time.Second
}

// IdleTimeout returns the per-connection idle timeout of peer sessions.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Discovery.IdleTimeoutSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}
