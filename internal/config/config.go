// Package config loads the privacy manager configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/i5heu/ouroboros-privacy/internal/discovery"
	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// URL is the address peers reach this node on.
	URL             string               `yaml:"url"`
	Storage         Storage              `yaml:"storage"`
	Keys            []KeyPair            `yaml:"keys"`
	ForwardingKeys  []string             `yaml:"forwardingKeys"`
	EnhancedPrivacy bool                 `yaml:"enhancedPrivacy"`
	Peers           []discovery.NodeInfo `yaml:"peers"`
	Recovery        Recovery             `yaml:"recovery"`
	Resend          Resend               `yaml:"resend"`
	Log             Log                  `yaml:"log"`
}

type Storage struct {
	Path               string `yaml:"path"`
	InMemory           bool   `yaml:"inMemory"`
	MinimumFreeSpaceGB int    `yaml:"minimumFreeSpaceGB"`
	Compress           bool   `yaml:"compress"`
	// StatsIntervalSeconds enables periodic debug logging of store
	// reads and writes. Zero disables it.
	StatsIntervalSeconds int `yaml:"statsIntervalSeconds"`
	// Codec is the payload encoding at rest, LEGACY or CBOR.
	Codec string `yaml:"codec"`
}

// KeyPair holds base64 encoded keys.
type KeyPair struct {
	Public  string `yaml:"public"`
	Private string `yaml:"private"`
}

type Recovery struct {
	BatchSize   int `yaml:"batchSize"`
	WorkerCount int `yaml:"workerCount"`
}

type Resend struct {
	MaxAttempts int `yaml:"maxAttempts"`
	BatchSize   int `yaml:"batchSize"`
	FetchSize   int `yaml:"fetchSize"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data and fills in defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Codec == "" {
		c.Storage.Codec = string(codec.TypeCBOR)
	}
	if c.Recovery.BatchSize == 0 {
		c.Recovery.BatchSize = 10000
	}
	if c.Resend.MaxAttempts == 0 {
		c.Resend.MaxAttempts = 5
	}
	if c.Resend.BatchSize == 0 {
		c.Resend.BatchSize = 10000
	}
	if c.Resend.FetchSize == 0 {
		c.Resend.FetchSize = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required unless storage.inMemory is set")
	}
	if _, err := codec.ForType(codec.Type(c.Storage.Codec)); err != nil {
		return fmt.Errorf("config: storage.codec: %w", err)
	}
	if c.Recovery.BatchSize < 0 || c.Resend.BatchSize < 0 || c.Resend.FetchSize < 0 || c.Resend.MaxAttempts < 0 {
		return fmt.Errorf("config: sizes and attempts must not be negative")
	}
	return nil
}

// KeyPairs decodes the configured keys.
func (c Config) KeyPairs() ([]encryption.KeyPair, error) {
	pairs := make([]encryption.KeyPair, 0, len(c.Keys))
	for i, k := range c.Keys {
		pub, err := encryption.PublicKeyFromBase64(k.Public)
		if err != nil {
			return nil, fmt.Errorf("config: keys[%d].public: %w", i, err)
		}
		priv, err := encryption.PrivateKeyFromBase64(k.Private)
		if err != nil {
			return nil, fmt.Errorf("config: keys[%d].private: %w", i, err)
		}
		pairs = append(pairs, encryption.KeyPair{Public: pub, Private: priv})
	}
	return pairs, nil
}

// ForwardingPublicKeys decodes the configured forwarding keys.
func (c Config) ForwardingPublicKeys() ([]encryption.PublicKey, error) {
	keys := make([]encryption.PublicKey, 0, len(c.ForwardingKeys))
	for i, s := range c.ForwardingKeys {
		k, err := encryption.PublicKeyFromBase64(s)
		if err != nil {
			return nil, fmt.Errorf("config: forwardingKeys[%d]: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
