package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/Matiss01G/DFS/pkg/crypto"
)

const (
	DefaultQueueCapacity     = 1024
	DefaultMaxControlPayload = 1024 * 1024
	DefaultStorageRoot       = "dfs_storage"

	TransformContentAddressed = "content_addressed"
	TransformIdentity         = "identity"
)

// Config is the yaml-backed node configuration.
type Config struct {
	NodeID               string   `yaml:"node_id"`
	EncryptionKey        string   `yaml:"encryption_key"` // 64 hex characters
	EncryptionPassphrase string   `yaml:"encryption_passphrase"`
	StorageRoot          string   `yaml:"storage_root"`
	PathTransform        string   `yaml:"path_transform"` // content_addressed (default) or identity
	ListenAddress        string   `yaml:"listen_address"`
	BootstrapNodes       []string `yaml:"bootstrap_nodes"`
	AllowedPeers         []string `yaml:"allowed_peers"`
	QueueCapacity        int      `yaml:"queue_capacity"`
	MaxControlPayload    int      `yaml:"max_control_payload"`
	LogLevel             string   `yaml:"log_level"`
	LogFile              string   `yaml:"log_file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Key resolves the deployment's 32-byte symmetric key, either from the hex
// key material or derived from the shared passphrase.
func (c *Config) Key() ([]byte, error) {
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption_key is not valid hex: %w", err)
		}
		if len(key) != crypto.KeySize {
			return nil, fmt.Errorf("encryption_key must be %d bytes, got %d", crypto.KeySize, len(key))
		}
		return key, nil
	}
	if c.EncryptionPassphrase != "" {
		return crypto.DeriveKey(c.EncryptionPassphrase, nil), nil
	}
	return nil, fmt.Errorf("either encryption_key or encryption_passphrase is required")
}

// Validate checks the configuration and fills in defaults. Invalid key
// material or listen addresses fail here, before any task is spawned.
func (c *Config) Validate() error {
	if _, err := c.Key(); err != nil {
		return err
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	host, port, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen_address %q: %w", c.ListenAddress, err)
	}
	if host == "" {
		c.ListenAddress = net.JoinHostPort("127.0.0.1", port)
	}
	switch c.PathTransform {
	case "", TransformContentAddressed, TransformIdentity:
	default:
		return fmt.Errorf("path_transform must be %s or %s, got %q", TransformContentAddressed, TransformIdentity, c.PathTransform)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxControlPayload == 0 {
		c.MaxControlPayload = DefaultMaxControlPayload
	}
	if c.StorageRoot == "" {
		c.StorageRoot = DefaultStorageRoot
	}
	return nil
}
