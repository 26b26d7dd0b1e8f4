// Package vault resolves exchange API credentials from HashiCorp Vault,
// falling back to environment variables when Vault is disabled.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"

	"exchange-api-governor/internal/exchange"
)

// Config configures the Vault connection.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Client fetches exchange credentials.
type Client struct {
	client *api.Client
	config Config

	mu     sync.RWMutex
	cached *exchange.Credentials
}

// NewClient creates a Vault client. With Vault disabled it resolves
// credentials from GOVERNOR_API_KEY / GOVERNOR_API_SECRET instead.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// Credentials returns the exchange API key pair. The result is cached for
// the lifetime of the process.
func (c *Client) Credentials(ctx context.Context) (exchange.Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	creds, err := c.resolve(ctx)
	if err != nil {
		return exchange.Credentials{}, err
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return creds, nil
}

func (c *Client) resolve(ctx context.Context) (exchange.Credentials, error) {
	if !c.config.Enabled {
		creds := exchange.Credentials{
			APIKey:    os.Getenv("GOVERNOR_API_KEY"),
			SecretKey: os.Getenv("GOVERNOR_API_SECRET"),
		}
		if creds.APIKey == "" || creds.SecretKey == "" {
			return exchange.Credentials{}, fmt.Errorf("vault disabled and GOVERNOR_API_KEY/GOVERNOR_API_SECRET not set")
		}
		return creds, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return exchange.Credentials{}, fmt.Errorf("credentials not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return exchange.Credentials{}, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := exchange.Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return exchange.Credentials{}, fmt.Errorf("secret at %s missing api_key or secret_key", path)
	}
	return creds, nil
}

// InvalidateCache drops the cached credentials so the next read hits Vault
// again, for key rotation.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
