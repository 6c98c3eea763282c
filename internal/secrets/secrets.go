// Package secrets resolves OKX exchange credentials, preferring
// HashiCorp Vault when configured and falling back to the plain
// environment-variable credentials otherwise.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"autotrade-core/config"
	"autotrade-core/internal/errkind"
)

// OKXCredentials is the full credential set an exchange.Client needs.
type OKXCredentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	DemoMode   bool
}

// Provider resolves OKX credentials on demand. Satisfied by Client;
// kept as an interface so callers can substitute a stub in tests.
type Provider interface {
	OKXCredentials(ctx context.Context) (OKXCredentials, error)
}

// Client wraps a HashiCorp Vault client. When the supplied config has
// Vault disabled, it serves the env-var credentials straight out of
// cfg.Exchange and never opens a Vault connection, mirroring the
// teacher's Client.StoreAPIKey/GetAPIKey "Enabled" bypass.
type Client struct {
	vault   *api.Client
	cfg     config.VaultConfig
	envCred OKXCredentials

	mu    sync.RWMutex
	cache *OKXCredentials
}

// NewClient builds a Client. envCred is the env-var fallback read from
// config.ExchangeConfig, served directly whenever cfg.Enabled is false.
func NewClient(cfg config.VaultConfig, envCred OKXCredentials) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg, envCred: envCred}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	vaultClient, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, "secrets.NewClient", "failed to create vault client", err)
	}
	vaultClient.SetToken(cfg.Token)

	return &Client{vault: vaultClient, cfg: cfg, envCred: envCred}, nil
}

// OKXCredentials returns the cached credential set, reading through to
// Vault (or the env-var fallback) on the first call.
func (c *Client) OKXCredentials(ctx context.Context) (OKXCredentials, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		c.mu.Lock()
		c.cache = &c.envCred
		c.mu.Unlock()
		return c.envCred, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.vault.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return OKXCredentials{}, errkind.Wrap(errkind.TransientIOError, "secrets.OKXCredentials", "failed to read vault secret", err)
	}
	if secret == nil || secret.Data == nil {
		return OKXCredentials{}, errkind.New(errkind.ConfigError, "secrets.OKXCredentials", "no OKX credentials found in vault at "+path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return OKXCredentials{}, errkind.New(errkind.ConfigError, "secrets.OKXCredentials", "malformed vault secret at "+path)
	}

	creds := OKXCredentials{
		APIKey:     stringField(data, "api_key"),
		SecretKey:  stringField(data, "secret_key"),
		Passphrase: stringField(data, "passphrase"),
		DemoMode:   boolField(data, "demo_mode"),
	}

	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()
	return creds, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func boolField(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
