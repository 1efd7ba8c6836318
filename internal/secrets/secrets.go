// Package secrets loads broker credentials from HashiCorp Vault. With
// Vault disabled the loader falls back to the values already present in
// the broker configuration, which keeps local development keyless.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"consensus-trading-bot/config"
)

// BrokerCredentials holds the key pair used to sign broker requests
type BrokerCredentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Loader fetches broker credentials from Vault with a read-through cache
type Loader struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *BrokerCredentials
}

// NewLoader creates a credentials loader. With Vault disabled the loader
// is inert and BrokerCredentials falls back to the local configuration.
func NewLoader(cfg config.VaultConfig) (*Loader, error) {
	if !cfg.Enabled {
		return &Loader{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Loader{client: client, config: cfg}, nil
}

// BrokerCredentials returns the broker key pair. Vault wins when enabled;
// otherwise the keys configured locally are used.
func (l *Loader) BrokerCredentials(ctx context.Context, local config.BrokerConfig) (*BrokerCredentials, error) {
	if !l.config.Enabled {
		return &BrokerCredentials{
			APIKey:    local.APIKey,
			SecretKey: local.SecretKey,
		}, nil
	}

	l.mu.RLock()
	if l.cached != nil {
		defer l.mu.RUnlock()
		return l.cached, nil
	}
	l.mu.RUnlock()

	path := fmt.Sprintf("%s/data/%s", l.config.MountPath, l.config.SecretPath)

	secret, err := l.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("broker credentials not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &BrokerCredentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("broker credentials at %s are incomplete", path)
	}

	l.mu.Lock()
	l.cached = creds
	l.mu.Unlock()

	return creds, nil
}

// StoreBrokerCredentials writes the broker key pair to Vault, for the
// key-rotation path
func (l *Loader) StoreBrokerCredentials(ctx context.Context, creds BrokerCredentials) error {
	if !l.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", l.config.MountPath, l.config.SecretPath)

	_, err := l.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store broker credentials in vault: %w", err)
	}

	l.mu.Lock()
	l.cached = &creds
	l.mu.Unlock()

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
