package secrets

import (
	"context"
	"testing"

	"consensus-trading-bot/config"
)

func TestDisabledVaultFallsBackToLocalConfig(t *testing.T) {
	loader, err := NewLoader(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}

	creds, err := loader.BrokerCredentials(context.Background(), config.BrokerConfig{
		APIKey:    "local-key",
		SecretKey: "local-secret",
	})
	if err != nil {
		t.Fatalf("BrokerCredentials failed: %v", err)
	}
	if creds.APIKey != "local-key" || creds.SecretKey != "local-secret" {
		t.Errorf("Expected local fallback credentials, got %+v", creds)
	}
}

func TestDisabledVaultRejectsStore(t *testing.T) {
	loader, _ := NewLoader(config.VaultConfig{Enabled: false})

	err := loader.StoreBrokerCredentials(context.Background(), BrokerCredentials{
		APIKey: "k", SecretKey: "s",
	})
	if err == nil {
		t.Error("Storing with vault disabled must fail loudly")
	}
}
