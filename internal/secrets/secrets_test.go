package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/config"
)

func TestOKXCredentialsServesEnvFallbackWhenVaultDisabled(t *testing.T) {
	env := OKXCredentials{APIKey: "key", SecretKey: "secret", Passphrase: "phrase", DemoMode: true}
	client, err := NewClient(config.VaultConfig{Enabled: false}, env)
	require.NoError(t, err)

	creds, err := client.OKXCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env, creds)
}

func TestOKXCredentialsCachesAfterFirstResolve(t *testing.T) {
	env := OKXCredentials{APIKey: "key", SecretKey: "secret"}
	client, err := NewClient(config.VaultConfig{Enabled: false}, env)
	require.NoError(t, err)

	first, err := client.OKXCredentials(context.Background())
	require.NoError(t, err)
	second, err := client.OKXCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStringFieldAndBoolFieldTolerateMissingKeys(t *testing.T) {
	data := map[string]interface{}{"api_key": "abc", "demo_mode": true}
	assert.Equal(t, "abc", stringField(data, "api_key"))
	assert.Equal(t, "", stringField(data, "missing"))
	assert.True(t, boolField(data, "demo_mode"))
	assert.False(t, boolField(data, "missing"))
}
