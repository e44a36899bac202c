package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Run("FileValuesAndDefaults", func(t *testing.T) {
		// Arrange
		dir := writeConfig(t, `
server:
  port: 8080
security:
  api_key_pepper: "0123456789abcdef"
dispatch:
  mode: sync
  timeout: 2s
`)

		// Act
		cfg, err := LoadConfig(dir)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "sync", cfg.Dispatch.Mode)
		assert.Equal(t, 2*time.Second, cfg.Dispatch.Timeout)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "paper", cfg.Broker.Default)
		assert.Equal(t, 8192, cfg.Audit.PayloadLimit)
		assert.Equal(t, "100000.00", cfg.Broker.Paper.AvailableCash)
	})

	t.Run("PepperFromOriginalEnvName", func(t *testing.T) {
		dir := writeConfig(t, "server:\n  port: 5000\n")
		t.Setenv("API_KEY_PEPPER", "pepper-from-env")

		cfg, err := LoadConfig(dir)

		require.NoError(t, err)
		assert.Equal(t, "pepper-from-env", cfg.Security.APIKeyPepper)
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		dir := writeConfig(t, "security:\n  api_key_pepper: abc\nserver:\n  port: 5000\n")
		t.Setenv("SERVER_PORT", "9090")

		cfg, err := LoadConfig(dir)

		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("MissingFileUsesDefaults", func(t *testing.T) {
		t.Setenv("API_KEY_PEPPER", "pepper")

		cfg, err := LoadConfig(t.TempDir())

		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
		assert.Equal(t, "async", cfg.Dispatch.Mode)
	})

	t.Run("PlaceholderPepperRejected", func(t *testing.T) {
		dir := writeConfig(t, "security:\n  api_key_pepper: CHANGE_ME_please\n")
		t.Setenv("API_KEY_PEPPER", "")
		t.Setenv("SECURITY_API_KEY_PEPPER", "")

		_, err := LoadConfig(dir)

		assert.ErrorIs(t, err, ErrInsecurePepper)
	})
}

func TestValidate(t *testing.T) {
	base := Config{
		Security: Security{APIKeyPepper: "pepper"},
		Database: Database{Driver: "sqlite"},
		Dispatch: Dispatch{Mode: "async", Timeout: time.Second},
	}

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "EmptyPepper", mutate: func(c *Config) { c.Security.APIKeyPepper = "  " }, wantErr: true},
		{name: "UnknownDriver", mutate: func(c *Config) { c.Database.Driver = "oracle" }, wantErr: true},
		{name: "UnknownDispatchMode", mutate: func(c *Config) { c.Dispatch.Mode = "batch" }, wantErr: true},
		{name: "ZeroDispatchTimeout", mutate: func(c *Config) { c.Dispatch.Timeout = 0 }, wantErr: true},
		{name: "RestWithoutURL", mutate: func(c *Config) { c.Broker.Rest.Enabled = true }, wantErr: true},
		{name: "KafkaWithoutBrokers", mutate: func(c *Config) { c.Alert.Kafka.Enabled = true }, wantErr: true},
		{name: "Postgres", mutate: func(c *Config) { c.Database.Driver = "postgres" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
