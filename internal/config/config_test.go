package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
env:
  env: test
  log:
    level: debug
http:
  port: 5000
  timeouts:
    readTimeout: 5s
postgres:
  dsn: postgres://localhost/sentry?sslmode=disable
secretKey:
  jwt: from-file
mistral:
  apiKey: ""
  model: mistral-small
webhooks:
  urls: []
  secret: ""
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sentryd.yaml"), []byte(testYAML), 0o600))
	return dir
}

func TestLoadWithEnv(t *testing.T) {
	dir := writeConfig(t)
	t.Setenv("SENTRY_HTTP_PORT", "8080")
	t.Setenv("SENTRY_SECRETKEY_JWT", "from-env")
	t.Setenv("SENTRY_MISTRAL_APIKEY", "mk-1")
	t.Setenv("SENTRY_WEBHOOKS_URLS", "https://a.example/hook,https://b.example/hook")
	t.Setenv("SENTRY_WEBHOOKS_SECRET", "whsec")
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := LoadWithEnv[Config]("sentryd", dir)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env.Env)
	assert.Equal(t, "debug", cfg.Env.Log.Level)
	assert.Equal(t, 8080, cfg.HTTP.Port, "only prefixed variables override the file")
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeouts.ReadTimeout)
	assert.Equal(t, "from-env", cfg.SecretKey.JWT)
	require.NotNil(t, cfg.Mistral)
	assert.Equal(t, "mk-1", cfg.Mistral.APIKey)
	assert.Equal(t, "mistral-small", cfg.Mistral.Model)
	require.NotNil(t, cfg.Webhooks)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.Webhooks.URLs)
	assert.Equal(t, "whsec", cfg.Webhooks.Secret)

	cfg.applyDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "mem://", cfg.Evidence.BucketURL)
	assert.Equal(t, defaultMistralURL, cfg.Mistral.BaseURL)
	assert.Equal(t, 3, cfg.Webhooks.Attempts)
}

func TestLoadWithEnvMissingFile(t *testing.T) {
	_, err := LoadWithEnv[Config]("nope", t.TempDir())
	assert.ErrorContains(t, err, "nope.yaml not found")
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	assert.ErrorContains(t, cfg.Validate(), "secretKey.jwt")

	cfg.SecretKey.JWT = "s"
	assert.ErrorContains(t, cfg.Validate(), "postgres.dsn")

	cfg.Postgres.DSN = "postgres://"
	cfg.Webhooks.URLs = []string{"https://hook"}
	assert.ErrorContains(t, cfg.Validate(), "webhooks.secret")

	cfg.Webhooks.Secret = "x"
	assert.NoError(t, cfg.Validate())
}

func TestCanonicalizeEnvKey(t *testing.T) {
	existing := map[string]any{
		"secretKey": map[string]any{"jwt": ""},
		"mistral":   map[string]any{"apiKey": "", "baseUrl": ""},
		"evidence":  map[string]any{"maxUploadBytes": 0},
	}

	tests := []struct {
		envKey string
		want   string
	}{
		{"SECRETKEY_JWT", "secretKey.jwt"},
		{"MISTRAL_APIKEY", "mistral.apiKey"},
		{"MISTRAL_BASEURL", "mistral.baseUrl"},
		{"EVIDENCE_MAXUPLOADBYTES", "evidence.maxUploadBytes"},
		{"NEW_FEATURE_FLAG", "new.feature.flag"},
	}
	for _, tt := range tests {
		t.Run(tt.envKey, func(t *testing.T) {
			assert.Equal(t, tt.want, canonicalizeEnvKey(tt.envKey, existing))
		})
	}
}
