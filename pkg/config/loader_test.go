package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
downstream:
  login_url: https://login.example.com/
  api_url: https://api.example.com
  agent_id: agent-1
  client_id: ${TEST_CLIENT_ID}
  client_secret: ${TEST_CLIENT_SECRET:-fallback-secret}
`

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_CLIENT_ID", "cid")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "cid", cfg.Downstream.ClientID)
	assert.Equal(t, "fallback-secret", cfg.Downstream.ClientSecret)
	assert.Equal(t, "https://login.example.com", cfg.Downstream.LoginURL)
	assert.Equal(t, "https://login.example.com/services/oauth2/token", cfg.Downstream.TokenURL())
	assert.Equal(t, 55*time.Minute, cfg.Downstream.TokenTTL)
	assert.Equal(t, 15*time.Second, cfg.Server.KeepAlive)
	assert.Equal(t, SessionBackendMemory, cfg.Sessions.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Descriptors.TTL)
	assert.Equal(t, 10*time.Second, cfg.Descriptors.Timeout)
	assert.Equal(t, ClassifierHeuristic, cfg.Classifier.Type)
	assert.Equal(t, "a2abridge", cfg.Name)
	assert.True(t, BoolValue(cfg.Downstream.BypassUser, false))
}

func TestParseDurationsAndDelegates(t *testing.T) {
	t.Setenv("TEST_CLIENT_ID", "cid")
	t.Setenv("TRAVEL_KEY", "k-123")

	yml := minimalYAML + `
server:
  port: 9090
  keep_alive: 5s
sessions:
  max_age: 2h
delegation:
  agents:
    travel:
      url: https://travel.example.com
      rate_limit: 2
      auth:
        type: api-key-header
        key: env:TRAVEL_KEY
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.KeepAlive)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.MaxAge)

	travel := cfg.Delegation.Agents["travel"]
	require.NotNil(t, travel)
	assert.Equal(t, "X-API-Key", travel.Auth.Header)
	assert.Equal(t, "env:TRAVEL_KEY", travel.Auth.Key)
	assert.Equal(t, 1, travel.Burst)
	assert.Equal(t, 60*time.Second, travel.Timeout)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing downstream",
			yaml:    "server:\n  port: 8080\n",
			wantErr: "login_url is required",
		},
		{
			name:    "sql backend without database",
			yaml:    minimalYAML + "sessions:\n  backend: sql\n  database: main\n",
			wantErr: `database "main" is not defined`,
		},
		{
			name:    "redis backend without addr",
			yaml:    minimalYAML + "sessions:\n  backend: redis\n",
			wantErr: "redis backend requires redis.addr",
		},
		{
			name:    "bad delegate auth",
			yaml:    minimalYAML + "delegation:\n  agents:\n    x:\n      url: http://x\n      auth:\n        type: bearer\n",
			wantErr: "bearer auth requires token",
		},
		{
			name:    "plugin classifier without path",
			yaml:    minimalYAML + "classifier:\n  type: plugin\n",
			wantErr: "plugin_path is required",
		},
	}

	t.Setenv("TEST_CLIENT_ID", "cid")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseJSON(t *testing.T) {
	js := `{"downstream":{"login_url":"https://l.example.com","api_url":"https://a.example.com","agent_id":"a","client_id":"c","client_secret":"s"}}`
	cfg, err := Parse([]byte(js))
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Downstream.AgentID)
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("BRIDGE_HOST", "example.org")

	assert.Equal(t, "https://example.org/x", expandEnvString("https://${BRIDGE_HOST}/x"))
	assert.Equal(t, "example.org", expandEnvString("$BRIDGE_HOST"))
	assert.Equal(t, "dflt", expandEnvString("${BRIDGE_UNSET_VAR:-dflt}"))
	assert.Equal(t, "plain", expandEnvString("plain"))
}

func TestLoadConfigFileReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TEST_DOTENV_CLIENT=from-dotenv\n"), 0o600))
	yml := `
downstream:
  login_url: https://login.example.com
  api_url: https://api.example.com
  agent_id: agent-1
  client_id: ${TEST_DOTENV_CLIENT}
  client_secret: s
`
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEST_DOTENV_CLIENT") })

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "from-dotenv", cfg.Downstream.ClientID)
}

func TestSchemaMentionsSections(t *testing.T) {
	b, err := SchemaJSON()
	require.NoError(t, err)
	for _, key := range []string{"downstream", "sessions", "delegation", "observability"} {
		assert.Contains(t, string(b), `"`+key+`"`)
	}
}
