package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/credentials"
	"github.com/kadirpekel/a2abridge/pkg/downstream/downstreamtest"
)

func writeConfig(t *testing.T, downstreamURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "a2abridge.yaml")
	data := `
name: test-bridge
server:
  public_url: https://bridge.example.com
downstream:
  name: fake
  login_url: ` + downstreamURL + `
  api_url: ` + downstreamURL + `
  agent_id: agent-1
  client_id: id
  client_secret: ${TEST_CLIENT_SECRET}
  max_retries: 1
observability:
  metrics:
    enabled: true
    namespace: clitest
delegation:
  agents:
    travel:
      url: https://travel.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestResolveLogSettings(t *testing.T) {
	tests := []struct {
		name string
		cli  [3]string
		env  map[string]string
		cfg  *config.LoggerConfig
		want logSettings
	}{
		{
			name: "defaults",
			want: logSettings{Level: "info", Format: "simple"},
		},
		{
			name: "config fills gaps",
			cfg:  &config.LoggerConfig{Level: "warn", File: "bridge.log", Format: "json"},
			want: logSettings{Level: "warn", File: "bridge.log", Format: "json"},
		},
		{
			name: "env beats config",
			env:  map[string]string{LogLevelEnvVar: "debug", LogFormatEnvVar: "verbose"},
			cfg:  &config.LoggerConfig{Level: "warn", Format: "json"},
			want: logSettings{Level: "debug", Format: "verbose"},
		},
		{
			name: "flags beat env",
			cli:  [3]string{"error", "cli.log", "json"},
			env:  map[string]string{LogLevelEnvVar: "debug", LogFileEnvVar: "env.log"},
			want: logSettings{Level: "error", File: "cli.log", Format: "json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{LogLevelEnvVar, LogFileEnvVar, LogFormatEnvVar} {
				t.Setenv(k, tt.env[k])
			}
			got := resolveLogSettings(tt.cli[0], tt.cli[1], tt.cli[2], tt.cfg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyLogSettingsRejectsBadLevel(t *testing.T) {
	_, err := applyLogSettings(logSettings{Level: "loud", Format: "simple"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "s3cret")
	cli := &CLI{Config: writeConfig(t, "https://login.example.com"), ConfigType: "file"}

	cfg, loader, err := cli.loadConfig(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })
	assert.Equal(t, "test-bridge", cfg.Name)
	assert.Equal(t, "s3cret", cfg.Downstream.ClientSecret)
	assert.Equal(t, "https://login.example.com/services/oauth2/token", cfg.Downstream.TokenURL())

	_, _, err = (&CLI{Config: filepath.Join(t.TempDir(), "missing.yaml")}).loadConfig(context.Background())
	assert.Error(t, err)

	_, _, err = (&CLI{Config: "a2abridge/config", ConfigType: "consul"}).loadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--config-endpoints")

	_, _, err = (&CLI{Config: "x", ConfigType: "s3"}).loadConfig(context.Background())
	assert.Error(t, err)
}

func TestBuildAppServesBridge(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "secret")
	fake := downstreamtest.New(t)
	cli := &CLI{Config: writeConfig(t, fake.URL), ConfigType: "file"}
	cfg, loader, err := cli.loadConfig(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	app, err := buildApp(context.Background(), cfg, "9.9.9", io.Discard)
	require.NoError(t, err)
	t.Cleanup(app.Close)

	srv := httptest.NewServer(app.server.Handler())
	t.Cleanup(srv.Close)

	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"id":"t-1","message":{"role":"user","parts":[{"type":"text","text":"hello"}]}}}`
	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpc struct {
		Result struct {
			ID     string `json:"id"`
			Status struct {
				State string `json:"state"`
			} `json:"status"`
		} `json:"result"`
		Error json.RawMessage `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	assert.Empty(t, rpc.Error)
	assert.Equal(t, "t-1", rpc.Result.ID)
	assert.Equal(t, "completed", rpc.Result.Status.State)
	assert.Equal(t, 1, fake.SessionCreates())

	card, err := http.Get(srv.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	defer card.Body.Close()
	var c struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(card.Body).Decode(&c))
	assert.Equal(t, "test-bridge", c.Name)
	assert.Equal(t, "9.9.9", c.Version)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	raw, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `clitest_rpc_requests_total{method="tasks/send",outcome="ok"} 1`)
}

func TestReloadUpdatesRegistry(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "secret")
	cli := &CLI{Config: writeConfig(t, "https://login.example.com"), ConfigType: "file"}
	cfg, loader, err := cli.loadConfig(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	app, err := buildApp(context.Background(), cfg, "dev", io.Discard)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.Len(t, app.registry.Agents(), 1)

	next := *cfg
	next.Delegation = config.DelegationConfig{Agents: map[string]*config.RemoteAgentConfig{
		"weather": {URL: "https://weather.example.com"},
		"news":    {URL: "https://news.example.com"},
	}}
	app.reload(&next)

	agents := app.registry.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "news", agents[0].Alias)
	assert.Equal(t, "weather", agents[1].Alias)
}

func TestBuildAppRejectsUnknownClassifier(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Classifier.Type = "oracle"

	_, err := buildApp(context.Background(), cfg, "dev", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier")
}

func TestDescribeCredential(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	info := describeCredential(&credentials.Credential{
		AccessToken: "never-printed",
		TokenType:   "Bearer",
		InstanceURL: "https://instance.example.com",
		ExpiresAt:   now.Add(55 * time.Minute),
	}, now)

	assert.Equal(t, "55m0s", info.ExpiresIn)
	assert.Equal(t, "Bearer", info.TokenType)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(info))
	assert.NotContains(t, buf.String(), "never-printed")
}
