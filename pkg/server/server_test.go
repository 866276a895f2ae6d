package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/activity"
	"github.com/kadirpekel/a2abridge/pkg/auth"
	"github.com/kadirpekel/a2abridge/pkg/bridge"
	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/credentials"
	"github.com/kadirpekel/a2abridge/pkg/delegation"
	"github.com/kadirpekel/a2abridge/pkg/descriptor"
	"github.com/kadirpekel/a2abridge/pkg/downstream"
	"github.com/kadirpekel/a2abridge/pkg/downstream/downstreamtest"
	"github.com/kadirpekel/a2abridge/pkg/observability"
	"github.com/kadirpekel/a2abridge/pkg/protocol"
	"github.com/kadirpekel/a2abridge/pkg/session"
)

type staticValidator struct{ token string }

func (v staticValidator) ValidateToken(_ context.Context, token string) (*auth.Claims, error) {
	if token != v.token {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{Subject: "user-1", TenantID: "acme"}, nil
}

// echoAgent is a remote A2A agent answering every tasks/send with the
// upper-cased input.
func echoAgent(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+descriptor.WellKnownPath, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "echo", "url": srv.URL + "/", "skills": []any{}})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		var p protocol.TaskSendParams
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || json.Unmarshal(req.Params, &p) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.NewResult(req.ID, protocol.Task{
			ID:     p.ID,
			Status: protocol.NewStatus(a2a.TaskStateCompleted, protocol.AgentText(strings.ToUpper(protocol.MessageText(&p.Message)))),
		}))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	srv  *Server
	fake *downstreamtest.Server
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	fake := downstreamtest.New(t)
	cache := credentials.NewCache(&credentials.ClientCredentials{
		TokenURL:     fake.URL + "/services/oauth2/token",
		ClientID:     "id",
		ClientSecret: "secret",
		Upstream:     "fake",
	})
	client := downstream.New(downstream.Config{Name: "fake", APIURL: fake.URL, AgentID: "agent-1", Timeout: 5 * time.Second}, cache)

	cfg := &config.Config{}
	cfg.Delegation.Agents = map[string]*config.RemoteAgentConfig{"echo": {URL: echoAgent(t).URL, Description: "Shouts back"}}
	cfg.SetDefaults()
	cfg.Server.PublicURL = "https://bridge.example.com"

	sessions := session.NewManager(session.NewMemoryStore())
	recorder := activity.NewRecorder(activity.NewRing(10))
	opts := Options{
		Config:    cfg,
		Bridge:    bridge.NewHandler(sessions, client, bridge.WithRecorder(recorder)),
		Delegator: delegation.NewDelegator(delegation.NewRegistry(cfg.Delegation), descriptor.NewResolver(4), sessions, delegation.WithRecorder(recorder)),
		Recorder:  recorder,
		Version:   "1.2.3",
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	return &fixture{srv: srv, fake: fake}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Config: &config.Config{}})
	assert.Error(t, err)
}

func TestHealthAndCard(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	for _, path := range []string{WellKnownCardPath, a2aWellKnownCardPath} {
		rec := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		var card a2a.AgentCard
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
		assert.Equal(t, "a2abridge", card.Name)
		assert.Equal(t, "https://bridge.example.com", card.URL)
		assert.Equal(t, "1.2.3", card.Version)
		assert.True(t, card.Capabilities.Streaming)
		assert.Empty(t, card.Security)
		require.Len(t, card.Skills, 1)
	}
}

func TestRPCRoutes(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"id":"t1","message":{"role":"user","parts":[{"type":"text","text":"hi"}]}}}`

	for _, path := range []string{"/", "/rpc"} {
		rec := f.do(t, http.MethodPost, path, body)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var resp struct {
			Result protocol.Task `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, a2a.TaskStateCompleted, resp.Result.Status.State)
		assert.Equal(t, "Echo: hi", protocol.ArtifactsText(resp.Result.Artifacts))
	}
	assert.Equal(t, 2, f.fake.SessionCreates())
}

func TestDelegateRoute(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/delegate/echo", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res delegation.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "HELLO", res.Text)
	assert.Equal(t, a2a.TaskStateCompleted, res.State)
	assert.NotEmpty(t, res.ContextID)

	tests := []struct {
		name string
		path string
		body string
		want int
		code string
	}{
		{"unknown alias", "/api/delegate/nope", `{"message":"hi"}`, http.StatusNotFound, "AGENT_NOT_FOUND"},
		{"missing message", "/api/delegate/echo", `{}`, http.StatusBadRequest, ""},
		{"bad json", "/api/delegate/echo", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			if tt.code != "" {
				assert.Contains(t, rec.Body.String(), tt.code)
			}
		})
	}
}

func TestAgentsAndActivity(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alias":"echo"`)
	assert.Contains(t, rec.Body.String(), `"description":"Shouts back"`)

	rec = f.do(t, http.MethodGet, "/api/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())

	f.do(t, http.MethodPost, "/api/delegate/echo", `{"message":"one"}`)
	f.do(t, http.MethodPost, "/api/delegate/echo", `{"message":"two"}`)

	rec = f.do(t, http.MethodGet, "/api/activity?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Entries []activity.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "two", out.Entries[0].Input)
	assert.Equal(t, activity.KindDelegate, out.Entries[0].Kind)

	rec = f.do(t, http.MethodGet, "/api/activity?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDelegationRoutesAbsentWithoutDelegator(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Delegator = nil })
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/agents", "").Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Validator = staticValidator{token: "good"} })
	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"missing"}}`

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/rpc", body).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/rpc", body, "Authorization", "Bearer bad").Code)

	rec := f.do(t, http.MethodPost, "/rpc", body, "Authorization", "Bearer good")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":-32001`)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	rec = f.do(t, http.MethodGet, WellKnownCardPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var card map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Contains(t, card["securitySchemes"], "BearerAuth")
	assert.Len(t, card["security"], 1)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics, err := observability.NewMetrics("srv")
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) {
		o.Metrics = metrics
		o.Validator = staticValidator{token: "good"}
	})

	f.do(t, http.MethodGet, "/health", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "srv_http_request_duration_seconds")
}

func TestServeStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(errors.New("server did not stop"))
	}
}
