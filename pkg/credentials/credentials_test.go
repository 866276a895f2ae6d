package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func countingFetcher(calls *atomic.Int32) FetcherFunc {
	return func(ctx context.Context) (*Credential, error) {
		n := calls.Add(1)
		return &Credential{AccessToken: fmt.Sprintf("tok-%d", n), InstanceURL: "https://inst"}, nil
	}
}

func TestTokenIsCached(t *testing.T) {
	var calls atomic.Int32
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewCache(countingFetcher(&calls), WithClock(clock.Now))

	first, err := c.Token(context.Background())
	require.NoError(t, err)
	second, err := c.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", first.AccessToken)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, clock.Now().Add(DefaultTTL), first.ExpiresAt)
}

func TestTokenRefreshesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewCache(countingFetcher(&calls), WithClock(clock.Now))

	_, err := c.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(54 * time.Minute)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)

	clock.Advance(2 * time.Minute)
	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.AccessToken)
}

func TestConcurrentTokenCallsCoalesce(t *testing.T) {
	const callers = 32

	var calls atomic.Int32
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context) (*Credential, error) {
		calls.Add(1)
		<-release
		return &Credential{AccessToken: "shared"}, nil
	})
	c := NewCache(fetcher)

	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			cred, err := c.Token(context.Background())
			errs[i] = err
			if cred != nil {
				results[i] = cred.AccessToken
			}
		}(i)
	}
	started.Wait()
	// Give every goroutine time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestFailedRefreshLeavesCacheEmpty(t *testing.T) {
	var calls atomic.Int32
	fail := true
	var mu sync.Mutex
	fetcher := FetcherFunc(func(ctx context.Context) (*Credential, error) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, apierr.Authentication(nil, "token endpoint returned 401")
		}
		return &Credential{AccessToken: "ok"}, nil
	})
	c := NewCache(fetcher)

	_, err := c.Token(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuthentication))

	mu.Lock()
	fail = false
	mu.Unlock()

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", tok.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestForceRefreshBypassesCache(t *testing.T) {
	var calls atomic.Int32
	c := NewCache(countingFetcher(&calls))

	_, err := c.Token(context.Background())
	require.NoError(t, err)

	tok, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.AccessToken)

	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResetEmptiesCache(t *testing.T) {
	var calls atomic.Int32
	c := NewCache(countingFetcher(&calls))

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	c.Reset()
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.AccessToken)
}

func TestJWTExpiryShortensTTL(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	token := jwt.New()
	require.NoError(t, token.Set(jwt.ExpirationKey, now.Add(10*time.Minute)))
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("test-secret")))
	require.NoError(t, err)

	c := NewCache(FetcherFunc(func(ctx context.Context) (*Credential, error) {
		return &Credential{AccessToken: string(signed)}, nil
	}), WithClock(func() time.Time { return now }))

	cred, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(9*time.Minute), cred.ExpiresAt)
}

func TestShortAdvertisedLifetimeIsStillCached(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		want      time.Duration
	}{
		{name: "long lifetime loses a full minute", expiresIn: 10 * time.Minute, want: 9 * time.Minute},
		{name: "one minute", expiresIn: time.Minute, want: 30 * time.Second},
		{name: "thirty seconds", expiresIn: 30 * time.Second, want: 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			c := NewCache(FetcherFunc(func(ctx context.Context) (*Credential, error) {
				calls.Add(1)
				return &Credential{AccessToken: "opaque", ExpiresIn: tt.expiresIn}, nil
			}), WithClock(clock.Now))

			cred, err := c.Token(context.Background())
			require.NoError(t, err)
			assert.Equal(t, clock.Now().Add(tt.want), cred.ExpiresAt)

			_, err = c.Token(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestClientCredentialsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("client_secret") != "s3cret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"invalid client credentials"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","instance_url":"https://inst.example.com","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	ok := &ClientCredentials{TokenURL: srv.URL, ClientID: "id", ClientSecret: "s3cret", Upstream: "backend"}
	cred, err := ok.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.AccessToken)
	assert.Equal(t, "https://inst.example.com", cred.InstanceURL)

	bad := &ClientCredentials{TokenURL: srv.URL, ClientID: "id", ClientSecret: "wrong", Upstream: "backend"}
	_, err = bad.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuthentication))
	assert.Contains(t, err.Error(), "invalid client credentials")
}
