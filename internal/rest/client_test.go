package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/ratelimit"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	log := zaptest.NewLogger(t).Sugar()
	c := New(Config{
		BaseURL:       srv.URL + "/api",
		Version:       10,
		Authorization: "Bot secret",
		UserAgent:     "shardline-test",
		Timeout:       2 * time.Second,
		HTTPClient:    srv.Client(),
		Limiter: ratelimit.New(ratelimit.Config{
			Token:          "secret",
			GlobalInterval: time.Microsecond,
			MaxRetries:     2,
			RetryDelay:     func(int, int) time.Duration { return time.Millisecond },
			Logger:         log,
		}),
		Logger: log,
	})
	t.Cleanup(c.Close)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateMessageSendsHeadersAndBody(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v10/channels/42/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		assert.Equal(t, "shardline-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body createMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "7", "channel_id": "42", "content": body.Content,
			"author": map[string]any{"id": "1", "username": "bot"},
		})
	})
	c, _ := newTestClient(t, mux)

	msg, err := c.CreateMessage(context.Background(), 42, "hello")
	require.NoError(t, err)
	assert.Equal(t, shardline.Snowflake(7), msg.ID)
	assert.Equal(t, shardline.Snowflake(42), msg.ChannelID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "bot", msg.Author.Username)
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/users/@me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, apiError{Code: 0, Message: "401: Unauthorized"})
	})
	mux.HandleFunc("GET /api/v10/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, apiError{Code: 10013, Message: "Unknown User"})
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.CurrentUser(ctx)
	require.Error(t, err)
	assert.True(t, shardline.IsAuth(err))
	assert.ErrorIs(t, err, shardline.ErrAuthenticationFailed)

	_, err = c.GetUser(ctx, 99)
	var re *shardline.RESTError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, shardline.KindPermanent, re.Kind)
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, 10013, re.Code)
	assert.Equal(t, "Unknown User", re.Message)
	assert.Equal(t, "GET /users/{user.id}", re.Route)
}

func TestServerErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "username": "u"})
	})
	c, _ := newTestClient(t, mux)

	u, err := c.GetUser(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, shardline.Snowflake(5), u.ID)
	assert.EqualValues(t, 2, hits.Load())
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.GetUser(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, shardline.IsTransient(err))
	assert.EqualValues(t, 3, hits.Load())
}

func TestRateLimitedRequestIsRetriedTransparently(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v10/channels/1/messages/2", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"retry_after": 0.05, "global": false})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.DeleteMessage(context.Background(), 1, 2))
	assert.EqualValues(t, 2, hits.Load())
}

func TestGatewayBotDefaults(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/gateway/bot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"url":                 "wss://gateway.example",
			"shards":              0,
			"session_start_limit": map[string]any{"total": 1000, "remaining": 999, "reset_after": 5000},
		})
	})
	c, _ := newTestClient(t, mux)

	gb, err := c.GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example", gb.URL)
	assert.Equal(t, 1, gb.Shards)
	assert.Equal(t, 1, gb.SessionStartLimit.MaxConcurrency)
	assert.Equal(t, 5*time.Second, gb.SessionStartLimit.ResetIn())
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})
	c, _ := newTestClient(t, mux)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CurrentUser(context.Background())
		errCh <- err
	}()

	<-entered
	c.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, shardline.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not canceled")
	}

	_, err := c.CurrentUser(context.Background())
	assert.ErrorIs(t, err, shardline.ErrSessionClosed)
}

func TestLatencySharesOneMeasurement(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/users/@me", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"id": "1", "username": "bot"})
	})
	c, _ := newTestClient(t, mux)

	var wg sync.WaitGroup
	results := make([]time.Duration, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Latency(context.Background())
			assert.NoError(t, err)
			results[i] = d
		}()
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, hits.Load(), int32(5))
	for _, d := range results {
		assert.Positive(t, d)
	}
}

func TestLatencySurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/users/@me", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"id": "1", "username": "bot"})
	})
	c, _ := newTestClient(t, mux)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Latency(first)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		d, err := c.Latency(context.Background())
		assert.Positive(t, d)
		second <- err
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller still waiting")
	}

	close(release)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never answered")
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestLatencyExcludesRateLimitWait(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/users/@me", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Limit", "1")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset-After", "0.4")
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "1", "username": "bot"})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.CurrentUser(context.Background())
	require.NoError(t, err)

	start := time.Now()
	d, err := c.Latency(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond, "bucket wait was skipped")
	assert.Less(t, d, 300*time.Millisecond)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	hc, err := NewHTTPClient("http://proxy.local:3128", true)
	require.NoError(t, err)
	tr := hc.Transport.(*http.Transport)
	require.NotNil(t, tr.Proxy)
	req, _ := http.NewRequest(http.MethodGet, "https://discord.com", nil)
	u, err := tr.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy.local:3128", u.Host)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)

	_, err = NewHTTPClient("://bad", false)
	assert.Error(t, err)
}

func TestNetworkErrorKinds(t *testing.T) {
	t.Parallel()

	route := ratelimit.NewRoute(http.MethodGet, "/users/@me")
	assert.True(t, shardline.IsTransient(networkError(route, errors.New("connection refused"))))
	assert.True(t, shardline.IsPermanent(networkError(route, context.Canceled)))
}
