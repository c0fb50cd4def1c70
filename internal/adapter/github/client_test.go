package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinday/ace/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	var slept []time.Duration
	c := NewClient(srv.URL, srv.URL+"/graphql", "test-token",
		WithRetry(3, 10*time.Millisecond, time.Second),
		WithClock(
			func() time.Time { return time.Unix(1_000_000, 0) },
			func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			},
		),
	)
	return c, &slept
}

func TestClient_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := c.Get(context.Background(), "/thing")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *slept, 2)
}

func TestClient_NeverRetriesNonRetryable4xx(t *testing.T) {
	for _, status := range []int{400, 401, 404, 422} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var calls atomic.Int32
			c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			})
			resp, err := c.Get(context.Background(), "/thing")
			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, *slept)
		})
	}
}

func TestClient_RateLimit403RetriesWithResetDelay(t *testing.T) {
	// 403 with X-RateLimit-Remaining: 0 must be treated as a rate limit, not
	// an auth failure, and the delay is reset-now plus one second.
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(1_000_005, 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	resp, err := c.Get(context.Background(), "/thing")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	require.Len(t, *slept, 1)
	assert.Equal(t, 6*time.Second, (*slept)[0])
}

func TestClient_RetryAfterTakesPrecedence(t *testing.T) {
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2.5")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(1_000_100, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Get(context.Background(), "/thing")
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 2500*time.Millisecond, (*slept)[0])
}

func TestClient_Plain403IsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	resp, err := c.Get(context.Background(), "/thing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ExhaustedRetriesReturnFinalResponse(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	resp, err := c.Get(context.Background(), "/thing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	// initial attempt plus maxRetries
	assert.Equal(t, int32(4), calls.Load())
}

func TestClient_SendsAuthHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.Get(context.Background(), "/thing")
	require.NoError(t, err)
}

func TestGraphQL_RateLimitErrorRetriedThenDistinctKind(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"errors":[{"message":"API rate limit exceeded","type":"RATE_LIMITED"}]}`))
	})

	err := c.GraphQL(context.Background(), `query { viewer { login } }`, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(4), calls.Load())
}

func TestGraphQL_NonRateLimitErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"errors":[{"message":"Could not resolve to an Organization","type":"NOT_FOUND"}]}`))
	})

	err := c.GraphQL(context.Background(), `query { x }`, nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraphQL_DecodesData(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"viewer":{"login":"octo"}}}`))
	})

	var out struct {
		Viewer struct {
			Login string `json:"login"`
		} `json:"viewer"`
	}
	require.NoError(t, c.GraphQL(context.Background(), `query { viewer { login } }`, nil, &out))
	assert.Equal(t, "octo", out.Viewer.Login)
}
