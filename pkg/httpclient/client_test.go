package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(retries int) *Client {
	cfg := DefaultConfig()
	cfg.Retry.MaxRetries = retries
	cfg.Retry.Backoff = time.Millisecond
	return NewClient(cfg, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestPostJSON_RetriesOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, float64(1), payload["Page"])

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := testClient(5).PostJSON(context.Background(), server.URL, nil, map[string]any{"Page": 1})
	require.NoError(t, err)
	require.NoError(t, resp.Check("post"))
	assert.Equal(t, int32(3), calls.Load())

	var out map[string]bool
	require.NoError(t, resp.JSON(&out))
	assert.True(t, out["ok"])
}

func TestDo_ReturnsLastStatusWhenRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer server.Close()

	resp, err := testClient(2).Get(context.Background(), server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	err = resp.Check("get things")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "down")
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	resp, err := testClient(5).Get(context.Background(), server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_EncodesParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("page_access_token"))
		assert.Equal(t, "abc", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	params := url.Values{"page_access_token": {"tok"}}
	resp, err := testClient(0).Get(context.Background(), server.URL, params, map[string]string{"X-Test": "abc"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedact(t *testing.T) {
	u, _ := url.Parse("https://pages.fm/api/v1/pages/1/conversations?page_access_token=secret")
	assert.Equal(t, "https://pages.fm/api/v1/pages/1/conversations", redact(u))
}
