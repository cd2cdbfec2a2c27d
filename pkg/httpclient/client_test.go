package httpclient

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *Stats, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	stats := NewStats()
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	return NewWithStats(cfg, "session-1", "test", stats), stats, srv
}

func TestGetSuccess(t *testing.T) {
	client, stats, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("#EXTM3U\n"))
	}))

	res, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "#EXTM3U\n", string(res.Body))

	snap := stats.Snapshot()
	require.Contains(t, snap, "session-1")
	assert.Equal(t, int64(1), snap["session-1"]["test"].SuccessCount)
	assert.Zero(t, snap["session-1"]["test"].FailedCount)
}

func TestGetRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	client, _, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))

	res, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetBadStatusIsTerminal(t *testing.T) {
	var calls atomic.Int32
	client, stats, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrBadStatus)
	assert.Equal(t, int32(1), calls.Load())

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap["session-1"]["test"].Failures["StatusCode 404"])
}

func TestGetConnectionFailure(t *testing.T) {
	stats := NewStats()
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1
	cfg.RetryDelay = time.Millisecond
	client := NewWithStats(cfg, "s", "key", stats)

	_, err := client.Get(context.Background(), "http://127.0.0.1:1/never")
	require.Error(t, err)

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap["s"]["key"].FailedCount)
	assert.Equal(t, int64(1), snap["s"]["key"].Failures[FailureConnection])
}

func TestUseLastResponse(t *testing.T) {
	var calls atomic.Int32
	client, _, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Write([]byte("key-bytes"))
	}))
	client.UseLastResponse()

	first, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	second, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUseLastResponseDifferentURLRefetches(t *testing.T) {
	var calls atomic.Int32
	client, _, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(r.URL.Path))
	}))
	client.UseLastResponse()

	_, err := client.Get(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	res, err := client.Get(context.Background(), srv.URL+"/b")
	require.NoError(t, err)
	assert.Equal(t, "/b", string(res.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRedirectFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("moved"))
	})
	client, _, srv := testClient(t, mux)

	res, err := client.Get(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", res.FinalURL)
	assert.Equal(t, "moved", string(res.Body))
}

func TestBrotliDecompression(t *testing.T) {
	client, _, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(HeaderContentEncoding, EncodingBrotli)
		bw := brotli.NewWriter(w)
		bw.Write([]byte("compressed payload"))
		bw.Close()
	}))

	res, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(res.Body))
}

func TestGzipDecompression(t *testing.T) {
	client, _, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(HeaderContentEncoding, EncodingGzip)
		gw := gzip.NewWriter(w)
		gw.Write([]byte("gzipped payload"))
		gw.Close()
	}))

	res, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "gzipped payload", string(res.Body))
}

func TestContextCancellation(t *testing.T) {
	client, _, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("late"))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, srv.URL)
	assert.Error(t, err)
}
