package harvest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"projectfinder/internal/errs"
	"projectfinder/internal/retry"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, AttemptTimeout: time.Second}
}

func TestFetchPageSendsWindowAndParsesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/procesos", r.URL.Path)
		assert.Equal(t, "2026-03-01", r.URL.Query().Get("from"))
		assert.Equal(t, "2026-03-08", r.URL.Query().Get("to"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("size"))
		_, _ = w.Write([]byte(`{"data":[{"numero_proceso":"A"},{"numero_proceso":"B"}],"page":2,"total_pages":3}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/api/", PageSize: 50}, zap.NewNop()).WithRetryPolicy(fastPolicy(1))
	page, err := c.FetchPage(context.Background(), Window{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}, "2")
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, "3", page.Next())
}

func TestPageNextPrefersToken(t *testing.T) {
	assert.Equal(t, "tok", (&Page{Number: 3, TotalPages: 3, NextPage: "tok"}).Next())
	assert.Equal(t, "", (&Page{Number: 3, TotalPages: 3}).Next())
	assert.Equal(t, "", (&Page{}).Next())
}

func TestFetchPageRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"page":1,"total_pages":1}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zap.NewNop()).WithRetryPolicy(fastPolicy(3))
	_, err := c.FetchPage(context.Background(), Window{Since: time.Now()}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFetchPageExhaustedIsSourceUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zap.NewNop()).WithRetryPolicy(fastPolicy(2))
	_, err := c.FetchPage(context.Background(), Window{Since: time.Now()}, "")
	assert.ErrorIs(t, err, errs.ErrSourceUnavailable)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetchPageClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zap.NewNop()).WithRetryPolicy(fastPolicy(3))
	_, err := c.FetchPage(context.Background(), Window{Since: time.Now()}, "")
	assert.ErrorIs(t, err, errs.ErrSourceUnavailable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
