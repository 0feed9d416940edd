package relaycred

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rillcall/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestIssuer_Issue(t *testing.T) {
	iss := NewIssuer("s3cret", time.Hour, []string{"turn:relay.example.org:3478"})
	iss.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	creds := iss.Issue("alice")
	assert.Equal(t, "1700003600:alice", creds.Username)
	assert.Equal(t, int64(3600), creds.TTL)
	assert.Equal(t, Sign([]byte("s3cret"), creds.Username), creds.Password)
	assert.Equal(t, []string{"turn:relay.example.org:3478"}, creds.URIs)

	assert.True(t, Verify([]byte("s3cret"), creds, time.Unix(1_700_000_100, 0)))
	assert.False(t, Verify([]byte("other"), creds, time.Unix(1_700_000_100, 0)))
	assert.False(t, Verify([]byte("s3cret"), creds, time.Unix(1_700_003_600, 0)))
}

func TestSign_KnownVector(t *testing.T) {
	// HMAC-SHA1("key", "The quick brown fox jumps over the lazy dog") = de7c9b85b8b78aa6bc8a7a36f70a90701c9db4d9
	assert.Equal(t, "3nybhbi3iqa8ino29wqQcBydtNk=", Sign([]byte("key"), "The quick brown fox jumps over the lazy dog"))
}

func TestCache_RefetchesBeforeExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := NewIssuer("s", 5*time.Minute, nil)
	iss.now = func() time.Time { return now }

	var fetches int32
	c := NewCache(FetcherFunc(func(context.Context) (Credentials, error) {
		atomic.AddInt32(&fetches, 1)
		return iss.Issue("bob"), nil
	}), time.Minute, fastRetry())
	c.now = func() time.Time { return now }
	c.store.SetClock(func() time.Time { return now })

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))

	// 4 minutes in: exactly expiry - buffer, so a refetch is due.
	now = now.Add(4 * time.Minute)
	second, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
	assert.NotEqual(t, first.Username, second.Username)
}

func TestCache_RetriesTransientFailures(t *testing.T) {
	var calls int32
	c := NewCache(FetcherFunc(func(context.Context) (Credentials, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Credentials{}, errors.New("unavailable")
		}
		return NewIssuer("s", time.Hour, nil).Issue("carol"), nil
	}), 0, fastRetry())

	creds, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, creds.Username, ":carol")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPFetcher(t *testing.T) {
	iss := NewIssuer("s", time.Hour, []string{"turn:a"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(iss.Issue("dave"))
	}))
	defer srv.Close()

	creds, err := (&HTTPFetcher{URL: srv.URL, Token: "tok"}).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"turn:a"}, creds.URIs)

	var calls int32
	c := NewCache(FetcherFunc(func(ctx context.Context) (Credentials, error) {
		atomic.AddInt32(&calls, 1)
		return (&HTTPFetcher{URL: srv.URL}).Fetch(ctx)
	}), 0, fastRetry())
	_, err = c.Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx is not retried")
}
