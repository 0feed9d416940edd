// Package relaycred issues and caches time-boxed TURN REST credentials.
package relaycred

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rillcall/pkg/cache"
	"rillcall/pkg/retry"
)

// DefaultSafetyBuffer is how long before expiry a cached credential is refetched.
const DefaultSafetyBuffer = 60 * time.Second

type Credentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URIs     []string `json:"uris"`
}

// Expiry parses the expiry epoch out of the username.
func (c Credentials) Expiry() (time.Time, error) {
	head, _, ok := strings.Cut(c.Username, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("relay username %q has no expiry prefix", c.Username)
	}
	secs, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("relay username expiry: %w", err)
	}
	return time.Unix(secs, 0), nil
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	uris   []string
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, uris []string) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, uris: uris, now: time.Now}
}

// Issue signs "<expiry>:<userID>" with HMAC-SHA1.
func (i *Issuer) Issue(userID string) Credentials {
	expiry := i.now().Add(i.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, userID)
	return Credentials{
		Username: username,
		Password: Sign(i.secret, username),
		TTL:      int64(i.ttl / time.Second),
		URIs:     append([]string(nil), i.uris...),
	}
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether password matches username under secret and is not expired.
func Verify(secret []byte, creds Credentials, now time.Time) bool {
	expiry, err := creds.Expiry()
	if err != nil || !now.Before(expiry) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, creds.Username)), []byte(creds.Password))
}

type Fetcher interface {
	Fetch(ctx context.Context) (Credentials, error)
}

type FetcherFunc func(ctx context.Context) (Credentials, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Credentials, error) { return f(ctx) }

// Cache holds the current credential tuple and refetches it once now >= expiry - buffer.
type Cache struct {
	fetcher Fetcher
	buffer  time.Duration
	retry   retry.Config
	store   *cache.Cache[Credentials]
	now     func() time.Time
}

func NewCache(fetcher Fetcher, buffer time.Duration, retryCfg retry.Config) *Cache {
	if buffer <= 0 {
		buffer = DefaultSafetyBuffer
	}
	return &Cache{
		fetcher: fetcher,
		buffer:  buffer,
		retry:   retryCfg,
		store:   cache.New[Credentials](0),
		now:     time.Now,
	}
}

const cacheKey = "relay"

func (c *Cache) Get(ctx context.Context) (Credentials, error) {
	return c.store.GetOrLoad(ctx, cacheKey, c.load)
}

// Invalidate forces the next Get to refetch.
func (c *Cache) Invalidate() {
	c.store.Delete(cacheKey)
}

func (c *Cache) load(ctx context.Context) (Credentials, time.Duration, error) {
	creds, err := retry.DoWithResult(ctx, c.retry, c.fetcher.Fetch)
	if err != nil {
		return Credentials{}, 0, fmt.Errorf("fetch relay credentials: %w", err)
	}
	expiry, err := creds.Expiry()
	if err != nil {
		return creds, 0, nil
	}
	return creds, expiry.Add(-c.buffer).Sub(c.now()), nil
}

// HTTPFetcher reads credentials from the relay's REST endpoint.
type HTTPFetcher struct {
	URL    string
	Token  string
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Credentials{}, retry.Permanent(err)
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Credentials{}, fmt.Errorf("relay credentials: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Credentials{}, retry.Permanent(fmt.Errorf("relay credentials: status %d", resp.StatusCode))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, retry.Permanent(fmt.Errorf("decode relay credentials: %w", err))
	}
	return creds, nil
}
