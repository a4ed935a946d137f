package auth

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/drblury/callflow/internal/runtime/clock"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

const (
	// DefaultIDTokenKeysURL serves the x509 certificates that sign ID tokens.
	DefaultIDTokenKeysURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	// DefaultAppCheckKeysURL serves the JWKS that signs App Check tokens.
	DefaultAppCheckKeysURL = "https://firebaseappcheck.googleapis.com/v1/jwks"
	// DefaultKeyTTL applies when the key response carries no max-age.
	DefaultKeyTTL = time.Hour
	// MinKeyRefreshInterval bounds how often an unknown kid forces a fetch
	// before the cached set expires.
	MinKeyRefreshInterval = time.Minute

	maxKeySetBytes = 1 << 20
)

var (
	ErrUnknownKey = errors.New("auth: no signing key for kid")
	ErrNoKeys     = errors.New("auth: key set contains no usable keys")
)

// KeySet maps key ids to public keys.
type KeySet map[string]crypto.PublicKey

// KeyFetcher loads a key set. maxAge is zero when the source gave no cache
// lifetime.
type KeyFetcher interface {
	FetchKeys(ctx context.Context) (keys KeySet, maxAge time.Duration, err error)
}

// HTTPKeyFetcher downloads a key set published either as a JWKS document or as
// a JSON object of key id to PEM certificate.
type HTTPKeyFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPKeyFetcher) FetchKeys(ctx context.Context) (KeySet, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, 0, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch keys from %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("fetch keys from %s: unexpected status %d", f.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read keys from %s: %w", f.URL, err)
	}
	keys, err := ParseKeySet(body)
	if err != nil {
		return nil, 0, err
	}
	return keys, MaxAge(resp.Header), nil
}

// ParseKeySet parses a JWKS document or a key id to PEM map. Entries that fail
// to parse are skipped.
func ParseKeySet(data []byte) (KeySet, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := jsoncodec.Unmarshal(data, &doc); err == nil && doc.Keys != nil {
		keys := make(KeySet, len(doc.Keys))
		for _, raw := range doc.Keys {
			var jwk jose.JSONWebKey
			if err := jwk.UnmarshalJSON(raw); err != nil {
				continue
			}
			if jwk.KeyID == "" || !jwk.IsPublic() {
				continue
			}
			keys[jwk.KeyID] = jwk.Key
		}
		return keys, nil
	}

	var pems map[string]string
	if err := jsoncodec.Unmarshal(data, &pems); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	keys := make(KeySet, len(pems))
	for kid, pem := range pems {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			continue
		}
		keys[kid] = key
	}
	return keys, nil
}

// MaxAge returns the max-age directive of a Cache-Control header, or zero.
func MaxAge(header http.Header) time.Duration {
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// KeySetCache holds a fetched key set until it expires. Concurrent misses share
// a single fetch.
type KeySetCache struct {
	fetcher KeyFetcher
	clock   clock.Clock
	ttl     time.Duration

	// OnRefresh, when set, is called after every fetch attempt.
	OnRefresh func(keys int, err error)

	mu        sync.RWMutex
	keys      KeySet
	expiresAt time.Time
	fetchedAt time.Time // last fetch attempt

	group singleflight.Group
}

// NewKeySetCache returns an empty cache. A nil clock uses wall time and a
// non-positive ttl uses DefaultKeyTTL.
func NewKeySetCache(fetcher KeyFetcher, c clock.Clock, ttl time.Duration) *KeySetCache {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &KeySetCache{fetcher: fetcher, clock: c, ttl: ttl}
}

// Key returns the public key for kid, refreshing the set first when it is
// empty or expired. A kid missing from a fresh set triggers one early refresh
// so rotated keys are picked up, at most once per MinKeyRefreshInterval.
func (c *KeySetCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	keys, err := c.current(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	if c.canForce() {
		if keys, err := c.current(ctx, true); err == nil {
			if key, ok := keys[kid]; ok {
				return key, nil
			}
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
}

// ExpiresAt reports when the cached set goes stale. It is zero when empty.
func (c *KeySetCache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

// Clear drops the cached set.
func (c *KeySetCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.expiresAt = time.Time{}
	c.fetchedAt = time.Time{}
}

func (c *KeySetCache) fresh() (KeySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.keys) == 0 || !c.clock.Now().Before(c.expiresAt) {
		return nil, false
	}
	return c.keys, true
}

func (c *KeySetCache) canForce() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.clock.Now().Before(c.fetchedAt.Add(MinKeyRefreshInterval))
}

func (c *KeySetCache) current(ctx context.Context, force bool) (KeySet, error) {
	if !force {
		if keys, ok := c.fresh(); ok {
			return keys, nil
		}
	}

	// The shared fetch must outlive any single caller's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refresh(fetchCtx, force)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(KeySet), nil
	}
}

func (c *KeySetCache) refresh(ctx context.Context, force bool) (KeySet, error) {
	if keys, ok := c.fresh(); ok && (!force || !c.canForce()) {
		return keys, nil
	}

	keys, maxAge, err := c.fetcher.FetchKeys(ctx)
	c.mu.Lock()
	c.fetchedAt = c.clock.Now()
	c.mu.Unlock()
	if err == nil && len(keys) == 0 {
		err = ErrNoKeys
	}
	if c.OnRefresh != nil {
		c.OnRefresh(len(keys), err)
	}
	if err != nil {
		return nil, err
	}

	ttl := c.ttl
	if maxAge > 0 {
		ttl = maxAge
	}
	c.mu.Lock()
	c.keys = keys
	c.expiresAt = c.clock.Now().Add(ttl)
	c.mu.Unlock()
	return keys, nil
}
