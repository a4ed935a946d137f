package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/drblury/callflow/internal/runtime/clock"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubFetcher struct {
	keys   KeySet
	maxAge time.Duration
	err    error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *stubFetcher) FetchKeys(ctx context.Context) (KeySet, time.Duration, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.keys, f.maxAge, f.err
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := jsoncodec.Marshal(map[string]any{"alg": "none", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := jsoncodec.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func signedToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func headerWith(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		value   string
		token   string
		present bool
		ok      bool
	}{
		{"", "", false, false},
		{"Bearer abc", "abc", true, true},
		{"bearer abc", "abc", true, true},
		{"BEARER   abc ", "abc", true, true},
		{"Basic abc", "", true, false},
		{"Bearer", "", true, false},
		{"Bearer a b", "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			token, present, ok := BearerToken(headerWith(HeaderAuthorization, tt.value))
			assert.Equal(t, tt.token, token)
			assert.Equal(t, tt.present, present)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestVerifyTrustAllMatrix(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Mode: ModeTrustAll})
	require.NoError(t, err)
	ctx := context.Background()

	out := v.Verify(ctx, http.Header{})
	assert.Equal(t, TokenMissing, out.AuthStatus)
	assert.Equal(t, TokenMissing, out.AppCheckStatus)
	assert.Nil(t, out.Auth)
	assert.Nil(t, out.AppCheck)

	out = v.Verify(ctx, headerWith(HeaderAuthorization, "Token abc"))
	assert.Equal(t, TokenInvalid, out.AuthStatus)
	assert.ErrorIs(t, out.AuthErr, ErrMalformedToken)

	out = v.Verify(ctx, headerWith(HeaderAuthorization, "Bearer only.two"))
	assert.Equal(t, TokenInvalid, out.AuthStatus)

	out = v.Verify(ctx, headerWith(HeaderAuthorization, "Bearer "+unsignedToken(t, map[string]any{"name": "x"})))
	assert.Equal(t, TokenInvalid, out.AuthStatus)
	assert.ErrorIs(t, out.AuthErr, ErrMissingSubject)
	assert.Nil(t, out.Auth)

	raw := unsignedToken(t, map[string]any{"sub": "u1", "email": "u1@example.com"})
	out = v.Verify(ctx, headerWith(HeaderAuthorization, "Bearer "+raw))
	require.Equal(t, TokenValid, out.AuthStatus)
	require.NotNil(t, out.Auth)
	assert.Equal(t, "u1", out.Auth.UID)
	assert.Equal(t, raw, out.Auth.RawToken)
	assert.Equal(t, "u1@example.com", out.Auth.Claims["email"])
}

func TestIdentityClaimPrecedence(t *testing.T) {
	assert.Equal(t, "a", uidFromClaims(map[string]any{"uid": "a", "sub": "b", "user_id": "c"}))
	assert.Equal(t, "b", uidFromClaims(map[string]any{"uid": "", "sub": "b", "user_id": "c"}))
	assert.Equal(t, "c", uidFromClaims(map[string]any{"user_id": "c"}))
	assert.Equal(t, "", uidFromClaims(map[string]any{"uid": 7}))

	assert.Equal(t, "app", appIDFromClaims(map[string]any{"app_id": "app", "sub": "s"}))
	assert.Equal(t, "s", appIDFromClaims(map[string]any{"sub": "s"}))
	assert.Equal(t, "", appIDFromClaims(map[string]any{}))
}

func TestVerifyAppCheckTrustAll(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Mode: ModeTrustAll})
	require.NoError(t, err)

	out := v.Verify(context.Background(), headerWith(HeaderAppCheck, unsignedToken(t, map[string]any{"sub": "1:123:web:abc", "already_consumed": true})))
	assert.Equal(t, TokenMissing, out.AuthStatus)
	require.Equal(t, TokenValid, out.AppCheckStatus)
	assert.Equal(t, "1:123:web:abc", out.AppCheck.AppID)
	require.NotNil(t, out.AppCheck.AlreadyConsumed)
	assert.True(t, *out.AppCheck.AlreadyConsumed)

	out = v.Verify(context.Background(), headerWith(HeaderAppCheck, "garbage"))
	assert.Equal(t, TokenInvalid, out.AppCheckStatus)
	assert.Nil(t, out.AppCheck)
}

func TestNewVerifierVerifyModeRequirements(t *testing.T) {
	cache := NewKeySetCache(&stubFetcher{}, clock.Fake(epoch), 0)

	tests := []struct {
		name    string
		cfg     VerifierConfig
		wantErr string
	}{
		{"no caches", VerifierConfig{Mode: ModeVerify, ProjectID: "demo"}, "key caches"},
		{"no project id", VerifierConfig{Mode: ModeVerify, IDTokenKeys: cache, AppCheckKeys: cache}, "project id"},
		{"complete", VerifierConfig{Mode: ModeVerify, ProjectID: "demo", IDTokenKeys: cache, AppCheckKeys: cache}, ""},
		{"trust all needs nothing", VerifierConfig{Mode: ModeTrustAll}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifyAppCheckWithoutProjectNumber(t *testing.T) {
	key := newKey(t)
	fake := clock.Fake(epoch)
	fetcher := &stubFetcher{keys: KeySet{"a1": &key.PublicKey}}

	v, err := NewVerifier(VerifierConfig{
		Mode:         ModeVerify,
		ProjectID:    "demo",
		IDTokenKeys:  NewKeySetCache(&stubFetcher{keys: KeySet{"k1": &key.PublicKey}}, fake, 0),
		AppCheckKeys: NewKeySetCache(fetcher, fake, 0),
		Clock:        fake,
	})
	require.NoError(t, err)

	// Any project's App Check token would verify against the shared keys.
	token := signedToken(t, key, "a1", jwt.MapClaims{
		"iss": "https://firebaseappcheck.googleapis.com/999",
		"aud": []string{"projects/999"},
		"sub": "1:999:web:abc",
		"iat": epoch.Unix(),
		"exp": epoch.Add(time.Hour).Unix(),
	})
	out := v.Verify(context.Background(), headerWith(HeaderAppCheck, token))
	assert.Equal(t, TokenInvalid, out.AppCheckStatus)
	assert.ErrorIs(t, out.AppCheckErr, ErrNoProjectNumber)
	assert.Nil(t, out.AppCheck)
	assert.Zero(t, fetcher.calls.Load())
}

func TestVerifySignedTokens(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	fake := clock.Fake(epoch)
	idKeys := NewKeySetCache(&stubFetcher{keys: KeySet{"k1": &key.PublicKey}}, fake, 0)
	appKeys := NewKeySetCache(&stubFetcher{keys: KeySet{"a1": &key.PublicKey}}, fake, 0)

	v, err := NewVerifier(VerifierConfig{
		Mode:          ModeVerify,
		ProjectID:     "demo",
		ProjectNumber: "123",
		IDTokenKeys:   idKeys,
		AppCheckKeys:  appKeys,
		Clock:         fake,
	})
	require.NoError(t, err)

	idClaims := func(mut func(jwt.MapClaims)) jwt.MapClaims {
		c := jwt.MapClaims{
			"iss": "https://securetoken.google.com/demo",
			"aud": "demo",
			"sub": "user-1",
			"iat": epoch.Add(-time.Minute).Unix(),
			"exp": epoch.Add(time.Hour).Unix(),
		}
		if mut != nil {
			mut(c)
		}
		return c
	}

	tests := []struct {
		name   string
		token  string
		status TokenStatus
	}{
		{"valid", signedToken(t, key, "k1", idClaims(nil)), TokenValid},
		{"wrong key", signedToken(t, other, "k1", idClaims(nil)), TokenInvalid},
		{"unknown kid", signedToken(t, key, "nope", idClaims(nil)), TokenInvalid},
		{"expired", signedToken(t, key, "k1", idClaims(func(c jwt.MapClaims) { c["exp"] = epoch.Add(-time.Second).Unix() })), TokenInvalid},
		{"no exp", signedToken(t, key, "k1", idClaims(func(c jwt.MapClaims) { delete(c, "exp") })), TokenInvalid},
		{"wrong audience", signedToken(t, key, "k1", idClaims(func(c jwt.MapClaims) { c["aud"] = "other" })), TokenInvalid},
		{"wrong issuer", signedToken(t, key, "k1", idClaims(func(c jwt.MapClaims) { c["iss"] = "https://evil" })), TokenInvalid},
		{"other project", signedToken(t, key, "k1", idClaims(func(c jwt.MapClaims) {
			c["iss"] = "https://securetoken.google.com/other"
			c["aud"] = "other"
		})), TokenInvalid},
		{"unsigned", unsignedToken(t, idClaims(nil)), TokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := v.Verify(context.Background(), headerWith(HeaderAuthorization, "Bearer "+tt.token))
			assert.Equal(t, tt.status, out.AuthStatus, "err: %v", out.AuthErr)
			assert.Equal(t, tt.status == TokenValid, out.Auth != nil)
		})
	}

	appToken := signedToken(t, key, "a1", jwt.MapClaims{
		"iss": "https://firebaseappcheck.googleapis.com/123",
		"aud": []string{"projects/123", "projects/demo"},
		"sub": "1:123:android:xyz",
		"iat": epoch.Unix(),
		"exp": epoch.Add(time.Hour).Unix(),
	})
	out := v.Verify(context.Background(), headerWith(HeaderAppCheck, appToken))
	require.Equal(t, TokenValid, out.AppCheckStatus, "err: %v", out.AppCheckErr)
	assert.Equal(t, "1:123:android:xyz", out.AppCheck.AppID)
	assert.Nil(t, out.AppCheck.AlreadyConsumed)
}

func TestKeySetCacheExpiry(t *testing.T) {
	key := newKey(t)
	fake := clock.Fake(epoch)
	fetcher := &stubFetcher{keys: KeySet{"k": &key.PublicKey}}
	cache := NewKeySetCache(fetcher, fake, 0)
	ctx := context.Background()

	_, err := cache.Key(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultKeyTTL), cache.ExpiresAt())

	fake.Advance(59 * time.Minute)
	_, err = cache.Key(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	fake.Advance(time.Minute)
	_, err = cache.Key(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetcher.calls.Load())

	_, err = cache.Key(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.EqualValues(t, 2, fetcher.calls.Load())

	cache.Clear()
	assert.True(t, cache.ExpiresAt().IsZero())
	_, err = cache.Key(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 3, fetcher.calls.Load())
}

func TestKeySetCacheRefreshesOnUnknownKid(t *testing.T) {
	oldKey, newKeyPair := newKey(t), newKey(t)
	fake := clock.Fake(epoch)
	fetcher := &stubFetcher{keys: KeySet{"old": &oldKey.PublicKey}}
	cache := NewKeySetCache(fetcher, fake, 0)
	ctx := context.Background()

	_, err := cache.Key(ctx, "old")
	require.NoError(t, err)

	fetcher.keys = KeySet{"old": &oldKey.PublicKey, "new": &newKeyPair.PublicKey}

	steps := []struct {
		name      string
		advance   time.Duration
		kid       string
		wantErr   bool
		wantCalls int32
	}{
		{"rotated kid right after a fetch waits", 0, "new", true, 1},
		{"rotated kid after the interval refetches", MinKeyRefreshInterval, "new", false, 2},
		{"known kid uses the refreshed set", 0, "old", false, 2},
		{"bogus kid is rate limited", 30 * time.Second, "bogus", true, 2},
		{"bogus kid refetches once the interval passes", MinKeyRefreshInterval, "bogus", true, 3},
	}
	for _, step := range steps {
		fake.Advance(step.advance)
		key, err := cache.Key(ctx, step.kid)
		if step.wantErr {
			assert.ErrorIs(t, err, ErrUnknownKey, step.name)
			assert.Nil(t, key, step.name)
		} else {
			assert.NoError(t, err, step.name)
			assert.NotNil(t, key, step.name)
		}
		assert.EqualValues(t, step.wantCalls, fetcher.calls.Load(), step.name)
	}
	assert.Equal(t, epoch.Add(MinKeyRefreshInterval).Add(DefaultKeyTTL), cache.ExpiresAt())
}

func TestKeySetCacheForcedRefreshFailureKeepsSet(t *testing.T) {
	key := newKey(t)
	fake := clock.Fake(epoch)
	fetcher := &stubFetcher{keys: KeySet{"k": &key.PublicKey}}
	cache := NewKeySetCache(fetcher, fake, 0)
	ctx := context.Background()

	_, err := cache.Key(ctx, "k")
	require.NoError(t, err)

	fetcher.err = errors.New("boom")
	fake.Advance(2 * MinKeyRefreshInterval)
	_, err = cache.Key(ctx, "rotated")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.EqualValues(t, 2, fetcher.calls.Load())

	_, err = cache.Key(ctx, "k")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestKeySetCacheHonoursMaxAge(t *testing.T) {
	key := newKey(t)
	fake := clock.Fake(epoch)
	cache := NewKeySetCache(&stubFetcher{keys: KeySet{"k": &key.PublicKey}, maxAge: 5 * time.Minute}, fake, 0)

	_, err := cache.Key(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(5*time.Minute), cache.ExpiresAt())
}

func TestKeySetCacheDoesNotCacheFailures(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("boom")}
	var observed []error
	cache := NewKeySetCache(fetcher, clock.Fake(epoch), 0)
	cache.OnRefresh = func(_ int, err error) { observed = append(observed, err) }

	_, err := cache.Key(context.Background(), "k")
	assert.EqualError(t, err, "boom")
	_, err = cache.Key(context.Background(), "k")
	assert.Error(t, err)
	assert.EqualValues(t, 2, fetcher.calls.Load())
	assert.Len(t, observed, 2)

	empty := NewKeySetCache(&stubFetcher{keys: KeySet{}}, clock.Fake(epoch), 0)
	_, err = empty.Key(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestKeySetCacheSingleFlight(t *testing.T) {
	key := newKey(t)
	fetcher := &stubFetcher{keys: KeySet{"k": &key.PublicKey}, gate: make(chan struct{})}
	cache := NewKeySetCache(fetcher, clock.Fake(epoch), 0)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Key(context.Background(), "k")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(fetcher.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestKeySetCacheCallerCancellation(t *testing.T) {
	fetcher := &stubFetcher{keys: KeySet{"k": "key"}, gate: make(chan struct{})}
	cache := NewKeySetCache(fetcher, clock.Fake(epoch), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Key(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	close(fetcher.gate)
	require.Eventually(t, func() bool {
		_, err := cache.Key(context.Background(), "k")
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestMaxAge(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"public, max-age=19100, must-revalidate, no-transform", 19100 * time.Second},
		{"Max-Age=60", time.Minute},
		{"max-age=abc", 0},
		{"no-cache", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxAge(headerWith("Cache-Control", tt.value)), tt.value)
	}
}

func TestHTTPKeyFetcherPEM(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=120")
		_ = jsoncodec.Encode(w, map[string]string{"good": pemKey, "bad": "not a pem"})
	}))
	defer srv.Close()

	keys, maxAge, err := (&HTTPKeyFetcher{URL: srv.URL, Client: srv.Client()}).FetchKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, maxAge)
	require.Len(t, keys, 1)
	pub, ok := keys["good"].(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestHTTPKeyFetcherJWKS(t *testing.T) {
	key := newKey(t)
	jwk, err := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "j1", Algorithm: "RS256", Use: "sig"}.MarshalJSON()
	require.NoError(t, err)
	body := `{"keys":[` + string(jwk) + `,{"kty":"RSA","kid":"broken","n":"!!","e":"AQAB"}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	keys, maxAge, err := (&HTTPKeyFetcher{URL: srv.URL}).FetchKeys(context.Background())
	require.NoError(t, err)
	assert.Zero(t, maxAge)
	require.Len(t, keys, 1)
	pub, ok := keys["j1"].(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestHTTPKeyFetcherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := (&HTTPKeyFetcher{URL: srv.URL}).FetchKeys(context.Background())
	assert.ErrorContains(t, err, "unexpected status 502")
}
