package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/callflow/internal/runtime/clock"
	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

// Mode selects how token signatures are treated.
type Mode int

const (
	// ModeVerify checks signatures against the published key sets.
	ModeVerify Mode = iota
	// ModeTrustAll decodes token payloads without any signature check. It is
	// meant for local emulators only.
	ModeTrustAll
)

func (m Mode) String() string {
	if m == ModeTrustAll {
		return "trust-all"
	}
	return "verify"
}

var jwtShape = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

var (
	ErrMalformedToken = errors.New("auth: malformed token")
	ErrMissingSubject = errors.New("auth: token has no subject")
	ErrMissingKid     = errors.New("auth: token header has no kid")
	// ErrNoProjectNumber rejects App Check tokens in verify mode when the
	// audience they must carry is unknown.
	ErrNoProjectNumber = errors.New("auth: app check tokens need a project number")
)

// VerifierConfig configures a Verifier. In verify mode ProjectID is required
// and App Check tokens are only accepted when ProjectNumber is set, since the
// signing keys are shared by every project.
type VerifierConfig struct {
	Mode          Mode
	ProjectID     string
	ProjectNumber string
	IDTokenKeys   *KeySetCache
	AppCheckKeys  *KeySetCache
	Clock         clock.Clock
}

// Verifier checks the ID token and App Check token of a request.
type Verifier struct {
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Mode == ModeVerify {
		if cfg.IDTokenKeys == nil || cfg.AppCheckKeys == nil {
			return nil, errors.New("auth: verify mode requires both key caches")
		}
		if cfg.ProjectID == "" {
			return nil, errors.New("auth: verify mode requires a project id")
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Verifier{cfg: cfg}, nil
}

func (v *Verifier) Mode() Mode {
	return v.cfg.Mode
}

// Verify inspects both token headers concurrently. It never fails: problems
// are reported as TokenInvalid with the cause in AuthErr or AppCheckErr.
func (v *Verifier) Verify(ctx context.Context, header http.Header) VerificationOutcome {
	var out VerificationOutcome
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		raw, present, ok := BearerToken(header)
		switch {
		case !present:
			out.AuthStatus = TokenMissing
		case !ok:
			out.AuthStatus, out.AuthErr = TokenInvalid, ErrMalformedToken
		default:
			id, err := v.VerifyIDToken(gctx, raw)
			if err != nil {
				out.AuthStatus, out.AuthErr = TokenInvalid, err
				return nil
			}
			out.AuthStatus, out.Auth = TokenValid, id
		}
		return nil
	})

	g.Go(func() error {
		raw := strings.TrimSpace(header.Get(HeaderAppCheck))
		if raw == "" {
			out.AppCheckStatus = TokenMissing
			return nil
		}
		id, err := v.VerifyAppCheckToken(gctx, raw)
		if err != nil {
			out.AppCheckStatus, out.AppCheckErr = TokenInvalid, err
			return nil
		}
		out.AppCheckStatus, out.AppCheck = TokenValid, id
		return nil
	})

	_ = g.Wait()
	return out
}

// VerifyIDToken decodes (and in verify mode checks) an end-user ID token.
func (v *Verifier) VerifyIDToken(ctx context.Context, raw string) (*AuthIdentity, error) {
	var issuer, audience string
	if v.cfg.ProjectID != "" {
		issuer = "https://securetoken.google.com/" + v.cfg.ProjectID
		audience = v.cfg.ProjectID
	}
	claims, err := v.claims(ctx, raw, v.cfg.IDTokenKeys, issuer, audience)
	if err != nil {
		return nil, err
	}
	uid := uidFromClaims(claims)
	if uid == "" {
		return nil, ErrMissingSubject
	}
	return &AuthIdentity{UID: uid, Claims: claims, RawToken: raw}, nil
}

// VerifyAppCheckToken decodes (and in verify mode checks) an App Check token.
func (v *Verifier) VerifyAppCheckToken(ctx context.Context, raw string) (*AttestationIdentity, error) {
	var issuer, audience string
	if v.cfg.ProjectNumber != "" {
		issuer = "https://firebaseappcheck.googleapis.com/" + v.cfg.ProjectNumber
		audience = "projects/" + v.cfg.ProjectNumber
	} else if v.cfg.Mode == ModeVerify {
		return nil, ErrNoProjectNumber
	}
	claims, err := v.claims(ctx, raw, v.cfg.AppCheckKeys, issuer, audience)
	if err != nil {
		return nil, err
	}
	appID := appIDFromClaims(claims)
	if appID == "" {
		return nil, fmt.Errorf("%w: no app id", ErrMissingSubject)
	}
	return &AttestationIdentity{
		AppID:           appID,
		RawToken:        raw,
		AlreadyConsumed: consumedFromClaims(claims),
	}, nil
}

func (v *Verifier) claims(ctx context.Context, raw string, keys *KeySetCache, issuer, audience string) (map[string]any, error) {
	if v.cfg.Mode == ModeTrustAll {
		return decodeUnverified(raw)
	}
	if !jwtShape.MatchString(raw) {
		return nil, ErrMalformedToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.cfg.Clock.Now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKid
		}
		return keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

// decodeUnverified reads the payload segment of a three-part token. The
// signature segment may be empty, as emulator tokens use alg "none".
func decodeUnverified(raw string) (map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, ErrMalformedToken
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var claims map[string]any
	if err := jsoncodec.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims == nil {
		return nil, ErrMalformedToken
	}
	return claims, nil
}
