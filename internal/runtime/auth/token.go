// Package auth extracts and verifies the caller identity and app attestation
// tokens carried by callable requests.
package auth

import (
	"net/http"
	"strings"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderAppCheck      = "X-Firebase-AppCheck"
	HeaderInstanceID    = "Firebase-Instance-ID-Token"
)

// TokenStatus is the result of checking one token header.
type TokenStatus int

const (
	TokenMissing TokenStatus = iota
	TokenInvalid
	TokenValid
)

func (s TokenStatus) String() string {
	switch s {
	case TokenMissing:
		return "MISSING"
	case TokenInvalid:
		return "INVALID"
	case TokenValid:
		return "VALID"
	default:
		return "UNKNOWN"
	}
}

// AuthIdentity describes the end user behind a valid ID token.
type AuthIdentity struct {
	UID      string
	Claims   map[string]any
	RawToken string
}

// AttestationIdentity describes the client app behind a valid App Check token.
type AttestationIdentity struct {
	AppID    string
	RawToken string
	// AlreadyConsumed is set only when the token carries replay information.
	AlreadyConsumed *bool
}

// VerificationOutcome holds the result of checking both token headers of one
// request. Auth is non-nil exactly when AuthStatus is TokenValid, and AppCheck
// exactly when AppCheckStatus is TokenValid.
type VerificationOutcome struct {
	AuthStatus     TokenStatus
	AppCheckStatus TokenStatus
	Auth           *AuthIdentity
	AppCheck       *AttestationIdentity

	// AuthErr and AppCheckErr explain an Invalid status. They are for server
	// logs only.
	AuthErr     error
	AppCheckErr error
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(header http.Header) (token string, present bool, ok bool) {
	authz := strings.TrimSpace(header.Get(HeaderAuthorization))
	if authz == "" {
		return "", false, false
	}
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", true, false
	}
	return parts[1], true, true
}

func uidFromClaims(claims map[string]any) string {
	for _, key := range []string{"uid", "sub", "user_id"} {
		if s, ok := claims[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func appIDFromClaims(claims map[string]any) string {
	for _, key := range []string{"app_id", "sub"} {
		if s, ok := claims[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func consumedFromClaims(claims map[string]any) *bool {
	if b, ok := claims["already_consumed"].(bool); ok {
		return &b
	}
	return nil
}
