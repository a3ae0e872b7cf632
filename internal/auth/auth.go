// Package auth implements the trust boundary in front of the signaling
// relay: a connection presents a credential once, and everything past this
// package treats it as already authenticated.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/moundir/meet-signaling/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Verifier checks a single credential string. Verify returns the claimed
// identity carried by the credential, or "" when the credential scheme does
// not carry one (API keys).
type Verifier interface {
	Verify(credential string) (identity string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the credential for the configured auth mode
// from a request query string (apiKey= for api_key mode, token= for jwt).
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
