package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/moundir/meet-signaling/internal/auth"
	"github.com/moundir/meet-signaling/internal/config"
)

// ClientHello carries the credential from a first WebSocket `{type:"auth"}`
// message. For plain HTTP requests, credentials come from the query string
// instead and hello is nil.
type ClientHello struct {
	Type       MessageType
	Credential string
}

type Authorizer interface {
	// Authorize returns the authenticated identity ("" when the credential
	// scheme carries none), or an error when the request must be rejected.
	Authorize(r *http.Request, hello *ClientHello) (identity string, err error)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(r *http.Request, hello *ClientHello) (string, error) {
	return "", nil
}

// AuthAuthorizer enforces AUTH_MODE=none|api_key|jwt for the signaling
// WebSocket.
//
// Credential sources:
//   - query string fallback: ?apiKey=... / ?token=...
//   - first message `{type:"auth", apiKey:"..."}` / `{type:"auth", token:"..."}`
//     (preferred; keeps credentials out of access logs)
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return AllowAllAuthorizer{}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return AuthAuthorizer{
		mode:     cfg.AuthMode,
		verifier: v,
	}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *ClientHello) (string, error) {
	if a.verifier == nil {
		return "", errors.New("auth verifier not configured")
	}

	cred, err := a.credential(hello, r)
	if err != nil {
		return "", err
	}
	return a.verifier.Verify(cred)
}

func (a AuthAuthorizer) credential(hello *ClientHello, r *http.Request) (string, error) {
	if hello != nil {
		if v := strings.TrimSpace(hello.Credential); v != "" {
			return v, nil
		}
	}
	return auth.CredentialFromQuery(a.mode, r.URL.Query())
}

// IsAuthMissing reports whether err represents missing credentials (as
// opposed to invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

// IsUnauthorized reports whether err should be treated as an authentication
// failure.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnsupportedJWT)
}

func unauthorizedMessage(err error) string {
	if err == nil {
		return "unauthorized"
	}
	// Avoid leaking server configuration details (e.g. "invalid auth mode").
	if IsUnauthorized(err) {
		return "unauthorized"
	}
	return fmt.Sprintf("authorization failed: %v", err)
}
