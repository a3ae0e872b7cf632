package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func signJWT(t *testing.T, secret, headerJSON, payloadJSON string) string {
	t.Helper()
	h := base64.RawURLEncoding.EncodeToString([]byte(headerJSON))
	p := base64.RawURLEncoding.EncodeToString([]byte(payloadJSON))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(h + "." + p))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return h + "." + p + "." + sig
}

func newTestJWTVerifier(secret string, now time.Time) *JWTVerifier {
	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestJWTVerifier("s3cret", now)

	token := signJWT(t, "s3cret",
		`{"alg":"HS256","typ":"JWT"}`,
		`{"sub":"user-42","exp":1700000600}`,
	)

	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity != "user-42" {
		t.Errorf("identity = %q, want user-42", identity)
	}
}

func TestJWTVerifier_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestJWTVerifier("s3cret", now)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "wrong secret",
			token:   signJWT(t, "other", `{"alg":"HS256","typ":"JWT"}`, `{"exp":1700000600}`),
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "expired",
			token:   signJWT(t, "s3cret", `{"alg":"HS256","typ":"JWT"}`, `{"exp":1699999999}`),
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "missing exp",
			token:   signJWT(t, "s3cret", `{"alg":"HS256","typ":"JWT"}`, `{"sub":"user"}`),
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "not yet valid",
			token:   signJWT(t, "s3cret", `{"alg":"HS256","typ":"JWT"}`, `{"exp":1700000600,"nbf":1700000300}`),
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "alg none",
			token:   signJWT(t, "s3cret", `{"alg":"none","typ":"JWT"}`, `{"exp":1700000600}`),
			wantErr: ErrUnsupportedJWT,
		},
		{
			name:    "alg rs256",
			token:   signJWT(t, "s3cret", `{"alg":"RS256","typ":"JWT"}`, `{"exp":1700000600}`),
			wantErr: ErrUnsupportedJWT,
		},
		{
			name:    "not a jwt",
			token:   "definitely-not-a-jwt",
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "empty segment",
			token:   "..",
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "trailing payload data",
			token:   signJWT(t, "s3cret", `{"alg":"HS256","typ":"JWT"}`, `{"exp":1700000600}{"exp":9999999999}`),
			wantErr: ErrInvalidCredentials,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); !errors.Is(err, tc.wantErr) {
				t.Errorf("Verify = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestJWTVerifier_NbfInPast(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestJWTVerifier("s3cret", now)

	token := signJWT(t, "s3cret",
		`{"alg":"HS256","typ":"JWT"}`,
		`{"exp":1700000600,"nbf":1699999000}`,
	)
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("Verify with past nbf: %v", err)
	}
}
