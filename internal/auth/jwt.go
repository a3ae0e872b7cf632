package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// Hard size caps so a hostile credential cannot force large decodes.
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
)

// JWTVerifier verifies HS256 tokens signed with a shared secret. Required
// claims: exp (future). Optional: nbf (not yet valid before it), sub (the
// claimed identity handed to the relay).
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	headerB64, payloadB64, sigB64, ok := splitJWT(token)
	if !ok {
		return "", ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return "", ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return "", ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return "", ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	var claims struct {
		Sub string `json:"sub"`
		Exp *int64 `json:"exp"`
		Nbf *int64 `json:"nbf"`
	}
	if err := dec.Decode(&claims); err != nil {
		return "", ErrInvalidCredentials
	}
	// The payload must be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return "", ErrInvalidCredentials
	}

	now := v.now().Unix()
	if claims.Exp == nil || now >= *claims.Exp {
		return "", ErrInvalidCredentials
	}
	if claims.Nbf != nil && now < *claims.Nbf {
		return "", ErrInvalidCredentials
	}
	return claims.Sub, nil
}

func splitJWT(token string) (header, payload, sig string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	if len(parts[0]) > maxJWTHeaderB64Len || len(parts[1]) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
