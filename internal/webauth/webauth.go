// Package webauth validates the Bearer JWT the Validator HTTP API
// requires on every route but /health (section 6), fetching the
// issuer's JWKS and caching it for an hour via internal/cache, the
// same TTL-map primitive the nonce replay cache builds on.
package webauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/one-covenant/basilica-sub001/internal/cache"
)

// Code distinguishes missing-auth from invalid-auth at the HTTP
// boundary, per section 6's "error codes distinguish missing vs
// invalid auth" requirement.
type Code string

const (
	// CodeMissing is returned when no Authorization header is present
	// at all.
	CodeMissing Code = "BASILICA_API_AUTH_MISSING"
	// CodeInvalid covers every other failure: malformed token, bad
	// signature, expired, wrong audience/issuer.
	CodeInvalid Code = "BASILICA_API_AUTH_INVALID"
)

// AuthError is the typed error the HTTP layer serializes into the JSON
// error body's "code" field.
type AuthError struct {
	Code    Code
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func missing() *AuthError { return &AuthError{Code: CodeMissing, Message: "authorization header required"} }

func invalid(format string, args ...any) *AuthError {
	return &AuthError{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

// Claims is the subset of standard JWT claims the validator cares
// about, plus the raw parsed claims for any caller that needs more.
type Claims struct {
	Subject  string
	Audience []string
	Issuer   string
	Raw      jwt.MapClaims
}

// Config tunes the validator's expected audience/issuer and JWKS
// endpoint.
type Config struct {
	Issuer       string
	Audience     string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	HTTPClient   *http.Client
}

func (c Config) withDefaults() Config {
	if c.JWKSCacheTTL <= 0 {
		c.JWKSCacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

// Validator validates Bearer JWTs against a JWKS fetched from cfg.JWKSURL
// and cached for cfg.JWKSCacheTTL.
type Validator struct {
	cfg   Config
	jwks  *cache.Cache
}

const jwksCacheKey = "jwks"

// New builds a Validator. The JWKS cache has no janitor: one key, one
// TTL, nothing to sweep between fetches.
func New(cfg Config) *Validator {
	cfg = cfg.withDefaults()
	return &Validator{
		cfg:  cfg,
		jwks: cache.New(cache.Config{DefaultTTL: cfg.JWKSCacheTTL}),
	}
}

// ExtractToken pulls the bearer token from an Authorization header,
// returning a missing-auth AuthError if absent.
func ExtractToken(header string) (string, *AuthError) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", missing()
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", invalid("malformed authorization header")
	}
	return parts[1], nil
}

// Validate parses and verifies token against the cached JWKS,
// checking audience and issuer.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, *AuthError) {
	set, err := v.keySet(ctx)
	if err != nil {
		return nil, invalid("fetch jwks: %v", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := set[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, invalid("parse token: %v", err)
	}
	if !parsed.Valid {
		return nil, invalid("token not valid")
	}

	if v.cfg.Audience != "" && !audienceMatches(claims, v.cfg.Audience) {
		return nil, invalid("audience mismatch")
	}
	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, invalid("issuer mismatch")
		}
	}

	sub, _ := claims.GetSubject()
	iss, _ := claims.GetIssuer()
	aud, _ := claims.GetAudience()
	return &Claims{Subject: sub, Audience: aud, Issuer: iss, Raw: claims}, nil
}

func audienceMatches(claims jwt.MapClaims, want string) bool {
	aud, _ := claims.GetAudience()
	for _, a := range aud {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

// keySet returns the cached JWKS key-id-to-public-key map, fetching and
// caching it on a miss.
func (v *Validator) keySet(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if cached, ok := v.jwks.Get(jwksCacheKey); ok {
		return cached.(map[string]*rsa.PublicKey), nil
	}

	set, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	v.jwks.Set(jwksCacheKey, set)
	return set, nil
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Validator) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
