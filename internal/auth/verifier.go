package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig selects the verification algorithm and key source.
// HS256 uses the shared kiosk secret; RS256 takes a PEM public key or a
// JWKS endpoint for staff tokens minted by a central identity provider.
type VerifierConfig struct {
	Algorithm string // "HS256" or "RS256"

	SecretKey    string
	PublicKeyPEM string
	JWKSURL      string

	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// Verifier validates bearer tokens and extracts Claims.
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey

	jwksMu    sync.RWMutex
	jwksCache map[string]jwksEntry
	lastFetch time.Time

	httpClient *http.Client
}

type jwksEntry struct {
	key     *rsa.PublicKey
	fetched time.Time
}

// NewVerifier creates a verifier, loading keys eagerly so misconfiguration
// fails at startup instead of on the first request.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	v := &Verifier{
		config:     config,
		jwksCache:  make(map[string]jwksEntry),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	switch config.Algorithm {
	case "RS256":
		if config.PublicKeyPEM != "" {
			if err := v.loadPublicKeyPEM(config.PublicKeyPEM); err != nil {
				return nil, fmt.Errorf("load public key: %w", err)
			}
		}
		if config.JWKSURL != "" {
			if err := v.fetchJWKS(); err != nil {
				return nil, fmt.Errorf("initial JWKS fetch: %w", err)
			}
		}
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires a secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}
	return v, nil
}

// VerifyToken validates the token signature and claims shape.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("empty token")
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != v.config.Algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if v.config.Algorithm == "HS256" {
			return []byte(v.config.SecretKey), nil
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if v.publicKey == nil {
				return nil, fmt.Errorf("no public key available")
			}
			return v.publicKey, nil
		}
		return v.keyForKid(kid)
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	mapClaims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return extractClaims(mapClaims)
}

func extractClaims(claims *jwt.MapClaims) (*Claims, error) {
	sub, ok := (*claims)["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}
	roles, err := stringSliceClaim(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSliceClaim(claims, "scopes")
	if err != nil {
		return nil, err
	}
	if !validValues(roles, RoleKiosk, RoleStaff) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}
	if !validValues(scopes, ScopeRead, ScopeControl, ScopeEvents) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}
	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSliceClaim(claims *jwt.MapClaims, key string) ([]string, error) {
	value, ok := (*claims)[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}
	switch val := value.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string array", key)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

func validValues(values []string, allowed ...string) bool {
	if len(values) == 0 {
		return false
	}
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	for _, val := range values {
		if !ok[val] {
			return false
		}
	}
	return true
}

func (v *Verifier) loadPublicKeyPEM(pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}
	v.publicKey = rsaPub
	return nil
}

// keyForKid returns the cached JWKS key, refreshing the set when the cache
// entry is stale or missing.
func (v *Verifier) keyForKid(kid string) (*rsa.PublicKey, error) {
	v.jwksMu.RLock()
	entry, exists := v.jwksCache[kid]
	lastFetch := v.lastFetch
	v.jwksMu.RUnlock()

	if exists && time.Since(entry.fetched) < v.config.JWKSCacheTimeout {
		return entry.key, nil
	}
	if time.Since(lastFetch) > v.config.JWKSRefreshInterval {
		if err := v.fetchJWKS(); err != nil {
			return nil, fmt.Errorf("refresh JWKS: %w", err)
		}
		v.jwksMu.RLock()
		entry, exists = v.jwksCache[kid]
		v.jwksMu.RUnlock()
	}
	if !exists {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return entry.key, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func (v *Verifier) fetchJWKS() error {
	if v.config.JWKSURL == "" {
		return fmt.Errorf("JWKS URL not configured")
	}
	resp, err := v.httpClient.Get(v.config.JWKSURL)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read JWKS response: %w", err)
	}
	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("parse JWKS: %w", err)
	}

	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()
	now := time.Now()
	for _, key := range set.Keys {
		if key.Kty != "RSA" || key.Use != "sig" || key.Alg != "RS256" {
			continue
		}
		pub, err := jwkToRSA(key)
		if err != nil {
			continue
		}
		v.jwksCache[key.Kid] = jwksEntry{key: pub, fetched: now}
	}
	v.lastFetch = now
	return nil
}

func jwkToRSA(key jwk) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(key.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64URLDecode(key.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := 0
	for _, b := range e {
		exp = exp<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
