package token

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeFeedRead grants access to /feed.json and the TAXII collection
const ScopeFeedRead = "feed:read"

// ---- Public types ----

type ReaderClaims struct {
	Scope string `json:"scope"`
	Feed  string `json:"feed,omitempty"`
	jwt.RegisteredClaims
}

type Keyring struct {
	Alg        string
	Keys       map[string][]byte // kid -> secret
	CurrentKID string
	Issuer     string
	SkewSec    int
	// MaxTTL caps Sign() so reader tokens cannot be minted for years.
	MaxTTL time.Duration
}

// ---- Errors ----

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMissingKID     = errors.New("missing kid")
	ErrUnknownKID     = errors.New("unknown kid")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrExpMissing     = errors.New("exp missing")
	ErrScope          = errors.New("insufficient scope")
	ErrFeedMismatch   = errors.New("token not valid for this feed")
)

// ---- Constructors ----

// NewKeyring loads base64url secrets. alg must be an HMAC algorithm.
func NewKeyring(alg string, keys map[string]string, current, iss string, skew int) (*Keyring, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, errors.New("unsupported alg (expected HS256/384/512)")
	}
	kr := &Keyring{
		Alg:     alg,
		Keys:    make(map[string][]byte, len(keys)),
		Issuer:  iss,
		SkewSec: skew,
		MaxTTL:  90 * 24 * time.Hour,
	}
	for kid, b64 := range keys {
		dec, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		if len(dec) < 16 {
			return nil, errors.New("signing key too short; need >=16 bytes")
		}
		kr.Keys[kid] = dec
	}
	if _, ok := kr.Keys[current]; !ok {
		return nil, errors.New("current_kid not found in keys")
	}
	kr.CurrentKID = current
	if kr.Issuer == "" {
		kr.Issuer = "osseccti"
	}
	return kr, nil
}

// ---- Operations ----

// Sign mints a reader token for feedID (empty = any feed). ttl is clamped
// to MaxTTL.
func (k *Keyring) Sign(scope, feedID, subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if ttl > k.MaxTTL {
		ttl = k.MaxTTL
	}
	now := time.Now()
	claims := ReaderClaims{
		Scope: scope,
		Feed:  feedID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    k.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.GetSigningMethod(k.Alg), claims)
	t.Header["kid"] = k.CurrentKID
	return t.SignedString(k.Keys[k.CurrentKID])
}

// Verify checks signature, issuer and expiry, then that the token carries
// scope and is valid for feedID.
func (k *Keyring) Verify(tok, scope, feedID string) (*ReaderClaims, error) {
	if tok == "" {
		return nil, ErrEmptyToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{k.Alg}),
		jwt.WithStrictDecoding(),
		jwt.WithLeeway(time.Duration(k.SkewSec)*time.Second),
		jwt.WithExpirationRequired(),
	)

	var claims ReaderClaims
	token, err := parser.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		kidVal, ok := t.Header["kid"]
		if !ok {
			return nil, ErrMissingKID
		}
		kid, _ := kidVal.(string)
		secret, ok := k.Keys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
			return nil, ErrExpMissing
		}
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(k.Issuer)) != 1 {
		return nil, ErrIssuerMismatch
	}
	if !hasScope(claims.Scope, scope) {
		return &claims, ErrScope
	}
	if claims.Feed != "" && claims.Feed != feedID {
		return &claims, ErrFeedMismatch
	}
	return &claims, nil
}

func hasScope(granted, want string) bool {
	for _, s := range strings.Fields(granted) {
		if s == want {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid bearer token for feedID
func (k *Keyring) Middleware(scope, feedID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="osseccti"`)
				http.Error(w, "bearer token required", http.StatusUnauthorized)
				return
			}
			if _, err := k.Verify(strings.TrimSpace(tok), scope, feedID); err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrScope) || errors.Is(err, ErrFeedMismatch) {
					status = http.StatusForbidden
				}
				http.Error(w, err.Error(), status)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
