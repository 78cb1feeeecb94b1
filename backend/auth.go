package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a caller's bearer token.
type Verifier interface {
	Verify(ctx context.Context, raw string) error
}

// idTokenVerifier validates OIDC ID tokens.
type idTokenVerifier struct {
	v *oidc.IDTokenVerifier
}

func (v idTokenVerifier) Verify(ctx context.Context, raw string) error {
	_, err := v.v.Verify(ctx, raw)
	return err
}

// JWTVerifier validates JWT access tokens with a key function.
type JWTVerifier struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	closer   func()
}

// NewJWTVerifier returns a verifier that requires the given issuer and
// audience. keyfunc resolves signing keys, typically from a JWKS.
func NewJWTVerifier(kf jwt.Keyfunc, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{keyfunc: kf, issuer: issuer, audience: audience}
}

// Verify parses raw and checks signature, issuer, audience and expiry.
func (v *JWTVerifier) Verify(_ context.Context, raw string) error {
	tok, err := jwt.Parse(raw, v.keyfunc, jwt.WithAudience(v.audience), jwt.WithIssuer(v.issuer))
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("token invalid")
	}
	return nil
}

// Close stops the JWKS background refresh, if any.
func (v *JWTVerifier) Close() {
	if v.closer != nil {
		v.closer()
	}
}

// NewOIDCVerifier discovers the issuer and returns a verifier for the
// configured token type. Access tokens are checked against the issuer's JWKS,
// refreshed hourly.
func NewOIDCVerifier(ctx context.Context, cfg Config) (Verifier, error) {
	prov, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	if cfg.OIDCTokenType == TokenTypeID {
		return idTokenVerifier{v: prov.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience})}, nil
	}

	var disc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := prov.Claims(&disc); err != nil || disc.JWKSURI == "" {
		return nil, fmt.Errorf("failed to discover jwks_uri: %v", err)
	}
	jwks, err := keyfunc.Get(disc.JWKSURI, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	v := NewJWTVerifier(jwks.Keyfunc, cfg.OIDCIssuer, cfg.OIDCAudience)
	v.closer = jwks.EndBackground
	return v, nil
}

// requireBearer rejects requests without a token accepted by v. A nil
// verifier disables authentication.
func requireBearer(v Verifier, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			http.Error(w, "missing bearer", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(auth[len("Bearer "):])
		if err := v.Verify(r.Context(), raw); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors reflects allowed origins and answers preflight requests.
func cors(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || contains(allowed, origin) || contains(allowed, "*")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
