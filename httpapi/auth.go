package httpapi

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jwt "github.com/dgrijalva/jwt-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// JWTAuth validates RSA-signed bearer tokens on the mutating routes,
// grounded on the teacher's initKeys/validateTokenMiddleware pair in
// server/api.go, optionally backed by an external OIDC provider for
// interactive logins (teacher: coreos/go-oidc + golang.org/x/oauth2).
type JWTAuth struct {
	VerificationKey *rsa.PublicKey
	SigningKey      *rsa.PrivateKey

	OIDCProvider *oidc.Provider
	OAuth2Config *oauth2.Config
}

// NewOIDCAuth configures the optional external-IdP login path alongside
// local RSA token validation.
func NewOIDCAuth(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, signingKey *rsa.PrivateKey) (*JWTAuth, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &JWTAuth{
		SigningKey:      signingKey,
		VerificationKey: &signingKey.PublicKey,
		OIDCProvider:    provider,
		OAuth2Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// IssueToken signs a short-lived bearer token for subject.
func (a *JWTAuth) IssueToken(subject string) (string, error) {
	claims := jwt.StandardClaims{
		Subject:   subject,
		ExpiresAt: time.Now().Add(12 * time.Hour).Unix(),
		IssuedAt:  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.SigningKey)
}

// Middleware is a negroni.HandlerFunc validating the Authorization: Bearer
// header before letting the mutating route run.
func (a *JWTAuth) Middleware(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.VerificationKey, nil
	})
	if err != nil {
		log.WithError(err).Warn("httpapi: token validation failed")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	next(w, r)
}
