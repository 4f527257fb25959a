package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/auth/v2"
	"github.com/go-pkgz/auth/v2/avatar"
	"github.com/go-pkgz/auth/v2/token"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier implements Verifier on top of the go-pkgz/auth token
// service. Tokens are signed JWTs issued by the same shared secret.
type TokenVerifier struct {
	svc *auth.Service
}

// NewTokenVerifier creates a TokenVerifier with the given signing secret.
func NewTokenVerifier(secret, issuer, appURL string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if issuer == "" {
		issuer = "ledgerlens"
	}

	svc := auth.NewService(auth.Opts{
		SecretReader: token.SecretFunc(func(id string) (string, error) {
			return secret, nil
		}),
		TokenDuration:  time.Hour * 24,
		CookieDuration: time.Hour * 24 * 7,
		Issuer:         issuer,
		URL:            appURL,
		AvatarStore:    avatar.NewNoOp(),
	})

	return &TokenVerifier{svc: svc}, nil
}

// Mint issues a signed bearer token for the principal. It exists for local
// setups and tests; production tokens normally come from the auth frontend.
func (v *TokenVerifier) Mint(principal *Principal, ttl time.Duration) (string, error) {
	claims := token.Claims{
		User: &token.User{
			ID:    principal.UserID,
			Email: principal.Email,
			Attributes: map[string]interface{}{
				"email_verified": principal.EmailVerified,
			},
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.svc.TokenService().Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	tokenStr, err := v.svc.TokenService().Token(claims)
	if err != nil {
		return "", fmt.Errorf("minting token: %w", err)
	}
	return tokenStr, nil
}

// Verify parses and validates the bearer token and maps its claims onto a
// Principal.
func (v *TokenVerifier) Verify(ctx context.Context, credential string) (*Principal, error) {
	claims, err := v.svc.TokenService().Parse(credential)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if claims.User == nil {
		return nil, fmt.Errorf("token has no user claims")
	}

	return &Principal{
		UserID:        claims.User.ID,
		Email:         claims.User.Email,
		EmailVerified: claims.User.BoolAttr("email_verified"),
	}, nil
}
