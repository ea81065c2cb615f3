// Package identity resolves pre-validated caller identities from bearer
// tokens. The realtime layer never trusts client-supplied user fields;
// whoever opens a connection must present a token minted by the external
// identity provider.
package identity

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adwski/gamehub/model"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrNoIdentity   = errors.New("token carries no identity")
)

// Provider authenticates a bearer token into an Identity.
type Provider interface {
	Authenticate(ctx context.Context, token string) (model.Identity, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// JWTProvider validates HS256 tokens carrying the user id in "sub" and
// the display name in "name". Expiry is honored when present.
type JWTProvider struct {
	secret []byte
}

func NewJWTProvider(secret []byte) *JWTProvider {
	return &JWTProvider{secret: secret}
}

func (p *JWTProvider) Authenticate(_ context.Context, token string) (model.Identity, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return model.Identity{}, errors.Join(ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return model.Identity{}, ErrNoIdentity
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return model.Identity{UserID: claims.Subject, DisplayName: name}, nil
}

// StaticProvider maps fixed tokens to identities. Useful for tests and
// local development.
type StaticProvider struct {
	tokens map[string]model.Identity
}

func NewStaticProvider(tokens map[string]model.Identity) *StaticProvider {
	return &StaticProvider{tokens: tokens}
}

func (p *StaticProvider) Authenticate(_ context.Context, token string) (model.Identity, error) {
	id, ok := p.tokens[token]
	if !ok {
		return model.Identity{}, ErrTokenInvalid
	}
	return id, nil
}
