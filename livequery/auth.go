package livequery

import (
	"context"
	"errors"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// verifies an auth token and returns the session attributes it grants
type Authorizer interface {
	Authorize(ctx context.Context, authToken string) (map[string]any, error)
}

type AuthorizerFunc func(ctx context.Context, authToken string) (map[string]any, error)

func (self AuthorizerFunc) Authorize(ctx context.Context, authToken string) (map[string]any, error) {
	return self(ctx, authToken)
}

// HS256 jwt. The verified claims become the session attributes.
type JwtAuthorizer struct {
	secretKey []byte
	parser    *gojwt.Parser
}

func NewJwtAuthorizer(secretKey []byte) *JwtAuthorizer {
	return &JwtAuthorizer{
		secretKey: secretKey,
		parser:    gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})),
	}
}

func (self *JwtAuthorizer) Authorize(ctx context.Context, authToken string) (map[string]any, error) {
	authToken = stripAuthScheme(authToken)
	if authToken == "" {
		return nil, errors.New("Missing auth token.")
	}

	claims := gojwt.MapClaims{}
	_, err := self.parser.ParseWithClaims(authToken, claims, func(token *gojwt.Token) (any, error) {
		return self.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any(claims), nil
}

// accepts "Bearer <token>" and "JWT <token>" as well as the bare token
func stripAuthScheme(authToken string) string {
	authToken = strings.TrimSpace(authToken)
	for _, scheme := range []string{"Bearer ", "JWT "} {
		if strings.HasPrefix(authToken, scheme) {
			return strings.TrimSpace(authToken[len(scheme):])
		}
	}
	return authToken
}

// signs an HS256 token with the given claims
func NewJwt(secretKey []byte, claims map[string]any) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims(claims))
	return token.SignedString(secretKey)
}
