package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/models"
)

// Identity is the authenticated caller behind a connection or request.
type Identity struct {
	ID   string
	Role models.Role
}

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	alg    string
	pubKey *rsa.PublicKey
	secret []byte
}

func NewJWTValidator(alg, secret, pubKeyPath string) (*JWTValidator, error) {
	jv := &JWTValidator{alg: strings.ToUpper(alg)}
	switch jv.alg {
	case "RS256":
		b, err := os.ReadFile(pubKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read pubkey: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(b)
		if err != nil {
			return nil, fmt.Errorf("parse pubkey: %w", err)
		}
		jv.pubKey = key
	case "HS256", "":
		if secret == "" {
			return nil, errors.New("hs256 secret required")
		}
		jv.alg = "HS256"
		jv.secret = []byte(secret)
	default:
		return nil, fmt.Errorf("unsupported alg %q", alg)
	}
	return jv, nil
}

func (j *JWTValidator) keyFunc(t *jwt.Token) (interface{}, error) {
	if j.alg == "RS256" {
		return j.pubKey, nil
	}
	return j.secret, nil
}

// AuthenticateConnection resolves a bearer token to an Identity. Any failure
// is reported as chaterr.ErrUnauthorized.
func (j *JWTValidator) AuthenticateConnection(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", chaterr.ErrUnauthorized)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{j.alg}), jwt.WithExpirationRequired())
	var claims Claims
	tok, err := parser.ParseWithClaims(token, &claims, j.keyFunc)
	if err != nil || !tok.Valid {
		return Identity{}, fmt.Errorf("%w: %v", chaterr.ErrUnauthorized, err)
	}
	id := claims.Subject
	if id == "" {
		id = claims.UserID
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", chaterr.ErrUnauthorized)
	}
	role := models.Role(claims.Role)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: role %q not allowed in chat", chaterr.ErrUnauthorized, claims.Role)
	}
	return Identity{ID: id, Role: role}, nil
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
