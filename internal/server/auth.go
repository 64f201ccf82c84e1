package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies HS256 bearer tokens whose subject is the caller's
// address. The address becomes the command's caller.
type Authenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

// Issue signs a token for addr valid for ttl. Used by operators and tests.
func (a *Authenticator) Issue(addr common.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   addr.Hex(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// Authenticate parses a raw token, or an "Authorization" header value with
// its "Bearer " prefix, and returns the subject address.
func (a *Authenticator) Authenticate(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return common.Address{}, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return common.Address{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", ErrUnauthenticated)
	}
	return common.HexToAddress(claims.Subject), nil
}
