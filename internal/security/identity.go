package security

import (
	"crypto"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed, fails verification or has no subject.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoToken is returned when no agent token is configured.
	ErrNoToken = errors.New("agent token is not set")
)

// SelfIdentity returns the sub claim of the agent's access token. When
// publicKey is set the signature, expiry, issuer and audience are verified;
// otherwise the token is parsed without verification, as the backend verifies
// it on every API call anyway. Empty issuer or audience are not checked.
func SelfIdentity(token, publicKey, issuer, audience string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", ErrNoToken
	}

	var claims jwt.RegisteredClaims
	if strings.TrimSpace(publicKey) == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		pub, err := ParsePublicKey(publicKey)
		if err != nil {
			return "", fmt.Errorf("security: public key: %w", err)
		}
		if err := verify(token, pub, issuer, audience, &claims); err != nil {
			return "", err
		}
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func verify(token string, pub crypto.PublicKey, issuer, audience string, claims *jwt.RegisteredClaims) error {
	algs := KeyAlg(pub)
	if len(algs) == 0 {
		return fmt.Errorf("security: public key: %w", ErrInvalidKey)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(algs), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
