package controlplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer     = "hostd"
	DefaultTokenTTL = time.Hour
)

// AccessClaims are carried by tokens issued through AccessToken.
type AccessClaims struct {
	GroupID string `json:"groupId"`
	jwt.RegisteredClaims
}

// IssueAccessToken signs an HS256 token for subject with the group secret.
func IssueAccessToken(secret, group, subject string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("controlplane: no secret configured")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	expires := now.Add(ttl).Truncate(time.Second)
	claims := AccessClaims{
		GroupID: group,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("controlplane: sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseAccessToken verifies a token issued by IssueAccessToken.
func ParseAccessToken(secret, token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("controlplane: invalid token: %w", err)
	}
	return claims, nil
}
