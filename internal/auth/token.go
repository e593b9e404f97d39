package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidRefresh = errors.New("invalid refresh token")
	ErrExpiredRefresh = errors.New("expired refresh token")
)

// Claims is the access-token payload. AccessKey binds the token to one
// stored credential pair; possession of a validly signed token alone is
// not enough to authenticate.
type Claims struct {
	UserID    int64  `json:"user_id"`
	PairID    int16  `json:"pair_id"`
	AccessKey string `json:"access_key"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies HS256 access tokens.
type TokenCodec struct {
	secret []byte
}

func NewTokenCodec(secret []byte) *TokenCodec {
	return &TokenCodec{secret: secret}
}

func (c *TokenCodec) Issue(userID int64, pairID int16, accessKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		PairID:    pairID,
		AccessKey: accessKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify parses and validates a signed access token. Any failure
// (signature, structure, signing method, expiry) collapses to
// ErrInvalidToken; callers get no more detail than the bearer does.
func (c *TokenCodec) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	// A token presented at exactly its expiry instant is already stale.
	if claims.ExpiresAt == nil || !time.Now().Before(claims.ExpiresAt.Time) {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
