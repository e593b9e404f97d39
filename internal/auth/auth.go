// Package auth implements the credential lifecycle: signed access
// tokens paired with stored, rotatable refresh credentials, plus the
// role-based access checks built on top of them.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/store"
)

const secretBytes = 64

// Principal identifies an authenticated request: the user plus the
// credential pair the presented token belongs to.
type Principal struct {
	UserID int64
	PairID int16
}

// RefreshToken is the client-held half of a credential pair, handed
// out once at issue time and never reconstructable afterwards.
type RefreshToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type Credentials struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	RefreshToken RefreshToken `json:"refresh_token"`
}

type Service struct {
	creds      store.CredentialStore
	codec      *TokenCodec
	accessTTL  time.Duration
	refreshTTL time.Duration
	bcryptCost int
}

func NewService(creds store.CredentialStore, codec *TokenCodec, accessTTL, refreshTTL time.Duration, bcryptCost int) *Service {
	return &Service{
		creds:      creds,
		codec:      codec,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		bcryptCost: bcryptCost,
	}
}

// IssueCredentials mints a new access/refresh pair for the user. The
// pair id is resampled until it collides with none of the user's
// stored pairs; the refresh secret is stored only as a bcrypt hash.
func (s *Service) IssueCredentials(ctx context.Context, userID int64) (Credentials, error) {
	existing, err := s.creds.ListPairIDs(ctx, userID)
	if err != nil {
		return Credentials{}, fmt.Errorf("list credential pairs: %w", err)
	}
	taken := make(map[int16]bool, len(existing))
	for _, id := range existing {
		taken[id] = true
	}

	pairID, err := samplePairID(taken)
	if err != nil {
		return Credentials{}, err
	}

	accessKey, err := randomHex(secretBytes)
	if err != nil {
		return Credentials{}, err
	}
	refreshSecret, err := randomHex(secretBytes)
	if err != nil {
		return Credentials{}, err
	}

	refreshHash, err := bcrypt.GenerateFromPassword([]byte(refreshSecret), s.bcryptCost)
	if err != nil {
		return Credentials{}, fmt.Errorf("hash refresh secret: %w", err)
	}

	now := time.Now()
	cred := model.Credential{
		UserID:         userID,
		PairID:         pairID,
		AccessKey:      accessKey,
		AccessExpires:  now.Add(s.accessTTL),
		RefreshHash:    string(refreshHash),
		RefreshExpires: now.Add(s.refreshTTL),
	}
	if err := s.creds.CreateCredential(ctx, cred); err != nil {
		return Credentials{}, fmt.Errorf("store credential: %w", err)
	}

	token, err := s.codec.Issue(userID, pairID, accessKey, s.accessTTL)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign access token: %w", err)
	}

	return Credentials{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
		RefreshToken: RefreshToken{
			Token:   fmt.Sprintf("%d/%d/%s", userID, pairID, refreshSecret),
			Expires: cred.RefreshExpires,
		},
	}, nil
}

// Authenticate verifies a bearer token against its stored pair. The
// access key must match the stored one exactly; a rotated or revoked
// pair therefore fails even while the token's signature is valid.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	cred, err := s.creds.GetCredential(ctx, claims.UserID, claims.PairID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if claims.AccessKey != cred.AccessKey {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.UserID, PairID: claims.PairID}, nil
}

// Refresh rotates a credential pair. The old pair is deleted before the
// new one is issued, and the delete's affected-row count is the replay
// guard: two racing refreshes of the same token cannot both succeed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	userID, pairID, secret, err := parseRefreshToken(refreshToken)
	if err != nil {
		return Credentials{}, ErrInvalidRefresh
	}

	cred, err := s.creds.GetCredential(ctx, userID, pairID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Credentials{}, ErrInvalidRefresh
		}
		return Credentials{}, err
	}
	if !time.Now().Before(cred.RefreshExpires) {
		return Credentials{}, ErrExpiredRefresh
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.RefreshHash), []byte(secret)) != nil {
		return Credentials{}, ErrInvalidRefresh
	}

	deleted, err := s.creds.DeleteCredential(ctx, userID, pairID)
	if err != nil {
		return Credentials{}, err
	}
	if !deleted {
		return Credentials{}, ErrInvalidRefresh
	}

	return s.IssueCredentials(ctx, userID)
}

// Revoke drops one credential pair, ending both halves at once.
func (s *Service) Revoke(ctx context.Context, userID int64, pairID int16) error {
	deleted, err := s.creds.DeleteCredential(ctx, userID, pairID)
	if err != nil {
		return err
	}
	if !deleted {
		return store.ErrNotFound
	}
	return nil
}

func parseRefreshToken(token string) (userID int64, pairID int16, secret string, err error) {
	parts := strings.SplitN(token, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return 0, 0, "", ErrInvalidRefresh
	}
	userID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", ErrInvalidRefresh
	}
	pair, err := strconv.ParseInt(parts[1], 10, 16)
	if err != nil {
		return 0, 0, "", ErrInvalidRefresh
	}
	return userID, int16(pair), parts[2], nil
}

func samplePairID(taken map[int16]bool) (int16, error) {
	if len(taken) >= 1<<16 {
		return 0, errors.New("credential pair ids exhausted")
	}
	var buf [2]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("sample pair id: %w", err)
		}
		id := int16(binary.BigEndian.Uint16(buf[:]))
		if !taken[id] {
			return id, nil
		}
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
