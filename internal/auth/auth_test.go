package auth

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/store"
)

type credKey struct {
	userID int64
	pairID int16
}

// memCredStore is an in-memory store.CredentialStore for unit tests.
type memCredStore struct {
	creds map[credKey]model.Credential
}

func newMemCredStore() *memCredStore {
	return &memCredStore{creds: make(map[credKey]model.Credential)}
}

func (m *memCredStore) CreateCredential(_ context.Context, cred model.Credential) error {
	key := credKey{cred.UserID, cred.PairID}
	if _, ok := m.creds[key]; ok {
		return fmt.Errorf("pair %d already exists", cred.PairID)
	}
	m.creds[key] = cred
	return nil
}

func (m *memCredStore) GetCredential(_ context.Context, userID int64, pairID int16) (model.Credential, error) {
	cred, ok := m.creds[credKey{userID, pairID}]
	if !ok {
		return model.Credential{}, store.ErrNotFound
	}
	return cred, nil
}

func (m *memCredStore) ListPairIDs(_ context.Context, userID int64) ([]int16, error) {
	var ids []int16
	for key := range m.creds {
		if key.userID == userID {
			ids = append(ids, key.pairID)
		}
	}
	return ids, nil
}

func (m *memCredStore) DeleteCredential(_ context.Context, userID int64, pairID int16) (bool, error) {
	key := credKey{userID, pairID}
	if _, ok := m.creds[key]; !ok {
		return false, nil
	}
	delete(m.creds, key)
	return true, nil
}

func newTestService(refreshTTL time.Duration) (*Service, *memCredStore) {
	creds := newMemCredStore()
	codec := NewTokenCodec([]byte("test-secret"))
	return NewService(creds, codec, time.Hour, refreshTTL, bcrypt.MinCost), creds
}

func TestIssueCredentials(t *testing.T) {
	svc, creds := newTestService(time.Hour)

	issued, err := svc.IssueCredentials(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, "Bearer", issued.TokenType)
	assert.Equal(t, int64(3600), issued.ExpiresIn)
	assert.NotEmpty(t, issued.AccessToken)
	assert.Len(t, creds.creds, 1)

	parts := strings.SplitN(issued.RefreshToken.Token, "/", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "1", parts[0])
	// 64 random bytes, hex encoded
	assert.Len(t, parts[2], 128)
}

func TestIssueCredentialsDistinctPairs(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	seen := make(map[int16]bool)
	for i := 0; i < 10; i++ {
		issued, err := svc.IssueCredentials(context.Background(), 1)
		require.NoError(t, err)
		_, pairID, _, err := parseRefreshToken(issued.RefreshToken.Token)
		require.NoError(t, err)
		assert.False(t, seen[pairID], "pair id %d issued twice", pairID)
		seen[pairID] = true
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	issued, err := svc.IssueCredentials(context.Background(), 9)
	require.NoError(t, err)

	principal, err := svc.Authenticate(context.Background(), issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(9), principal.UserID)
}

func TestAuthenticateRevokedPair(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	issued, err := svc.IssueCredentials(context.Background(), 9)
	require.NoError(t, err)

	principal, err := svc.Authenticate(context.Background(), issued.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), principal.UserID, principal.PairID))

	_, err = svc.Authenticate(context.Background(), issued.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRotation(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	issued, err := svc.IssueCredentials(context.Background(), 5)
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), issued.RefreshToken.Token)
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, rotated.AccessToken)

	// The new pair authenticates, the old one does not.
	_, err = svc.Authenticate(context.Background(), rotated.AccessToken)
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), issued.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Spending the same refresh token twice fails.
	_, err = svc.Refresh(context.Background(), issued.RefreshToken.Token)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefreshExpired(t *testing.T) {
	svc, _ := newTestService(-time.Minute)

	issued, err := svc.IssueCredentials(context.Background(), 5)
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), issued.RefreshToken.Token)
	assert.ErrorIs(t, err, ErrExpiredRefresh)
}

func TestRefreshMalformed(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	for _, token := range []string{"", "abc", "1/2", "x/2/secret", "1/y/secret", "1/2/"} {
		_, err := svc.Refresh(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidRefresh, "token %q", token)
	}
}

func TestRefreshWrongSecret(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	issued, err := svc.IssueCredentials(context.Background(), 5)
	require.NoError(t, err)

	userID, pairID, _, err := parseRefreshToken(issued.RefreshToken.Token)
	require.NoError(t, err)

	forged := fmt.Sprintf("%d/%d/%s", userID, pairID, strings.Repeat("ab", 64))
	_, err = svc.Refresh(context.Background(), forged)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	// The pair survives a failed secret check.
	_, err = svc.Refresh(context.Background(), issued.RefreshToken.Token)
	assert.NoError(t, err)
}
