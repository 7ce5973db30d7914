package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/pagegen/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func sampleProfile() models.Profile {
	expires := time.Date(2031, 5, 1, 12, 0, 0, 0, time.UTC)
	return models.Profile{
		ID:    "user-1",
		Name:  "Ada",
		Email: "ada@example.com",
		ProductAccess: []models.Record{
			{ProductID: "A", ProductName: "Alpha", IsActive: true, RemainingUsage: 3, UsageCount: 7, ExpiresAt: &expires},
			{ProductID: "B", ProductName: "Beta", IsExpired: true},
		},
	}
}

func TestOpenEmptyBackendIsLoggedOut(t *testing.T) {
	s, err := Open(NewMemoryBackend())
	require.NoError(t, err)

	_, ok := s.Credential()
	assert.False(t, ok)
	_, ok = s.Profile()
	assert.False(t, ok)
	assert.Empty(t, s.UserID())
}

func TestOpenRequiresBackend(t *testing.T) {
	_, err := Open(nil)
	require.Error(t, err)
}

func TestSessionRoundTripReproducesRecords(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := Open(backend)
	require.NoError(t, err)

	profile := sampleProfile()
	require.NoError(t, s.SetSession("opaque-token", profile))
	require.NoError(t, s.SetActiveProduct("A"))

	reloaded, err := Open(backend)
	require.NoError(t, err)

	cred, ok := reloaded.Credential()
	require.True(t, ok)
	assert.Equal(t, "opaque-token", cred)

	got, ok := reloaded.Profile()
	require.True(t, ok)
	assert.Equal(t, profile, got)
	assert.Equal(t, "A", reloaded.ActiveProduct())
}

func TestHalfPresentSessionLoadsAsLoggedOut(t *testing.T) {
	t.Run("credential without profile", func(t *testing.T) {
		backend := NewMemoryBackend()
		require.NoError(t, backend.Set(KeyCredential, "tok"))

		s, err := Open(backend)
		require.NoError(t, err)
		_, ok := s.Credential()
		assert.False(t, ok)
	})

	t.Run("profile without credential", func(t *testing.T) {
		backend := NewMemoryBackend()
		data, _ := json.Marshal(sampleProfile())
		require.NoError(t, backend.Set(KeyProfile, string(data)))

		s, err := Open(backend)
		require.NoError(t, err)
		_, ok := s.Profile()
		assert.False(t, ok)
	})

	t.Run("unreadable profile", func(t *testing.T) {
		backend := NewMemoryBackend()
		require.NoError(t, backend.Set(KeyCredential, "tok"))
		require.NoError(t, backend.Set(KeyProfile, "{not json"))

		s, err := Open(backend)
		require.NoError(t, err)
		_, ok := s.Credential()
		assert.False(t, ok)
	})
}

func TestExpiredJWTReportsNoCredential(t *testing.T) {
	s, err := Open(NewMemoryBackend())
	require.NoError(t, err)

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token := signedToken(t, jwt.MapClaims{"id": "user-9", "exp": now.Add(time.Hour).Unix()})
	require.NoError(t, s.SetSession(token, models.Profile{}))

	_, ok := s.Credential()
	assert.True(t, ok)
	assert.False(t, s.CredentialExpired())
	assert.Equal(t, "user-9", s.UserID(), "user id falls back to the token claim")

	now = now.Add(2 * time.Hour)
	_, ok = s.Credential()
	assert.False(t, ok)
	assert.True(t, s.CredentialExpired())
}

func TestSubjectClaimUsedWhenNoIDClaim(t *testing.T) {
	claims := parseTokenClaims(signedToken(t, jwt.MapClaims{"sub": "subject-1"}))
	assert.Equal(t, "subject-1", claims.UserID)
	assert.True(t, claims.ExpiresAt.IsZero())

	assert.Equal(t, tokenClaims{}, parseTokenClaims("not-a-jwt"))
}

func TestClearRemovesEverythingAndNotifies(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := Open(backend)
	require.NoError(t, err)
	require.NoError(t, s.SetSession("tok", sampleProfile()))
	require.NoError(t, s.SetActiveProduct("A"))

	var observedCredential bool
	calls := 0
	s.OnClear(func() {
		calls++
		_, observedCredential = s.Credential()
	})
	s.OnClear(nil)

	require.NoError(t, s.Clear())
	assert.Equal(t, 1, calls)
	assert.False(t, observedCredential, "listeners run after state is gone")

	for _, key := range []string{KeyCredential, KeyProfile, KeyActiveProduct} {
		_, ok, err := backend.Get(key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	assert.Empty(t, s.ActiveProduct())
}

func TestUpdateProfileRequiresSession(t *testing.T) {
	s, err := Open(NewMemoryBackend())
	require.NoError(t, err)

	err = s.UpdateProfile(func(p *models.Profile) {})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUpdateProfilePersistsReplacement(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := Open(backend)
	require.NoError(t, err)
	require.NoError(t, s.SetSession("tok", sampleProfile()))

	require.NoError(t, s.UpdateProfile(func(p *models.Profile) {
		p.ProductAccess[0].RemainingUsage = 2
	}))

	reloaded, err := Open(backend)
	require.NoError(t, err)
	p, ok := reloaded.Profile()
	require.True(t, ok)
	assert.Equal(t, int64(2), p.ProductAccess[0].RemainingUsage)
}

type failingBackend struct {
	*MemoryBackend
	failSet bool
}

func (f *failingBackend) Set(key, value string) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Set(key, value)
}

func TestReplaceProfileKeepsMemoryWhenPersistFails(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	s, err := Open(backend)
	require.NoError(t, err)
	require.NoError(t, s.SetSession("tok", sampleProfile()))

	backend.failSet = true
	next := sampleProfile()
	next.Name = "Grace"
	err = s.ReplaceProfile(next)
	require.Error(t, err)

	p, _ := s.Profile()
	assert.Equal(t, "Grace", p.Name)
}

func TestSetSessionResetsSelection(t *testing.T) {
	s, err := Open(NewMemoryBackend())
	require.NoError(t, err)
	require.NoError(t, s.SetSession("tok", sampleProfile()))
	require.NoError(t, s.SetActiveProduct("A"))

	require.NoError(t, s.SetSession("tok2", sampleProfile()))
	assert.Empty(t, s.ActiveProduct())
	assert.Error(t, s.SetCredential("  "))
}

func TestProfileReturnsCopy(t *testing.T) {
	s, err := Open(NewMemoryBackend())
	require.NoError(t, err)
	require.NoError(t, s.SetSession("tok", sampleProfile()))

	p, _ := s.Profile()
	p.ProductAccess[0].RemainingUsage = 0

	again, _ := s.Profile()
	assert.Equal(t, int64(3), again.ProductAccess[0].RemainingUsage)
}
