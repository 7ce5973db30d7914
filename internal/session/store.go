// Package session holds the bearer credential and the cached user profile,
// persisted through a pluggable Backend so the session survives restarts.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pagegen/internal/models"
	"github.com/rs/zerolog/log"
)

// Fixed persistence keys.
const (
	KeyCredential    = "token"
	KeyProfile       = "user"
	KeyActiveProduct = "active_product"
)

// Backend is a synchronous string key-value store.
type Backend interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// Store is the session of record for the current process.
type Store struct {
	mu            sync.RWMutex
	backend       Backend
	credential    string
	claims        tokenClaims
	profile       *models.Profile
	activeProduct string

	listenerMu sync.Mutex
	onClear    []func()

	now func() time.Time
}

// Open loads any persisted session from backend. Missing keys are the
// logged-out state, not an error.
func Open(backend Backend) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session backend is required")
	}
	s := &Store{backend: backend, now: time.Now}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backend, replacing in-memory state. A credential
// without a profile (or the reverse) loads as logged out.
func (s *Store) Reload() error {
	credential, hasCredential, err := s.backend.Get(KeyCredential)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	rawProfile, hasProfile, err := s.backend.Get(KeyProfile)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	active, _, err := s.backend.Get(KeyActiveProduct)
	if err != nil {
		return fmt.Errorf("load active product: %w", err)
	}

	credential = strings.TrimSpace(credential)
	var profile *models.Profile
	if hasCredential && hasProfile && credential != "" {
		var p models.Profile
		if err := json.Unmarshal([]byte(rawProfile), &p); err != nil {
			log.Warn().Err(err).Msg("Cached user profile is unreadable; treating session as logged out")
		} else {
			profile = &p
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if profile == nil {
		s.credential = ""
		s.claims = tokenClaims{}
		s.profile = nil
		s.activeProduct = ""
		return nil
	}
	s.credential = credential
	s.claims = parseTokenClaims(credential)
	s.profile = profile
	s.activeProduct = strings.TrimSpace(active)
	return nil
}

// Credential returns the bearer token. ok is false when logged out or when
// the token carries an exp claim in the past.
func (s *Store) Credential() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.credential == "" {
		return "", false
	}
	if s.claims.expired(s.now()) {
		return "", false
	}
	return s.credential, true
}

// CredentialExpired reports whether a credential is held but past its exp claim.
func (s *Store) CredentialExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential != "" && s.claims.expired(s.now())
}

// Profile returns a copy of the cached profile.
func (s *Store) Profile() (models.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.profile == nil {
		return models.Profile{}, false
	}
	return s.profile.Clone(), true
}

// UserID returns the profile id, falling back to the token's user claim.
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.profile != nil && s.profile.ID != "" {
		return s.profile.ID
	}
	return s.claims.UserID
}

// ActiveProduct returns the persisted product selection, if any.
func (s *Store) ActiveProduct() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeProduct
}

// SetCredential replaces the bearer token, keeping the cached profile.
func (s *Store) SetCredential(credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return errors.New("credential cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(KeyCredential, credential); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	s.credential = credential
	s.claims = parseTokenClaims(credential)
	return nil
}

// SetSession stores a credential and its profile together, as after login.
// The profile is written first so a crash never leaves a credential
// without its profile.
func (s *Store) SetSession(credential string, profile models.Profile) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return errors.New("credential cannot be empty")
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(KeyProfile, string(data)); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	if err := s.backend.Set(KeyCredential, credential); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	if err := s.backend.Delete(KeyActiveProduct); err != nil {
		log.Warn().Err(err).Msg("Failed to reset persisted product selection")
	}

	p := profile.Clone()
	s.credential = credential
	s.claims = parseTokenClaims(credential)
	s.profile = &p
	s.activeProduct = ""
	return nil
}

// ReplaceProfile swaps the cached profile wholesale. The in-memory copy is
// updated even when persistence fails; the error reports the durability loss.
func (s *Store) ReplaceProfile(profile models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceProfileLocked(profile)
}

// UpdateProfile applies fn to a copy of the cached profile and stores the
// result as one replacement. It fails when no profile is cached.
func (s *Store) UpdateProfile(fn func(*models.Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profile == nil {
		return ErrNoSession
	}
	next := s.profile.Clone()
	fn(&next)
	return s.replaceProfileLocked(next)
}

func (s *Store) replaceProfileLocked(profile models.Profile) error {
	p := profile.Clone()
	s.profile = &p

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.backend.Set(KeyProfile, string(data)); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

// SetActiveProduct persists the product selection; empty clears it.
func (s *Store) SetActiveProduct(productID string) error {
	productID = strings.TrimSpace(productID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeProduct = productID
	if productID == "" {
		return s.backend.Delete(KeyActiveProduct)
	}
	return s.backend.Set(KeyActiveProduct, productID)
}

// Clear logs out: credential, profile and selection disappear together.
// Clear listeners run after the state is gone.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.credential = ""
	s.claims = tokenClaims{}
	s.profile = nil
	s.activeProduct = ""
	// Credential first: a partially applied delete still loads as logged out.
	err := s.backend.Delete(KeyCredential, KeyProfile, KeyActiveProduct)
	s.mu.Unlock()

	s.listenerMu.Lock()
	listeners := append([]func(){}, s.onClear...)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn()
	}

	if err != nil {
		return fmt.Errorf("clear persisted session: %w", err)
	}
	return nil
}

// OnClear registers fn to run after every Clear.
func (s *Store) OnClear(fn func()) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onClear = append(s.onClear, fn)
}

// ErrNoSession is returned by operations that need a logged-in session.
var ErrNoSession = errors.New("no active session")
