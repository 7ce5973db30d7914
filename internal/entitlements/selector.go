package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/metrics"
	"github.com/rcourtman/pagegen/internal/models"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State is the selector's position in the entitlement state machine.
type State int

const (
	StateUninitialized State = iota
	StateNoEntitlements
	StateHasActive
	StateHasCandidatesNoActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNoEntitlements:
		return "no_entitlements"
	case StateHasActive:
		return "has_active"
	case StateHasCandidatesNoActive:
		return "has_candidates_no_active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mode says where the isActive flag lives.
type Mode string

const (
	// ModeServer switches through the admin product-access endpoint and
	// re-reads the server's flags.
	ModeServer Mode = "server"
	// ModeLocal keeps the selection on this machine only.
	ModeLocal Mode = "local"
)

// ParseMode accepts "server" or "local"; empty means server.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeServer:
		return ModeServer, nil
	case ModeLocal:
		return ModeLocal, nil
	}
	return "", fmt.Errorf("unknown switch mode %q (want server or local)", s)
}

var (
	// ErrProductNotSelectable is returned when switching to a product that is
	// missing or expired. The current selection is left untouched.
	ErrProductNotSelectable = errors.New("product is not a selectable candidate")
	// ErrUnknownProduct is returned by ApplyUsage for a product not in the current set.
	ErrUnknownProduct = errors.New("product not in current entitlements")
	errStaleFetch     = errors.New("entitlements changed while fetch was in flight")
)

// SwitchError reports a server-mode switch that did not take effect.
type SwitchError struct {
	Target string
	// Failed lists products whose isActive update was rejected.
	Failed []string
	Err    error
}

func (e *SwitchError) Error() string {
	msg := fmt.Sprintf("switch to %s did not take effect", e.Target)
	if len(e.Failed) > 0 {
		msg += fmt.Sprintf(" (updates failed for %s)", strings.Join(e.Failed, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SwitchError) Unwrap() error { return e.Err }

// Transition describes one observable change of the selector.
type Transition struct {
	From            State
	To              State
	PreviousProduct string
	ActiveProduct   string
}

// Source is the subset of Client the selector needs.
type Source interface {
	FetchEntitlements(ctx context.Context, userID, credential string) ([]Record, error)
	SetActive(ctx context.Context, userID, credential, productID string, active bool) error
}

// Snapshot is a consistent copy of the selector's state.
type Snapshot struct {
	State   State
	Active  *Record
	Records []Record
}

// Selector derives the active product from a record set and keeps the
// session's cached profile in step with it.
type Selector struct {
	mu      sync.Mutex
	source  Source
	store   *session.Store
	mode    Mode
	state   State
	records []Record
	active  string
	seq     uint64

	listenerMu sync.Mutex
	listeners  []func(Transition)
}

// NewSelector creates a selector in the Uninitialized state. It resets
// itself whenever the store is cleared.
func NewSelector(source Source, store *session.Store, mode Mode) *Selector {
	if mode == "" {
		mode = ModeServer
	}
	s := &Selector{source: source, store: store, mode: mode}
	if store != nil {
		store.OnClear(s.Reset)
	}
	return s
}

// Mode returns the switch mode.
func (s *Selector) Mode() Mode { return s.mode }

// SelectActive picks the record that should be active: the first
// non-expired record flagged active (preferred wins when it is one of
// them), otherwise the first non-expired record in server order.
func SelectActive(records []Record, preferred string) (Record, bool) {
	if r, ok := explicitActive(records, preferred); ok {
		return r, true
	}
	return firstCandidate(records)
}

func explicitActive(records []Record, preferred string) (Record, bool) {
	var first *Record
	for i := range records {
		r := &records[i]
		if !r.IsActive || !r.Selectable() {
			continue
		}
		if preferred != "" && r.ProductID == preferred {
			return *r, true
		}
		if first == nil {
			first = r
		}
	}
	if first != nil {
		return *first, true
	}
	return Record{}, false
}

func firstCandidate(records []Record) (Record, bool) {
	for _, r := range records {
		if r.Selectable() {
			return r, true
		}
	}
	return Record{}, false
}

func findCandidate(records []Record, productID string) (Record, bool) {
	for _, r := range records {
		if r.ProductID == productID && r.Selectable() {
			return r, true
		}
	}
	return Record{}, false
}

// State returns the current state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns a copy of the active record.
func (s *Selector) Active() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Selector) activeLocked() (Record, bool) {
	if s.state != StateHasActive {
		return Record{}, false
	}
	for _, r := range s.records {
		if r.ProductID == s.active {
			return r.Clone(), true
		}
	}
	return Record{}, false
}

// Snapshot returns the state, active record and all records together.
func (s *Selector) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: s.state, Records: models.CloneRecords(s.records)}
	if r, ok := s.activeLocked(); ok {
		snap.Active = &r
	}
	return snap
}

// OnChange registers fn to be called after every transition.
func (s *Selector) OnChange(fn func(Transition)) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Selector) notify(t Transition) {
	if t.From == t.To && t.PreviousProduct == t.ActiveProduct {
		return
	}
	s.listenerMu.Lock()
	listeners := append([]func(Transition){}, s.listeners...)
	s.listenerMu.Unlock()

	log.Debug().
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("previous_product", t.PreviousProduct).
		Str("active_product", t.ActiveProduct).
		Msg("Entitlement state changed")
	for _, fn := range listeners {
		fn(t)
	}
}

// Load replaces the record set. The result is HasActive when a non-expired
// record is flagged active, NoEntitlements for an empty set, and
// HasCandidatesNoActive otherwise.
func (s *Selector) Load(records []Record) {
	s.mu.Lock()
	t := s.loadLocked(records, s.preferredLocked())
	s.mu.Unlock()
	s.notify(t)
}

// AutoSelect activates the first candidate when nothing is active yet. It
// reports whether a record is active afterwards.
func (s *Selector) AutoSelect() bool {
	s.mu.Lock()
	t := s.autoSelectLocked()
	ok := s.state == StateHasActive
	s.mu.Unlock()
	s.notify(t)
	return ok
}

// LoadCached seeds the selector from the profile cached in the session
// store, without network access. It reports whether any records were found.
func (s *Selector) LoadCached() bool {
	if s.store == nil {
		return false
	}
	profile, ok := s.store.Profile()
	if !ok || len(profile.ProductAccess) == 0 {
		return false
	}

	s.mu.Lock()
	from, prev := s.state, s.active
	s.loadLocked(profile.ProductAccess, s.preferredLocked())
	s.autoSelectLocked()
	t := Transition{From: from, To: s.state, PreviousProduct: prev, ActiveProduct: s.active}
	s.mu.Unlock()
	s.notify(t)
	return true
}

func (s *Selector) preferredLocked() string {
	if s.active != "" {
		return s.active
	}
	if s.store != nil {
		return s.store.ActiveProduct()
	}
	return ""
}

func (s *Selector) loadLocked(records []Record, preferred string) Transition {
	t := Transition{From: s.state, PreviousProduct: s.active}

	s.records = models.CloneRecords(records)
	s.active = ""
	switch {
	case len(s.records) == 0:
		s.state = StateNoEntitlements
	default:
		if s.mode == ModeLocal {
			// Server flags carry no meaning locally; the persisted choice does.
			if r, ok := findCandidate(s.records, preferred); ok {
				s.active = r.ProductID
			}
		}
		if s.active == "" {
			if r, ok := explicitActive(s.records, preferred); ok {
				s.active = r.ProductID
			}
		}
		if s.active != "" {
			s.state = StateHasActive
		} else {
			s.state = StateHasCandidatesNoActive
		}
	}
	s.normalizeFlagsLocked()

	t.To, t.ActiveProduct = s.state, s.active
	return t
}

func (s *Selector) autoSelectLocked() Transition {
	t := Transition{From: s.state, To: s.state, PreviousProduct: s.active, ActiveProduct: s.active}
	if s.state != StateHasCandidatesNoActive {
		return t
	}
	r, ok := firstCandidate(s.records)
	if !ok {
		return t
	}
	s.active = r.ProductID
	s.state = StateHasActive
	s.normalizeFlagsLocked()

	t.To, t.ActiveProduct = s.state, s.active
	return t
}

// normalizeFlagsLocked enforces at most one IsActive record.
func (s *Selector) normalizeFlagsLocked() {
	for i := range s.records {
		s.records[i].IsActive = s.active != "" && s.records[i].ProductID == s.active
	}
}

// Reset returns to Uninitialized and abandons in-flight fetches.
func (s *Selector) Reset() {
	s.mu.Lock()
	t := Transition{From: s.state, To: StateUninitialized, PreviousProduct: s.active}
	s.state = StateUninitialized
	s.records = nil
	s.active = ""
	s.seq++
	s.mu.Unlock()
	s.notify(t)
}

func (s *Selector) sessionIdentity(op string) (userID, credential string, err error) {
	if s.store == nil {
		return "", "", accerrors.Auth(op, session.ErrNoSession)
	}
	credential, ok := s.store.Credential()
	if !ok {
		return "", "", accerrors.Auth(op, session.ErrNoSession)
	}
	return s.store.UserID(), credential, nil
}

// Refresh fetches the authoritative record set, loads it, auto-selects and
// persists the result. A failed fetch leaves the selector in
// NoEntitlements; a cancelled or superseded one changes nothing.
func (s *Selector) Refresh(ctx context.Context) error {
	return s.refresh(ctx, "")
}

func (s *Selector) refresh(ctx context.Context, hint string) error {
	userID, credential, err := s.sessionIdentity(opFetch)
	if err != nil {
		s.failSafe()
		return err
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	records, err := s.source.FetchEntitlements(ctx, userID, credential)
	if err != nil {
		if accerrors.IsCanceled(err) {
			return err
		}
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to fetch entitlements")
		s.mu.Lock()
		stale := s.seq != seq
		s.mu.Unlock()
		if !stale {
			s.failSafe()
		}
		return err
	}

	s.mu.Lock()
	if s.seq != seq {
		s.mu.Unlock()
		return accerrors.Canceled(opFetch, errStaleFetch)
	}
	from, prev := s.state, s.active
	preferred := hint
	if preferred == "" {
		preferred = s.preferredLocked()
	}
	s.loadLocked(records, preferred)
	s.autoSelectLocked()
	persistErr := s.persistLocked()
	t := Transition{From: from, To: s.state, PreviousProduct: prev, ActiveProduct: s.active}
	s.mu.Unlock()

	if persistErr != nil {
		log.Warn().Err(persistErr).Msg("Failed to persist entitlements")
	}
	s.notify(t)
	return nil
}

func (s *Selector) failSafe() {
	s.mu.Lock()
	t := Transition{From: s.state, To: StateNoEntitlements, PreviousProduct: s.active}
	s.state = StateNoEntitlements
	s.records = nil
	s.active = ""
	s.mu.Unlock()
	s.notify(t)
}

// persistLocked mirrors the record set and selection into the session store.
func (s *Selector) persistLocked() error {
	if s.store == nil {
		return nil
	}
	records := models.CloneRecords(s.records)
	err := s.store.UpdateProfile(func(p *models.Profile) {
		p.ProductAccess = records
	})
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	if selErr := s.store.SetActiveProduct(s.active); selErr != nil && err == nil {
		err = selErr
	}
	return err
}

// Switch makes productID the active product. Switching to a product that
// is not a non-expired candidate returns ErrProductNotSelectable and leaves
// the selection unchanged.
func (s *Selector) Switch(ctx context.Context, productID string) error {
	err := s.doSwitch(ctx, strings.TrimSpace(productID))
	if !accerrors.IsCanceled(err) {
		metrics.RecordProductSwitch(err)
	}
	return err
}

func (s *Selector) doSwitch(ctx context.Context, productID string) error {
	s.mu.Lock()
	_, ok := findCandidate(s.records, productID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrProductNotSelectable, productID)
	}
	if s.mode == ModeLocal {
		t := Transition{From: s.state, To: StateHasActive, PreviousProduct: s.active, ActiveProduct: productID}
		s.active = productID
		s.state = StateHasActive
		s.normalizeFlagsLocked()
		err := s.persistLocked()
		s.mu.Unlock()
		s.notify(t)
		if err != nil {
			return fmt.Errorf("persist product selection: %w", err)
		}
		return nil
	}
	targets := make([]string, len(s.records))
	for i, r := range s.records {
		targets[i] = r.ProductID
	}
	s.mu.Unlock()

	return s.switchOnServer(ctx, productID, targets)
}

func (s *Selector) switchOnServer(ctx context.Context, target string, products []string) error {
	userID, credential, err := s.sessionIdentity(opSetActive)
	if err != nil {
		return err
	}

	var (
		failedMu sync.Mutex
		failed   []string
	)
	var g errgroup.Group
	for _, id := range products {
		g.Go(func() error {
			if err := s.source.SetActive(ctx, userID, credential, id, id == target); err != nil {
				if accerrors.IsCanceled(err) {
					return err
				}
				log.Warn().Err(err).Str("product_id", id).Bool("active", id == target).Msg("Failed to update product access flag")
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.refresh(ctx, target); err != nil {
		if accerrors.IsCanceled(err) {
			return err
		}
		return &SwitchError{Target: target, Failed: failed, Err: err}
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != target {
		return &SwitchError{Target: target, Failed: failed}
	}
	if len(failed) > 0 {
		log.Info().Strs("failed", failed).Str("product_id", target).Msg("Product switch took effect despite failed sibling updates")
	}
	return nil
}

// ApplyUsage writes server-confirmed counters into the selector's record
// and the session store's cached profile as one update.
func (s *Selector) ApplyUsage(productID string, remaining, count int64) error {
	if remaining < 0 {
		remaining = 0
	}
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.records {
		if s.records[i].ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	s.records[idx].RemainingUsage = remaining
	s.records[idx].UsageCount = count

	if s.store == nil {
		return nil
	}
	err := s.store.UpdateProfile(func(p *models.Profile) {
		if i := p.FindRecord(productID); i >= 0 {
			p.ProductAccess[i].RemainingUsage = remaining
			p.ProductAccess[i].UsageCount = count
			return
		}
		p.ProductAccess = models.CloneRecords(s.records)
	})
	if err != nil {
		return fmt.Errorf("persist usage: %w", err)
	}
	return nil
}
