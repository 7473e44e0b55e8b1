package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/domain/workflow"
)

// SessionView is a snapshot of an editing session
type SessionView struct {
	TripID        string               `json:"trip_id"`
	UserID        string               `json:"user_id"`
	State         workflow.State       `json:"state"`
	Form          allowance.FormInputs `json:"form"`
	Live          allowance.Breakdown  `json:"live"`
	Fx            allowance.FxSnapshot `json:"fx"`
	HasAmount     bool                 `json:"has_amount"`
	RemoteChanged bool                 `json:"remote_changed"`
	TripDeleted   bool                 `json:"trip_deleted,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	FxWarning     string               `json:"fx_warning,omitempty"`
	Actions       []workflow.Trigger   `json:"actions"`
	SavedAt       *time.Time           `json:"saved_at,omitempty"`
}

// SessionManager keeps one amount editing session per trip and user
type SessionManager interface {
	// Begin opens (or resumes) a session and enters EDITING
	Begin(ctx context.Context, auth port.AuthContext, tripID string) (*SessionView, error)
	View(auth port.AuthContext, tripID string) (*SessionView, error)
	UpdateForm(auth port.AuthContext, tripID string, patch allowance.FormPatch) (*SessionView, error)
	// Save persists the working form. On failure the session returns to
	// EDITING with the form untouched and the error recorded.
	Save(ctx context.Context, auth port.AuthContext, tripID string) (*SessionView, error)
	Cancel(auth port.AuthContext, tripID string) (*SessionView, error)
	RefreshFx(ctx context.Context, auth port.AuthContext, tripID, date string) (*SessionView, error)
	Close(auth port.AuthContext, tripID string) error
	// Shutdown closes every open session
	Shutdown()
}

type sessionManagerImpl struct {
	amounts    AmountService
	store      port.DocumentStore
	authorizer port.Authorizer
	logger     Logger
	openWait   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager creates a new SessionManager
func NewSessionManager(
	amounts AmountService,
	store port.DocumentStore,
	authorizer port.Authorizer,
	logger Logger,
) SessionManager {
	return &sessionManagerImpl{
		amounts:    amounts,
		store:      store,
		authorizer: authorizer,
		logger:     logger,
		openWait:   10 * time.Second,
		sessions:   make(map[string]*session),
	}
}

func sessionKey(tripID, userID string) string {
	return tripID + "|" + userID
}

// Begin opens a session. The subscription's first snapshot is the starting
// state, so the session never mistakes it for a remote change.
func (m *sessionManagerImpl) Begin(ctx context.Context, auth port.AuthContext, tripID string) (*SessionView, error) {
	if !m.authorizer.CanEditAmount(auth) {
		return nil, ErrForbidden
	}

	key := sessionKey(tripID, auth.UserID)

	m.mu.Lock()
	existing := m.sessions[key]
	m.mu.Unlock()
	if existing != nil {
		return existing.edit(ctx)
	}

	s, err := m.open(ctx, auth, tripID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if raced := m.sessions[key]; raced != nil {
		m.mu.Unlock()
		s.close()
		return raced.edit(ctx)
	}
	m.sessions[key] = s
	m.mu.Unlock()

	go s.watch()
	if s.fx.IsZero() {
		go s.autoResolveFx()
	}

	m.logger.Info("Editing session opened", "trip_id", tripID, "user_id", auth.UserID)
	return s.edit(ctx)
}

func (m *sessionManagerImpl) open(ctx context.Context, auth port.AuthContext, tripID string) (*session, error) {
	sub, err := m.store.Subscribe(ctx, entity.CollectionTrips, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to trip %s: %w", tripID, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.openWait)
	first, err := sub.Next(waitCtx)
	cancel()
	if err != nil {
		sub.Stop()
		return nil, fmt.Errorf("failed to load trip %s: %w", tripID, err)
	}
	if !first.Exists {
		sub.Stop()
		return nil, fmt.Errorf("failed to load trip %s: %w", tripID, port.ErrNotFound)
	}

	sessionCtx, cancelSession := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		tripID:  tripID,
		auth:    auth,
		amounts: m.amounts,
		logger:  m.logger,
		sub:     sub,
		ctx:     sessionCtx,
		cancel:  cancelSession,
	}
	s.machine = workflow.NewSessionMachine(s.canSave)
	s.loadRemote(first)
	return s, nil
}

func (m *sessionManagerImpl) get(auth port.AuthContext, tripID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(tripID, auth.UserID)]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// View returns the current state of a session
func (m *sessionManagerImpl) View(auth port.AuthContext, tripID string) (*SessionView, error) {
	s, err := m.get(auth, tripID)
	if err != nil {
		return nil, err
	}
	return s.view(), nil
}

// UpdateForm applies a partial form edit
func (m *sessionManagerImpl) UpdateForm(auth port.AuthContext, tripID string, patch allowance.FormPatch) (*SessionView, error) {
	s, err := m.get(auth, tripID)
	if err != nil {
		return nil, err
	}
	return s.updateForm(patch)
}

// Save persists the working form
func (m *sessionManagerImpl) Save(ctx context.Context, auth port.AuthContext, tripID string) (*SessionView, error) {
	s, err := m.get(auth, tripID)
	if err != nil {
		return nil, err
	}
	return s.save(ctx)
}

// Cancel discards local edits and returns to VIEWING
func (m *sessionManagerImpl) Cancel(auth port.AuthContext, tripID string) (*SessionView, error) {
	s, err := m.get(auth, tripID)
	if err != nil {
		return nil, err
	}
	return s.cancelEdit()
}

// RefreshFx fetches a new FX snapshot for the session
func (m *sessionManagerImpl) RefreshFx(ctx context.Context, auth port.AuthContext, tripID, date string) (*SessionView, error) {
	s, err := m.get(auth, tripID)
	if err != nil {
		return nil, err
	}
	return s.refreshFx(ctx, date)
}

// Close ends a session. A save still in flight completes on its own.
func (m *sessionManagerImpl) Close(auth port.AuthContext, tripID string) error {
	key := sessionKey(tripID, auth.UserID)

	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if !ok {
		return ErrNoSession
	}
	s.close()
	m.logger.Info("Editing session closed", "trip_id", tripID, "user_id", auth.UserID)
	return nil
}

// Shutdown closes all sessions
func (m *sessionManagerImpl) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// session is one editor's working state for one trip. mu guards every
// field below it and is held across each state machine transition.
type session struct {
	tripID    string
	auth      port.AuthContext
	amounts   AmountService
	logger    Logger
	sub       port.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu            sync.Mutex
	machine       workflow.StateMachine
	form          allowance.FormInputs
	fx            allowance.FxSnapshot
	hasAmount     bool
	remote        map[string]interface{}
	remoteChanged bool
	// remoteWhilePersisting marks a snapshot seen during a save; it only
	// counts as a remote change if the save fails.
	remoteWhilePersisting bool
	tripDeleted           bool
	lastError             string
	fxWarning             string
	savedAt               *time.Time
	// editRound increments each time EDITING is entered from VIEWING
	editRound uint64
}

// canSave is the SAVE guard. It runs with s.mu held.
func (s *session) canSave(context.Context) bool {
	return ValidateInputs(s.form.Normalize()) == nil
}

// loadRemote replaces the displayed state with a stored snapshot. Requires s.mu.
func (s *session) loadRemote(snap *port.Snapshot) {
	trip := entity.NewTrip(s.tripID, snap.Data)
	amount := trip.Amount()
	s.remote = amount
	s.form = allowance.FormInputsFromMap(amount)
	s.fx = allowance.FxSnapshotFromMap(amount)
	s.hasAmount = trip.HasAmount()
	s.remoteChanged = false
	s.tripDeleted = false
}

// watch applies remote snapshots until the session closes
func (s *session) watch() {
	for {
		snap, err := s.sub.Next(s.ctx)
		if err != nil {
			if !errors.Is(err, port.ErrSubscriptionStopped) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Trip subscription ended", "trip_id", s.tripID, "error", err)
			}
			return
		}
		s.applyRemote(snap)
	}
}

// applyRemote never overwrites local edits: outside VIEWING the snapshot is
// kept aside and flagged.
func (s *session) applyRemote(snap *port.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !snap.Exists {
		s.tripDeleted = true
		s.remoteChanged = true
		return
	}

	state := s.machine.State()
	if !state.HoldsLocalEdits() {
		s.loadRemote(snap)
		return
	}

	s.remote = entity.NewTrip(s.tripID, snap.Data).Amount()
	s.tripDeleted = false
	if state == workflow.StateEditing {
		s.remoteChanged = true
	} else {
		s.remoteWhilePersisting = true
	}
}

func (s *session) autoResolveFx() {
	snap, fetched, err := s.amounts.AutoResolveFx(s.ctx, s.tripID)
	if !fetched {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrFxSuperseded) && !errors.Is(err, ErrFxUnavailable) {
			s.fxWarning = err.Error()
		}
		return
	}
	if s.fx.IsZero() {
		s.fx = snap
	}
}

func (s *session) edit(ctx context.Context) (*SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.State() == workflow.StateViewing {
		if err := s.machine.Fire(ctx, workflow.TriggerEdit); err != nil {
			return nil, err
		}
		s.editRound++
		s.lastError = ""
	}
	return s.viewLocked(), nil
}

func (s *session) updateForm(patch allowance.FormPatch) (*SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.State() != workflow.StateEditing {
		return nil, fmt.Errorf("%w: state is %s", ErrNotEditing, s.machine.State())
	}
	s.form = patch.Apply(s.form)
	return s.viewLocked(), nil
}

func (s *session) save(ctx context.Context) (*SessionView, error) {
	s.mu.Lock()
	if err := s.machine.Fire(ctx, workflow.TriggerSave); err != nil {
		if errors.Is(err, workflow.ErrGuardFailed) {
			if verr := ValidateInputs(s.form.Normalize()); verr != nil {
				err = verr
			}
		}
		s.mu.Unlock()
		return nil, err
	}
	inputs := s.form.Normalize()
	fx := s.fx
	s.mu.Unlock()

	// The write outlives the request so a disconnecting client cannot leave
	// the session stuck in PERSISTING.
	rec, err := s.amounts.PersistAmount(context.WithoutCancel(ctx), s.auth, s.tripID, inputs, fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		_ = s.machine.Fire(ctx, workflow.TriggerSaveFailed)
		s.lastError = err.Error()
		if s.remoteWhilePersisting {
			s.remoteChanged = true
		}
		s.remoteWhilePersisting = false
		s.logger.Warn("Amount save failed", "trip_id", s.tripID, "user_id", s.auth.UserID, "error", err)
		return s.viewLocked(), err
	}

	_ = s.machine.Fire(ctx, workflow.TriggerSaveSucceeded)
	now := time.Now()
	s.form = rec.Inputs.Form()
	s.fx = rec.Fx
	s.remote = rec.ToMap()
	s.hasAmount = true
	s.remoteChanged = false
	s.remoteWhilePersisting = false
	s.lastError = ""
	s.savedAt = &now
	return s.viewLocked(), nil
}

func (s *session) cancelEdit() (*SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Fire(s.ctx, workflow.TriggerCancel); err != nil {
		return nil, err
	}
	s.form = allowance.FormInputsFromMap(s.remote)
	s.fx = allowance.FxSnapshotFromMap(s.remote)
	s.remoteChanged = false
	s.lastError = ""
	return s.viewLocked(), nil
}

// refreshFx applies the fetched rate only to the edit it was requested
// for. A result arriving after a cancel, or during a save, is dropped.
func (s *session) refreshFx(ctx context.Context, date string) (*SessionView, error) {
	s.mu.Lock()
	state, round := s.machine.State(), s.editRound
	s.mu.Unlock()
	if state != workflow.StateEditing {
		return nil, fmt.Errorf("%w: state is %s", ErrNotEditing, state)
	}

	snap, err := s.amounts.FetchFx(ctx, s.tripID, date)

	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.machine.State(); state != workflow.StateEditing || s.editRound != round {
		s.logger.Info("FX refresh dropped, edit ended", "trip_id", s.tripID, "state", state.String())
		return nil, fmt.Errorf("%w: edit ended during fx lookup", ErrNotEditing)
	}
	if err != nil {
		s.fxWarning = err.Error()
		return s.viewLocked(), err
	}
	s.fx = snap
	s.fxWarning = ""
	return s.viewLocked(), nil
}

func (s *session) view() *SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *session) viewLocked() *SessionView {
	return &SessionView{
		TripID:        s.tripID,
		UserID:        s.auth.UserID,
		State:         s.machine.State(),
		Form:          s.form,
		Live:          allowance.ComputeBreakdown(s.form.Normalize()),
		Fx:            s.fx,
		HasAmount:     s.hasAmount,
		RemoteChanged: s.remoteChanged,
		TripDeleted:   s.tripDeleted,
		LastError:     s.lastError,
		FxWarning:     s.fxWarning,
		Actions:       s.machine.PermittedTriggers(),
		SavedAt:       s.savedAt,
	}
}

// close stops the subscription and any FX lookup. It is idempotent.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.sub.Stop()
	})
}

// ValidateInputs rejects inputs that would produce a negative total
func ValidateInputs(in allowance.TripAllowanceInputs) error {
	fields := []struct {
		name  string
		value float64
	}{
		{allowance.KeyTransportMultiplier, in.TransportMultiplier},
		{allowance.KeyLocalTransportAllowance, in.LocalTransportAllowance},
		{allowance.KeyMealAllowance, in.MealAllowance},
		{allowance.KeyMealMultiplier, in.MealMultiplier},
		{allowance.KeyPocketAllowance, in.PocketAllowance},
		{allowance.KeyPocketMultiplier, in.PocketMultiplier},
		{allowance.KeyLocalTransportMultiplier, in.LocalTransportMultiplier},
	}

	var bad []string
	for _, f := range fields {
		if f.value < 0 || math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			bad = append(bad, f.name)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: negative or non-finite %s", ErrInvalidInputs, strings.Join(bad, ", "))
	}
	return nil
}
