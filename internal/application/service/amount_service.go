package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/domain/event"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// AmountView is a trip together with its allowance amount
type AmountView struct {
	Trip         *entity.Trip            `json:"trip"`
	HasAmount    bool                    `json:"has_amount"`
	Availability string                  `json:"availability"`
	Record       *allowance.AmountRecord `json:"record,omitempty"`
	Form         allowance.FormInputs    `json:"form"`
	Breakdown    allowance.Breakdown     `json:"breakdown"`
	Fx           allowance.FxSnapshot    `json:"fx"`
}

// AmountService computes, fetches FX for, and persists trip allowance amounts
type AmountService interface {
	// Preview computes the live (unrounded) breakdown of a working form
	Preview(form allowance.FormInputs) allowance.Breakdown
	GetTrip(ctx context.Context, tripID string) (*entity.Trip, error)
	GetAmount(ctx context.Context, tripID string) (*AmountView, error)
	// CreateAmount writes an empty amount record. Existing records are left as they are.
	CreateAmount(ctx context.Context, auth port.AuthContext, tripID string) (*AmountView, error)
	// FetchFx looks up a rate for date, or the trip's FX date when empty.
	// A newer lookup for the same trip cancels this one.
	FetchFx(ctx context.Context, tripID, date string) (allowance.FxSnapshot, error)
	// AutoResolveFx fetches a rate only when the trip has no snapshot yet.
	// fetched reports whether the provider was consulted.
	AutoResolveFx(ctx context.Context, tripID string) (snap allowance.FxSnapshot, fetched bool, err error)
	// PersistAmount merges the rounded amount record onto the trip. The last write wins.
	PersistAmount(ctx context.Context, auth port.AuthContext, tripID string, inputs allowance.TripAllowanceInputs, fx allowance.FxSnapshot) (allowance.AmountRecord, error)
}

type amountServiceImpl struct {
	store      port.DocumentStore
	fx         port.FxProvider
	authorizer port.Authorizer
	events     dispatcher.Dispatcher
	logger     Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]*fxLookup
}

type fxLookup struct {
	cancel context.CancelFunc
}

// NewAmountService creates a new AmountService
func NewAmountService(
	store port.DocumentStore,
	fx port.FxProvider,
	authorizer port.Authorizer,
	events dispatcher.Dispatcher,
	logger Logger,
) AmountService {
	return &amountServiceImpl{
		store:      store,
		fx:         fx,
		authorizer: authorizer,
		events:     events,
		logger:     logger,
		now:        time.Now,
		inflight:   make(map[string]*fxLookup),
	}
}

// Preview computes the live breakdown
func (s *amountServiceImpl) Preview(form allowance.FormInputs) allowance.Breakdown {
	return allowance.ComputeBreakdown(form.Normalize())
}

// GetTrip loads a trip document
func (s *amountServiceImpl) GetTrip(ctx context.Context, tripID string) (*entity.Trip, error) {
	doc, err := s.store.Get(ctx, entity.CollectionTrips, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trip %s: %w", tripID, err)
	}
	return entity.NewTrip(doc.ID, doc.Data), nil
}

// GetAmount loads a trip and decodes its amount record
func (s *amountServiceImpl) GetAmount(ctx context.Context, tripID string) (*AmountView, error) {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return NewAmountView(trip), nil
}

// NewAmountView decodes the amount state of a trip. The breakdown is
// recomputed from the stored inputs rather than read from stored totals.
func NewAmountView(trip *entity.Trip) *AmountView {
	view := &AmountView{
		Trip:         trip,
		HasAmount:    trip.HasAmount(),
		Availability: trip.AmountAvailability(),
	}

	amount := trip.Amount()
	view.Form = allowance.FormInputsFromMap(amount)
	view.Breakdown = allowance.ComputeBreakdown(view.Form.Normalize())
	view.Fx = allowance.FxSnapshotFromMap(amount)

	if view.HasAmount {
		rec := allowance.AmountRecordFromMap(amount)
		view.Record = &rec
	}
	return view
}

// CreateAmount writes {amount: {created_at, created_by}} for a trip without one
func (s *amountServiceImpl) CreateAmount(ctx context.Context, auth port.AuthContext, tripID string) (*AmountView, error) {
	if !s.authorizer.CanEditAmount(auth) {
		return nil, ErrForbidden
	}

	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.HasAmount() {
		s.logger.Info("Amount record already exists", "trip_id", tripID)
		return NewAmountView(trip), nil
	}

	err = s.store.SetMerge(ctx, entity.CollectionTrips, tripID, map[string]interface{}{
		entity.FieldAmount: map[string]interface{}{
			allowance.KeyCreatedAt: port.ServerTimestamp,
			allowance.KeyCreatedBy: auth.UserID,
		},
	})
	if err != nil {
		s.logger.Error("Failed to create amount record", "trip_id", tripID, "error", err)
		return nil, fmt.Errorf("failed to create amount: %w", err)
	}

	s.logger.Info("Amount record created", "trip_id", tripID, "user_id", auth.UserID)
	return s.GetAmount(ctx, tripID)
}

// FetchFx resolves an FX snapshot. Only the newest lookup per trip applies:
// starting another cancels this one, which then returns ErrFxSuperseded.
func (s *amountServiceImpl) FetchFx(ctx context.Context, tripID, date string) (allowance.FxSnapshot, error) {
	if s.fx == nil || !s.fx.Enabled() {
		return allowance.FxSnapshot{}, ErrFxUnavailable
	}

	if date == "" {
		trip, err := s.GetTrip(ctx, tripID)
		if err != nil && !errors.Is(err, port.ErrNotFound) {
			return allowance.FxSnapshot{}, err
		}
		date = allowance.ResolveFxDate(trip, s.now())
	}

	lookupCtx, lookup := s.startLookup(ctx, tripID)
	snap, err := s.fx.FetchRate(lookupCtx, date)
	superseded := s.finishLookup(tripID, lookup)

	if superseded {
		s.logger.Info("FX lookup superseded", "trip_id", tripID, "date", date)
		return allowance.FxSnapshot{}, ErrFxSuperseded
	}

	if err != nil {
		s.logger.Warn("FX lookup failed", "trip_id", tripID, "date", date, "error", err)
		s.publish(ctx, event.NewEvent(event.TypeFxFailed, entity.CollectionTrips, tripID, map[string]interface{}{
			"date":  date,
			"error": err.Error(),
		}))
		return allowance.FxSnapshot{}, err
	}

	snap = snap.WithDefaults(date)
	s.publish(ctx, event.NewEvent(event.TypeFxResolved, entity.CollectionTrips, tripID, map[string]interface{}{
		allowance.KeyFxMid:    snap.Mid,
		allowance.KeyFxDate:   snap.AsOf,
		allowance.KeyFxSource: snap.Source,
	}))
	return snap, nil
}

func (s *amountServiceImpl) startLookup(ctx context.Context, tripID string) (context.Context, *fxLookup) {
	lookupCtx, cancel := context.WithCancel(ctx)
	lookup := &fxLookup{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.inflight[tripID]; ok {
		prev.cancel()
	}
	s.inflight[tripID] = lookup
	s.mu.Unlock()

	return lookupCtx, lookup
}

// finishLookup releases a lookup and reports whether a newer one replaced it
func (s *amountServiceImpl) finishLookup(tripID string, lookup *fxLookup) bool {
	lookup.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[tripID] != lookup {
		return true
	}
	delete(s.inflight, tripID)
	return false
}

// AutoResolveFx fetches a rate for the trip's FX date if none is stored
func (s *amountServiceImpl) AutoResolveFx(ctx context.Context, tripID string) (allowance.FxSnapshot, bool, error) {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return allowance.FxSnapshot{}, false, err
	}

	if existing := allowance.FxSnapshotFromMap(trip.Amount()); !existing.IsZero() {
		return existing, false, nil
	}

	snap, err := s.FetchFx(ctx, tripID, allowance.ResolveFxDate(trip, s.now()))
	return snap, true, err
}

// PersistAmount writes one merge holding the whole amount record
func (s *amountServiceImpl) PersistAmount(ctx context.Context, auth port.AuthContext, tripID string, inputs allowance.TripAllowanceInputs, fx allowance.FxSnapshot) (allowance.AmountRecord, error) {
	if !s.authorizer.CanEditAmount(auth) {
		return allowance.AmountRecord{}, ErrForbidden
	}

	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return allowance.AmountRecord{}, err
	}

	rec := allowance.NewAmountRecord(inputs, fx.WithDefaults(allowance.ResolveFxDate(trip, s.now())))
	rec.UpdatedBy = auth.UserID
	firstSave := !trip.HasAmount()
	if firstSave {
		rec.CreatedBy = auth.UserID
	}

	amount := rec.ToMap()
	amount[allowance.KeyUpdatedAt] = port.ServerTimestamp
	if firstSave {
		amount[allowance.KeyCreatedAt] = port.ServerTimestamp
	}

	if err := s.store.SetMerge(ctx, entity.CollectionTrips, tripID, map[string]interface{}{
		entity.FieldAmount: amount,
	}); err != nil {
		s.logger.Error("Failed to persist amount", "trip_id", tripID, "user_id", auth.UserID, "error", err)
		return allowance.AmountRecord{}, fmt.Errorf("failed to persist amount: %w", err)
	}

	s.logger.Info("Amount persisted",
		"trip_id", tripID,
		"user_id", auth.UserID,
		"total_approved_amount", rec.Totals.TotalApprovedAmount)

	s.publish(ctx, event.NewEvent(event.TypeAmountSaved, entity.CollectionTrips, tripID, map[string]interface{}{
		allowance.KeyTotalApprovedAmount: rec.Totals.TotalApprovedAmount,
		allowance.KeyUpdatedBy:           auth.UserID,
	}))
	return rec, nil
}

func (s *amountServiceImpl) publish(ctx context.Context, evt *event.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Dispatch(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("Failed to publish event", "type", evt.Type.String(), "trip_id", evt.DocumentID, "error", err)
	}
}
