package service

import (
	"context"
	"fmt"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
)

const (
	defaultTripLimit = 50
	maxTripLimit     = 500
)

// TripFilter narrows a trip listing
type TripFilter struct {
	Status string
	Limit  int
	// WithAmount, when set, keeps only trips whose amount record does (or does not) exist
	WithAmount *bool
}

// TripSummary counts trips for dashboard cards
type TripSummary struct {
	Total         int            `json:"total"`
	WithAmount    int            `json:"with_amount"`
	WithoutAmount int            `json:"without_amount"`
	ByStatus      map[string]int `json:"by_status"`
}

// TripService lists trips for dashboards
type TripService interface {
	ListTrips(ctx context.Context, filter TripFilter) ([]*entity.Trip, error)
	Summary(ctx context.Context, filter TripFilter) (*TripSummary, error)
}

type tripServiceImpl struct {
	store  port.DocumentStore
	logger Logger
}

// NewTripService creates a new TripService
func NewTripService(store port.DocumentStore, logger Logger) TripService {
	return &tripServiceImpl{store: store, logger: logger}
}

// ListTrips returns trips ordered by departure date, newest first
func (s *tripServiceImpl) ListTrips(ctx context.Context, filter TripFilter) ([]*entity.Trip, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultTripLimit
	}
	if limit > maxTripLimit {
		limit = maxTripLimit
	}

	// Amount presence cannot be queried, so that filter is applied here
	// and the store limit is lifted.
	queryLimit := limit
	if filter.WithAmount != nil {
		queryLimit = 0
	}

	docs, err := s.store.Query(ctx, entity.CollectionTrips, statusFilters(filter.Status),
		port.OrderBy{Field: entity.FieldDepartDate, Descending: true}, queryLimit)
	if err != nil {
		s.logger.Error("Failed to list trips", "status", filter.Status, "error", err)
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}

	trips := make([]*entity.Trip, 0, len(docs))
	for _, doc := range docs {
		trip := entity.NewTrip(doc.ID, doc.Data)
		if filter.WithAmount != nil && trip.HasAmount() != *filter.WithAmount {
			continue
		}
		trips = append(trips, trip)
		if len(trips) == limit {
			break
		}
	}
	return trips, nil
}

// Summary counts all trips matching the status filter. Limit is ignored.
func (s *tripServiceImpl) Summary(ctx context.Context, filter TripFilter) (*TripSummary, error) {
	docs, err := s.store.Query(ctx, entity.CollectionTrips, statusFilters(filter.Status), port.OrderBy{}, 0)
	if err != nil {
		s.logger.Error("Failed to summarize trips", "error", err)
		return nil, fmt.Errorf("failed to summarize trips: %w", err)
	}

	summary := &TripSummary{ByStatus: make(map[string]int)}
	for _, doc := range docs {
		trip := entity.NewTrip(doc.ID, doc.Data)
		summary.Total++
		summary.ByStatus[trip.StatusTripDocument]++
		if trip.HasAmount() {
			summary.WithAmount++
		} else {
			summary.WithoutAmount++
		}
	}
	return summary, nil
}

func statusFilters(status string) []port.Filter {
	if status == "" {
		return nil
	}
	return []port.Filter{{Field: entity.FieldStatusTripDocument, Op: port.OpEqual, Value: status}}
}
