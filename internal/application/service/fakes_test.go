package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/domain/event"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

// memStore is an in-memory DocumentStore publishing to a dispatcher
type memStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]interface{}
	events dispatcher.Dispatcher
	merges atomic.Int32

	// setMergeFunc, when set, runs before a merge; an error aborts it
	setMergeFunc func(ctx context.Context, collection, id string, data map[string]interface{}) error
}

func newMemStore() *memStore {
	return &memStore{
		docs:   make(map[string]map[string]interface{}),
		events: dispatcher.NewDispatcher(),
	}
}

func (m *memStore) key(collection, id string) string {
	return collection + "/" + id
}

func (m *memStore) put(collection, id string, data map[string]interface{}) {
	m.mu.Lock()
	m.docs[m.key(collection, id)] = utils.DeepCopy(data)
	m.mu.Unlock()
}

func (m *memStore) raw(collection, id string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return utils.DeepCopy(m.docs[m.key(collection, id)])
}

func (m *memStore) delete(collection, id string) {
	m.mu.Lock()
	delete(m.docs, m.key(collection, id))
	m.mu.Unlock()
	_ = m.events.Dispatch(context.Background(), event.NewDocumentDeleted(collection, id))
}

func (m *memStore) Get(ctx context.Context, collection, id string) (*port.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[m.key(collection, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", port.ErrNotFound, collection, id)
	}
	return &port.Document{Collection: collection, ID: id, Data: utils.DeepCopy(data)}, nil
}

func (m *memStore) SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if m.setMergeFunc != nil {
		if err := m.setMergeFunc(ctx, collection, id, data); err != nil {
			return err
		}
	}

	stamped := utils.DeepCopy(data)
	now := time.Now().UTC()
	utils.Walk(stamped, func(v interface{}, set func(interface{})) {
		if port.IsServerTimestamp(v) {
			set(now)
		}
	})

	m.mu.Lock()
	k := m.key(collection, id)
	merged := utils.DeepMerge(m.docs[k], stamped)
	m.docs[k] = merged
	published := utils.DeepCopy(merged)
	m.mu.Unlock()

	m.merges.Add(1)
	return m.events.Dispatch(ctx, event.NewDocumentChanged(collection, id, published, now, 0))
}

func (m *memStore) Subscribe(ctx context.Context, collection, id string) (port.Subscription, error) {
	feed := dispatcher.NewFeed(m.events, collection, id)
	doc, err := m.Get(ctx, collection, id)
	if err != nil {
		feed.Seed(&port.Snapshot{ID: id, Exists: false})
		return feed, nil
	}
	feed.Seed(&port.Snapshot{ID: id, Exists: true, Data: doc.Data})
	return feed, nil
}

func (m *memStore) Query(ctx context.Context, collection string, filters []port.Filter, orderBy port.OrderBy, limit int) ([]*port.Document, error) {
	m.mu.Lock()
	var docs []*port.Document
	prefix := collection + "/"
	for k, data := range m.docs {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		match := true
		for _, f := range filters {
			if f.Op != port.OpEqual || data[f.Field] != f.Value {
				match = false
			}
		}
		if match {
			docs = append(docs, &port.Document{Collection: collection, ID: k[len(prefix):], Data: utils.DeepCopy(data)})
		}
	}
	m.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool {
		if orderBy.Field == "" {
			return docs[i].ID < docs[j].ID
		}
		a, _ := docs[i].Data[orderBy.Field].(string)
		b, _ := docs[j].Data[orderBy.Field].(string)
		if orderBy.Descending {
			return a > b
		}
		return a < b
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

type fakeFx struct {
	enabled bool
	calls   atomic.Int32
	fetch   func(ctx context.Context, date string) (allowance.FxSnapshot, error)
}

func (f *fakeFx) Enabled() bool { return f.enabled }

func (f *fakeFx) FetchRate(ctx context.Context, date string) (allowance.FxSnapshot, error) {
	f.calls.Add(1)
	if f.fetch != nil {
		return f.fetch(ctx, date)
	}
	return allowance.FxSnapshot{Mid: 16000, AsOf: date}, nil
}

type roleAuthorizer struct{}

func (roleAuthorizer) CanEditAmount(auth port.AuthContext) bool {
	return !auth.IsZero() && (auth.Role == entity.RoleAdmin || auth.Role == entity.RolePIC)
}

type mockLogger struct{}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

var (
	editor      = port.AuthContext{UserID: "u-pic", Role: entity.RolePIC}
	otherEditor = port.AuthContext{UserID: "u-admin", Role: entity.RoleAdmin}
	viewer      = port.AuthContext{UserID: "u-bod", Role: entity.RoleBOD}
)

func seedTrip(store *memStore, id string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"number":                 "TRIP-" + id,
		"assigned_name":          "Sari",
		"assignment_destination": "Singapore",
		"status_trip_document":   entity.TripStatusApproved,
		"depart_date":            "2024-05-01",
	}
	for k, v := range extra {
		data[k] = v
	}
	store.put(entity.CollectionTrips, id, data)
}

func literalForm() allowance.FormInputs {
	return allowance.FormInputs{
		TransportMultiplier:      "1",
		LocalTransportAllowance:  "150000",
		MealAllowance:            "200000",
		MealMultiplier:           "1",
		MealPercentage:           "80",
		PocketAllowance:          "100000",
		PocketMultiplier:         "1",
		LocalTransportMultiplier: "1",
		LocalTransportPercentage: "100",
	}
}

func storedAmount(store *memStore, id string) map[string]interface{} {
	amount, _ := store.raw(entity.CollectionTrips, id)[entity.FieldAmount].(map[string]interface{})
	return amount
}
