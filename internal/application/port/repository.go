package port

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrSubscriptionStopped is returned by Next once Stop has been called
	ErrSubscriptionStopped = errors.New("subscription stopped")

	// ErrInvalidQuery is returned for filters or orderings the store cannot express
	ErrInvalidQuery = errors.New("invalid query")
)

type serverTimestamp struct{}

// ServerTimestamp may be placed as a value in SetMerge data. The store
// replaces it with its own commit time.
var ServerTimestamp interface{} = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel
func IsServerTimestamp(v interface{}) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Document is a stored document with its fields
type Document struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	// Version counts committed writes. Stores that do not track it leave zero.
	Version int64 `json:"version,omitempty"`
}

// Snapshot is the state of a single document observed by a subscription
type Snapshot struct {
	ID        string
	Exists    bool
	Data      map[string]interface{}
	UpdatedAt time.Time
	// Version orders snapshots of the same document; zero is unordered
	Version int64
}

// Subscription is a lazy, unbounded sequence of snapshots for one document.
// The first Next returns the current state. After Stop returns, Next never
// yields another snapshot.
type Subscription interface {
	Next(ctx context.Context) (*Snapshot, error)
	Stop()
}

// Operator is a query filter comparison
type Operator string

const (
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
)

// IsValid reports whether the operator is supported
func (o Operator) IsValid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	default:
		return false
	}
}

// Filter restricts a query on a top-level field
type Filter struct {
	Field string
	Op    Operator
	Value interface{}
}

// OrderBy sorts query results on a top-level field. An empty Field keeps store order.
type OrderBy struct {
	Field      string
	Descending bool
}

// DocumentStore defines the document operations the service depends on
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	// SetMerge deep-merges data into the document, creating it if needed.
	// Nested maps are merged key by key; other values replace what was there.
	// The write is atomic.
	SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error
	Subscribe(ctx context.Context, collection, id string) (Subscription, error)
	Query(ctx context.Context, collection string, filters []Filter, orderBy OrderBy, limit int) ([]*Document, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
