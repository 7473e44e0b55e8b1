package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/event"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

// DocumentRepository implements port.DocumentStore on a single sqlite table.
// Committed writes are published to the dispatcher as document.changed
// events, which is what Subscribe listens to.
type DocumentRepository struct {
	db     *sqlite.DB
	events dispatcher.Dispatcher
	logger *zap.Logger
	now    func() time.Time
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *sqlite.DB, events dispatcher.Dispatcher, logger *zap.Logger) *DocumentRepository {
	return &DocumentRepository{
		db:     db,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Get retrieves a document by collection and ID
func (r *DocumentRepository) Get(ctx context.Context, collection, id string) (*port.Document, error) {
	doc, err := r.load(ctx, r.db.Executor(ctx), collection, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *DocumentRepository) load(ctx context.Context, exec sqlite.Executor, collection, id string) (*port.Document, error) {
	query := `
		SELECT data, created_at, updated_at, version
		FROM documents
		WHERE collection = ? AND id = ?
	`

	var raw string
	doc := &port.Document{Collection: collection, ID: id}

	err := exec.QueryRowContext(ctx, query, collection, id).Scan(&raw, &doc.CreatedAt, &doc.UpdatedAt, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", port.ErrNotFound, collection, id)
	}
	if err != nil {
		r.logger.Error("Failed to get document",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	if doc.Data == nil {
		doc.Data = map[string]interface{}{}
	}

	return doc, nil
}

// SetMerge deep-merges data into the document inside one transaction
func (r *DocumentRepository) SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if collection == "" || id == "" {
		return fmt.Errorf("collection and id are required")
	}

	var (
		now     time.Time
		stored  []byte
		version int64
	)

	err := r.db.WithTransaction(ctx, func(txCtx context.Context) error {
		exec := r.db.Executor(txCtx)

		current := map[string]interface{}{}
		existing, err := r.load(txCtx, exec, collection, id)
		switch {
		case err == nil:
			current = existing.Data
			version = existing.Version
		case !errors.Is(err, port.ErrNotFound):
			return err
		}
		version++

		// Read under the write lock so timestamps follow commit order
		now = r.now().UTC()
		createdAt := now
		if existing != nil {
			createdAt = existing.CreatedAt
		}

		patch := utils.DeepCopy(data)
		stampServerTimestamps(patch, now)

		merged := utils.DeepMerge(current, patch)
		stored, err = json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
		}

		query := `
			INSERT INTO documents (collection, id, data, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at,
				version = excluded.version
		`
		if _, err := exec.ExecContext(txCtx, query, collection, id, string(stored), createdAt, now, version); err != nil {
			r.logger.Error("Failed to write document",
				zap.String("collection", collection),
				zap.String("id", id),
				zap.Error(err))
			return fmt.Errorf("failed to write document: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Published after commit from a fresh decode so subscribers see the
	// same value types Get returns. Concurrent writers may publish out of
	// order; the version lets feeds discard the older snapshot.
	if r.events != nil {
		var snapshot map[string]interface{}
		if err := json.Unmarshal(stored, &snapshot); err == nil {
			evt := event.NewDocumentChanged(collection, id, snapshot, now, version)
			if err := r.events.Dispatch(ctx, evt); err != nil {
				r.logger.Warn("Failed to publish document change",
					zap.String("collection", collection),
					zap.String("id", id),
					zap.Error(err))
			}
		}
	}

	return nil
}

// Subscribe returns a feed of the document's state, starting with the current one
func (r *DocumentRepository) Subscribe(ctx context.Context, collection, id string) (port.Subscription, error) {
	if r.events == nil {
		return nil, fmt.Errorf("document subscriptions are not available")
	}

	feed := dispatcher.NewFeed(r.events, collection, id)

	doc, err := r.Get(ctx, collection, id)
	switch {
	case err == nil:
		feed.Seed(&port.Snapshot{ID: id, Exists: true, Data: doc.Data, UpdatedAt: doc.UpdatedAt, Version: doc.Version})
	case errors.Is(err, port.ErrNotFound):
		feed.Seed(&port.Snapshot{ID: id, Exists: false})
	default:
		feed.Stop()
		return nil, err
	}

	return feed, nil
}

var sqlOperators = map[port.Operator]string{
	port.OpEqual:          "=",
	port.OpNotEqual:       "!=",
	port.OpLess:           "<",
	port.OpLessOrEqual:    "<=",
	port.OpGreater:        ">",
	port.OpGreaterOrEqual: ">=",
}

// Query lists documents of a collection filtered and ordered on top-level fields.
// A non-positive limit returns every match.
func (r *DocumentRepository) Query(ctx context.Context, collection string, filters []port.Filter, orderBy port.OrderBy, limit int) ([]*port.Document, error) {
	var sb strings.Builder
	args := []interface{}{collection}

	sb.WriteString("SELECT id, data, created_at, updated_at, version FROM documents WHERE collection = ?")

	for _, f := range filters {
		if err := utils.ValidateFieldName(f.Field); err != nil {
			return nil, fmt.Errorf("%w: %v", port.ErrInvalidQuery, err)
		}
		op, ok := sqlOperators[f.Op]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported operator %q", port.ErrInvalidQuery, f.Op)
		}
		fmt.Fprintf(&sb, " AND json_extract(data, '$.%s') %s ?", f.Field, op)
		args = append(args, sqlValue(f.Value))
	}

	if orderBy.Field != "" {
		if err := utils.ValidateFieldName(orderBy.Field); err != nil {
			return nil, fmt.Errorf("%w: %v", port.ErrInvalidQuery, err)
		}
		dir := "ASC"
		if orderBy.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY json_extract(data, '$.%s') %s, id", orderBy.Field, dir)
	} else {
		sb.WriteString(" ORDER BY id")
	}

	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := r.db.Executor(ctx).QueryContext(ctx, sb.String(), args...)
	if err != nil {
		r.logger.Error("Failed to query documents", zap.String("collection", collection), zap.Error(err))
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*port.Document
	for rows.Next() {
		doc := &port.Document{Collection: collection}
		var raw string
		if err := rows.Scan(&doc.ID, &raw, &doc.CreatedAt, &doc.UpdatedAt, &doc.Version); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
			return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, doc.ID, err)
		}
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// HealthCheck pings the underlying database
func (r *DocumentRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// stampServerTimestamps replaces ServerTimestamp sentinels with the commit time
func stampServerTimestamps(m map[string]interface{}, now time.Time) {
	utils.Walk(m, func(v interface{}, set func(interface{})) {
		if port.IsServerTimestamp(v) {
			set(now.Format(time.RFC3339Nano))
		}
	})
}

// sqlValue maps a filter value to what json_extract yields for it
func sqlValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

var _ port.DocumentStore = (*DocumentRepository)(nil)
