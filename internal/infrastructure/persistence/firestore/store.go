package firestore

import (
	"context"
	"errors"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/event"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

// Config selects the Firestore project
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// Store implements port.DocumentStore on Cloud Firestore
type Store struct {
	client *gcfirestore.Client
	logger *zap.Logger
}

// New connects to Firestore. FIRESTORE_EMULATOR_HOST is honoured by the client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcfirestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	logger.Info("Firestore client created", zap.String("project_id", cfg.ProjectID))
	return &Store{client: client, logger: logger}, nil
}

// Get retrieves a document by collection and ID
func (s *Store) Get(ctx context.Context, collection, id string) (*port.Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s/%s", port.ErrNotFound, collection, id)
	}
	if err != nil {
		s.logger.Error("Failed to get document",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return toDocument(collection, snap), nil
}

// SetMerge writes data with MergeAll, which merges nested maps leaf by leaf
func (s *Store) SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if collection == "" || id == "" {
		return fmt.Errorf("collection and id are required")
	}

	_, err := s.client.Collection(collection).Doc(id).Set(ctx, toFirestoreData(data), gcfirestore.MergeAll)
	if err != nil {
		s.logger.Error("Failed to merge document",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(err))
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// Subscribe streams snapshots of one document
func (s *Store) Subscribe(ctx context.Context, collection, id string) (port.Subscription, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := s.client.Collection(collection).Doc(id).Snapshots(streamCtx)

	next := func() (*port.Snapshot, error) {
		snap, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !snap.Exists() {
			return &port.Snapshot{ID: id, Exists: false, UpdatedAt: snap.ReadTime}, nil
		}
		return &port.Snapshot{ID: id, Exists: true, Data: snap.Data(), UpdatedAt: snap.UpdateTime}, nil
	}

	return startPump(collection, id, next, it.Stop, cancel, s.logger), nil
}

// Query lists documents of a collection filtered and ordered on top-level fields
func (s *Store) Query(ctx context.Context, collection string, filters []port.Filter, orderBy port.OrderBy, limit int) ([]*port.Document, error) {
	q := s.client.Collection(collection).Query

	for _, f := range filters {
		if err := utils.ValidateFieldName(f.Field); err != nil {
			return nil, fmt.Errorf("%w: %v", port.ErrInvalidQuery, err)
		}
		if !f.Op.IsValid() {
			return nil, fmt.Errorf("%w: unsupported operator %q", port.ErrInvalidQuery, f.Op)
		}
		q = q.Where(f.Field, string(f.Op), f.Value)
	}

	if orderBy.Field != "" {
		dir := gcfirestore.Asc
		if orderBy.Descending {
			dir = gcfirestore.Desc
		}
		q = q.OrderBy(orderBy.Field, dir)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var docs []*port.Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			s.logger.Error("Failed to query documents", zap.String("collection", collection), zap.Error(err))
			return nil, fmt.Errorf("failed to query documents: %w", err)
		}
		docs = append(docs, toDocument(collection, snap))
	}

	return docs, nil
}

// HealthCheck performs a minimal read
func (s *Store) HealthCheck(ctx context.Context) error {
	iter := s.client.Collections(ctx)
	_, err := iter.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

func toDocument(collection string, snap *gcfirestore.DocumentSnapshot) *port.Document {
	return &port.Document{
		Collection: collection,
		ID:         snap.Ref.ID,
		Data:       snap.Data(),
		CreatedAt:  snap.CreateTime,
		UpdatedAt:  snap.UpdateTime,
	}
}

// toFirestoreData copies data with ServerTimestamp sentinels swapped for Firestore's
func toFirestoreData(data map[string]interface{}) map[string]interface{} {
	out := utils.DeepCopy(data)
	if out == nil {
		out = map[string]interface{}{}
	}
	utils.Walk(out, func(v interface{}, set func(interface{})) {
		if port.IsServerTimestamp(v) {
			set(gcfirestore.ServerTimestamp)
		}
	})
	return out
}

// pump moves snapshots from a blocking iterator into a coalescing feed so
// Stop can release a reader blocked in Next.
type pump struct {
	feed   *dispatcher.Feed
	cancel context.CancelFunc
	done   chan struct{}
}

func startPump(collection, id string, next func() (*port.Snapshot, error), stopIter func(), cancel context.CancelFunc, logger *zap.Logger) *pump {
	d := dispatcher.NewDispatcher()
	p := &pump{
		feed:   dispatcher.NewFeed(d, collection, id),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer stopIter()
		for {
			snap, err := next()
			if err != nil {
				if status.Code(err) != codes.Canceled && !errors.Is(err, context.Canceled) && !errors.Is(err, iterator.Done) {
					logger.Warn("Document subscription ended",
						zap.String("collection", collection),
						zap.String("id", id),
						zap.Error(err))
					p.feed.Fail(fmt.Errorf("subscription failed: %w", err))
				}
				return
			}

			var evt *event.Event
			if snap.Exists {
				evt = event.NewDocumentChanged(collection, id, snap.Data, snap.UpdatedAt, 0)
			} else {
				evt = event.NewDocumentDeleted(collection, id)
			}
			_ = d.Dispatch(context.Background(), evt)
		}
	}()

	return p
}

// Next implements port.Subscription
func (p *pump) Next(ctx context.Context) (*port.Snapshot, error) {
	return p.feed.Next(ctx)
}

// Stop implements port.Subscription. It waits for the stream to shut down.
func (p *pump) Stop() {
	p.feed.Stop()
	p.cancel()
	<-p.done
}

var _ port.DocumentStore = (*Store)(nil)
