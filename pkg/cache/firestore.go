package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/illmade-knight/go-liveboard/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreDeleteBatch = 200

// FirestoreConfig holds configuration for the Firestore backend.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
	// CompactEvery is the number of writes between expiry sweeps.
	CompactEvery int
}

// firestoreEntry is the document stored for each cache key.
type firestoreEntry struct {
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreBackend is a Backend with one document per key.
// Low volume deployments only: every operation is a network round-trip.
type FirestoreBackend struct {
	client         *firestore.Client
	collectionName string
	compactor      *compactor
	now            func() time.Time
	logger         zerolog.Logger
}

// NewFirestoreBackend creates a FirestoreBackend. The client's lifecycle is
// managed by the caller.
func NewFirestoreBackend(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreBackend initialized.")

	return &FirestoreBackend{
		client:         client,
		collectionName: cfg.CollectionName,
		compactor:      newCompactor(cfg.CompactEvery),
		now:            time.Now,
		logger:         logger.With().Str("component", "FirestoreBackend").Logger(),
	}, nil
}

func (f *FirestoreBackend) Name() string { return "firestore" }

// doc maps a cache key to a document. Keys contain characters such as '/'
// that are not valid in document IDs, so they are path-escaped.
func (f *FirestoreBackend) doc(key string) *firestore.DocumentRef {
	return f.client.Collection(f.collectionName).Doc(url.PathEscape(key))
}

// Get returns the stored value. An expired document is deleted and reported
// as ErrMiss.
func (f *FirestoreBackend) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := f.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var entry firestoreEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	if !f.now().Before(entry.ExpiresAt) {
		// Precondition on the read's update time so a concurrent rewrite survives.
		if _, err := f.doc(key).Delete(ctx, firestore.LastUpdateTime(snap.UpdateTime)); err != nil && status.Code(err) != codes.FailedPrecondition {
			f.logger.Debug().Err(err).Str("key", key).Msg("Failed to delete expired cache document.")
		}
		return nil, ErrMiss
	}
	return entry.Value, nil
}

// Set writes the document and sweeps expired documents once every
// CompactEvery writes.
func (f *FirestoreBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := firestoreEntry{Value: value, ExpiresAt: f.now().Add(ttl)}
	if _, err := f.doc(key).Set(ctx, entry); err != nil {
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}

	if f.compactor.recordWrite() {
		if _, err := f.Compact(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("Cache compaction failed.")
		}
	}
	return nil
}

// Compact deletes expired documents in batches and returns how many were
// removed.
func (f *FirestoreBackend) Compact(ctx context.Context) (int, error) {
	q := f.client.Collection(f.collectionName).Where("expiresAt", "<=", f.now())
	n, err := f.deleteMatching(ctx, q)
	metrics.CacheCompactedEntries.WithLabelValues(f.Name()).Add(float64(n))
	if err != nil {
		return n, fmt.Errorf("firestore compact: %w", err)
	}
	f.logger.Debug().Int("removed", n).Msg("Compacted expired cache documents.")
	return n, nil
}

func (f *FirestoreBackend) Delete(ctx context.Context, key string) error {
	if _, err := f.doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

func (f *FirestoreBackend) Clear(ctx context.Context) error {
	if _, err := f.deleteMatching(ctx, f.client.Collection(f.collectionName).Query); err != nil {
		return fmt.Errorf("firestore clear: %w", err)
	}
	return nil
}

// Len counts live documents with a server-side aggregation.
func (f *FirestoreBackend) Len(ctx context.Context) (int, error) {
	q := f.client.Collection(f.collectionName).Where("expiresAt", ">", f.now())
	res, err := q.NewAggregationQuery().WithCount("live").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("firestore len: %w", err)
	}
	v, ok := res["live"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("firestore len: unexpected aggregation result %T", res["live"])
	}
	return int(v.GetIntegerValue()), nil
}

func (f *FirestoreBackend) Ping(ctx context.Context) error {
	iter := f.client.Collection(f.collectionName).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (f *FirestoreBackend) Close() error {
	f.logger.Info().Msg("FirestoreBackend does not close the injected Firestore client.")
	return nil
}

// deleteMatching deletes the documents selected by q, firestoreDeleteBatch at
// a time, until the query is empty.
func (f *FirestoreBackend) deleteMatching(ctx context.Context, q firestore.Query) (int, error) {
	total := 0
	for {
		iter := q.Limit(firestoreDeleteBatch).Documents(ctx)
		bw := f.client.BulkWriter(ctx)
		batch := 0
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				bw.End()
				return total, err
			}
			if _, err := bw.Delete(snap.Ref); err != nil {
				iter.Stop()
				bw.End()
				return total, err
			}
			batch++
		}
		iter.Stop()
		bw.End()
		total += batch
		if batch < firestoreDeleteBatch {
			return total, nil
		}
	}
}
