package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

const (
	recordKeyPrefix = "rec/"
	idemKeyPrefix   = "idem/"
)

// Options configures a BadgerStore.
type Options struct {
	// Path is the directory for the Badger value log and LSM tree.
	// Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests and local runs.
	InMemory bool

	// Logger receives store-level events. Defaults to slog.Default().
	Logger *slog.Logger
}

// BadgerStore persists records in Badger. Single-record atomicity and
// optimistic concurrency both ride on Badger's serializable transactions:
// every mutation is a read-modify-write inside one Update transaction, so
// two racing writers to the same id cannot both commit.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// Open opens (or creates) the record store.
func Open(opts Options) (*BadgerStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open record store",
			goerr.T(TagStoreIO), goerr.V("path", opts.Path))
	}

	logger.Info("knowledge store opened", "path", opts.Path, "in_memory", opts.InMemory)
	return &BadgerStore{db: db, logger: logger}, nil
}

// Create persists a new record. When the request carries an idempotency
// token that has been seen before, the originally created record is
// returned and nothing is written.
func (s *BadgerStore) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            uuid.New().String(),
		Content:       req.Content,
		Attributes:    cloneAttrs(req.Attributes),
		PredecessorID: req.PredecessorID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	var out *Record
	err := s.update(ctx, func(txn *badger.Txn) error {
		if req.IdempotencyToken != "" {
			if existing, err := s.lookupToken(txn, req.IdempotencyToken); err != nil {
				return err
			} else if existing != nil {
				s.logger.Debug("create replayed via idempotency token",
					"token", req.IdempotencyToken, "id", existing.ID)
				out = existing
				return nil
			}
		}

		if req.PredecessorID != "" {
			if _, err := getRecord(txn, req.PredecessorID); err != nil {
				if IsNotFound(err) {
					return goerr.New("predecessor record does not exist",
						goerr.T(TagValidation), goerr.V("predecessor_id", req.PredecessorID))
				}
				return err
			}
		}

		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if req.IdempotencyToken != "" {
			if err := txn.Set([]byte(idemKeyPrefix+req.IdempotencyToken), []byte(rec.ID)); err != nil {
				return goerr.Wrap(err, "failed to persist idempotency token", goerr.T(TagStoreIO))
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("record created", "id", out.ID, "predecessor", out.PredecessorID)
	return out.Clone(), nil
}

// Load returns the record for id.
func (s *BadgerStore) Load(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, goerr.New("record id must not be empty", goerr.T(TagValidation))
	}

	var rec *Record
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update mutates a record in place. The id, creation time, and predecessor
// link never change here; TEMPORAL_CHANGE-style supersession goes through
// Create with a PredecessorID instead.
func (s *BadgerStore) Update(ctx context.Context, req UpdateRequest) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var out *Record
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, req.ID)
		if err != nil {
			return err
		}

		if req.ExpectedVersion != 0 && rec.Version != req.ExpectedVersion {
			return goerr.New("record was modified concurrently",
				goerr.T(TagConflict),
				goerr.V("id", req.ID),
				goerr.V("expected_version", req.ExpectedVersion),
				goerr.V("stored_version", rec.Version))
		}

		if req.Content != nil {
			rec.Content = *req.Content
		}
		if len(req.Attributes) > 0 {
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]string, len(req.Attributes))
			}
			for k, v := range req.Attributes {
				rec.Attributes[k] = v
			}
		}
		rec.UpdatedAt = time.Now().UTC()
		if rec.UpdatedAt.Before(rec.CreatedAt) {
			rec.UpdatedAt = rec.CreatedAt
		}
		rec.Version++

		if err := putRecord(txn, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("record updated", "id", out.ID, "version", out.Version)
	return out.Clone(), nil
}

// List returns all records matching the filter.
func (s *BadgerStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	var out []*Record
	err := s.Each(ctx, func(rec *Record) error {
		if f.Matches(rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a record permanently.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return goerr.New("record id must not be empty", goerr.T(TagValidation))
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := getRecord(txn, id); err != nil {
			return err
		}
		if err := txn.Delete([]byte(recordKeyPrefix + id)); err != nil {
			return goerr.Wrap(err, "failed to delete record",
				goerr.T(TagStoreIO), goerr.V("id", id))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("record deleted", "id", id)
	return nil
}

// Each iterates every stored record.
func (s *BadgerStore) Each(ctx context.Context, fn func(*Record) error) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec Record
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return goerr.Wrap(err, "failed to decode record",
					goerr.T(TagStoreIO), goerr.V("key", string(it.Item().Key())))
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return goerr.Wrap(err, "failed to close record store", goerr.T(TagStoreIO))
	}
	return nil
}

func (s *BadgerStore) update(ctx context.Context, fn func(*badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		// Badger's SSI detected overlapping read/write sets; surface it
		// the same way as an explicit version mismatch.
		return goerr.Wrap(err, "record was modified concurrently", goerr.T(TagConflict))
	}
	return err
}

func (s *BadgerStore) view(ctx context.Context, fn func(*badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) lookupToken(txn *badger.Txn, token string) (*Record, error) {
	item, err := txn.Get([]byte(idemKeyPrefix + token))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read idempotency token", goerr.T(TagStoreIO))
	}

	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read idempotency token", goerr.T(TagStoreIO))
	}
	return getRecord(txn, string(id))
}

func getRecord(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get([]byte(recordKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, goerr.New("record not found", goerr.T(TagNotFound), goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read record",
			goerr.T(TagStoreIO), goerr.V("id", id))
	}

	var rec Record
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode record",
			goerr.T(TagStoreIO), goerr.V("id", id))
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return goerr.Wrap(err, "failed to encode record",
			goerr.T(TagStoreIO), goerr.V("id", rec.ID))
	}
	if err := txn.Set([]byte(recordKeyPrefix+rec.ID), data); err != nil {
		return goerr.Wrap(err, "failed to write record",
			goerr.T(TagStoreIO), goerr.V("id", rec.ID))
	}
	return nil
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}
