// Package index maintains the semantic projection of the knowledge record
// store: one embedding entry per record, searchable by meaning.
//
// The index is derived state, never authoritative. Its central invariant is
// referential consistency with the record store - every non-deleted record
// has exactly one entry here and vice versa - and Reconcile is the designated
// repair path whenever that invariant is found broken.
package index

import (
	"context"
	"time"

	"github.com/engramdb/engram/knowledge"
	"github.com/m-mizutani/goerr/v2"
)

// TagInconsistency marks an id found in exactly one of the two stores.
// Detection triggers reconciliation; it is never fatal to a request.
var TagInconsistency = goerr.NewTag("index_inconsistency")

// IsInconsistency reports whether err is a dual-store drift failure.
func IsInconsistency(err error) bool { return goerr.HasTag(err, TagInconsistency) }

// SimilarityMatch is an ephemeral retrieval result. Score is a normalized
// similarity in [0,1] where 1 means identical meaning. Attributes carry the
// filterable copy stored alongside the embedding.
type SimilarityMatch struct {
	ID         string
	Score      float64
	Attributes map[string]string

	// UpdatedAt mirrors the record's update time at indexing. Used to
	// break score ties in favor of more recent knowledge.
	UpdatedAt time.Time
}

// ReconcileReport summarizes an index rebuild.
type ReconcileReport struct {
	// Scanned counts records read from the source of truth.
	Scanned int

	// Indexed counts entries written into the fresh index.
	Indexed int

	// Dropped counts entries the old index held beyond the rebuilt set,
	// i.e. orphans removed by the swap.
	Dropped int

	Took time.Duration
}

// RecordSource supplies every record during reconciliation. Satisfied by
// knowledge.Store.
type RecordSource interface {
	Each(ctx context.Context, fn func(*knowledge.Record) error) error
}

// Index is the semantic search boundary.
type Index interface {
	// Upsert indexes (or re-indexes) one record.
	Upsert(ctx context.Context, rec *knowledge.Record) error

	// FindSimilar returns up to limit matches for the query, ordered by
	// score descending with ties broken by UpdatedAt descending. An empty
	// index yields an empty result, not an error.
	FindSimilar(ctx context.Context, query string, limit int, filters map[string]string) ([]SimilarityMatch, error)

	// Remove drops the entry for id. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error

	// Reconcile rebuilds the whole index from the record store. Reads keep
	// being served from the previous snapshot until the rebuilt index is
	// swapped in; writes issued during the rebuild are serialized behind it
	// and land on the post-reconciliation state.
	Reconcile(ctx context.Context, source RecordSource) (*ReconcileReport, error)

	Close() error
}
