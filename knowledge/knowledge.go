// Package knowledge provides durable persistence for knowledge records.
//
// The record store is the source of truth of the memory engine. Every other
// view of the data, including the semantic index, is a derived projection
// that can be rebuilt from the records held here.
//
// Records are immutable in identity: ids are generated by the store and
// never reassigned. History is additive - superseded records stay loadable
// and are referenced through PredecessorID. Destruction only happens through
// an explicit Delete at this boundary, never as a side effect of updates.
package knowledge

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Record is a single persisted unit of remembered content.
type Record struct {
	// ID is an opaque unique token generated by the store.
	ID string `json:"id"`

	// Content is the knowledge statement itself.
	Content string `json:"content"`

	// Attributes is an open-ended key/value map used for filtering and
	// for carrying decision context (category, source, superseded ids).
	Attributes map[string]string `json:"attributes,omitempty"`

	// PredecessorID references the record this one supersedes, if any.
	// The referenced record remains loadable and unmodified.
	PredecessorID string `json:"predecessor_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every successful update. Callers supply it
	// back as ExpectedVersion to detect concurrent modification.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// CreateRequest describes a new record. The store generates the id.
type CreateRequest struct {
	Content    string
	Attributes map[string]string

	// PredecessorID links the new record to the one it supersedes.
	// Must reference an existing record when set.
	PredecessorID string

	// IdempotencyToken, when set, makes the create replay-safe: a second
	// create with the same token returns the originally created record
	// instead of persisting a duplicate.
	IdempotencyToken string
}

// Validate checks the request before it reaches the write path.
func (r CreateRequest) Validate() error {
	if r.Content == "" {
		return goerr.New("record content must not be empty", goerr.T(TagValidation))
	}
	return nil
}

// UpdateRequest describes an in-place mutation of an existing record.
// Nil Content leaves the content untouched; Attributes are merged into the
// existing map rather than replacing it.
type UpdateRequest struct {
	ID         string
	Content    *string
	Attributes map[string]string

	// ExpectedVersion, when non-zero, makes the update conditional:
	// a mismatch with the stored version fails with a conflict error
	// and the caller must retry from a fresh load.
	ExpectedVersion int64
}

// Validate checks the request before it reaches the write path.
func (r UpdateRequest) Validate() error {
	if r.ID == "" {
		return goerr.New("record id must not be empty", goerr.T(TagValidation))
	}
	if r.Content == nil && len(r.Attributes) == 0 {
		return goerr.New("update must change content or attributes",
			goerr.T(TagValidation), goerr.V("id", r.ID))
	}
	if r.Content != nil && *r.Content == "" {
		return goerr.New("record content must not be empty",
			goerr.T(TagValidation), goerr.V("id", r.ID))
	}
	return nil
}

// Filter narrows List results. A record matches when every attribute
// pair is present with an equal value. The zero Filter matches everything.
type Filter struct {
	Attributes map[string]string
}

// Matches reports whether the record satisfies the filter.
func (f Filter) Matches(rec *Record) bool {
	for k, want := range f.Attributes {
		if got, ok := rec.Attributes[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Store is the record persistence boundary. All operations are atomic with
// respect to a single record: a write either fully lands or not at all, and
// is observable via Load immediately after the call returns.
type Store interface {
	// Create persists a new record and returns it with a generated id.
	Create(ctx context.Context, req CreateRequest) (*Record, error)

	// Load returns the record for id, or a not_found error.
	Load(ctx context.Context, id string) (*Record, error)

	// Update mutates an existing record in place. With ExpectedVersion
	// set, a stale version fails with a conflict error.
	Update(ctx context.Context, req UpdateRequest) (*Record, error)

	// List returns all records matching the filter.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// Delete removes a record permanently. Not invoked by the pipeline;
	// exposed for direct management.
	Delete(ctx context.Context, id string) error

	// Each iterates every record, in unspecified order. Used as the
	// source of truth when rebuilding the semantic index.
	Each(ctx context.Context, fn func(*Record) error) error

	Close() error
}
