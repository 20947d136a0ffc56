// Package oracle defines the reasoning boundary of the memory engine.
//
// Every judgment call - has the conversation moved to a new episode, what
// should we search for, should this input be stored and how - is delegated
// to an Oracle through a single Decide method that takes a structured
// situation and returns a tagged decision. The engine never interprets
// natural language itself; it only acts on decisions.
//
// Backends: rules.Oracle is deterministic and dependency-free for tests and
// local runs; anthropic.Oracle asks Claude and extracts the decision from a
// forced tool call. Both are treated as possibly slow and possibly
// unavailable: callers always attach a timeout and handle failure with the
// owning stage's degradation policy.
package oracle

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Kind discriminates what judgment a situation asks for.
type Kind string

const (
	// KindEpisodeBoundary asks whether the new input continues the current
	// episode or opens a new one.
	KindEpisodeBoundary Kind = "episode_boundary"

	// KindQueryFormulation asks for a semantic search query derived from
	// the new input, possibly expanded with related terms.
	KindQueryFormulation Kind = "query_formulation"

	// KindStorageClassification asks what mutation, if any, the new input
	// implies given the retrieved candidates.
	KindStorageClassification Kind = "storage_classification"
)

// Action is the storage classification outcome.
type Action string

const (
	// ActionNone marks informational input that needs no store mutation.
	ActionNone Action = "NO_ACTION"

	// ActionCreate persists a brand new record.
	ActionCreate Action = "CREATE"

	// ActionCorrection fixes a wrong detail of an existing record in
	// place: same id, no predecessor link.
	ActionCorrection Action = "CORRECTION"

	// ActionTemporalChange records that the fact genuinely changed over
	// time: a new record superseding (but preserving) the old one.
	ActionTemporalChange Action = "TEMPORAL_CHANGE"

	// ActionConflictResolution merges disagreeing records into one new
	// record; the superseded records are tagged, never deleted.
	ActionConflictResolution Action = "CONFLICT_RESOLUTION"
)

// Candidate is an existing record offered to the oracle as context for
// storage classification.
type Candidate struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	Version    int64             `json:"version"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Situation is the structured description handed to Decide.
type Situation struct {
	Kind Kind

	// Input is the new input text under consideration.
	Input string

	// ContextSummary describes the current working context.
	ContextSummary string

	// Candidates holds retrieval output, most relevant first. Only set
	// for storage classification.
	Candidates []Candidate

	// Attributes are caller-supplied attributes to carry onto any record
	// the decision creates.
	Attributes map[string]string
}

// BoundaryDecision answers an episode-boundary situation.
type BoundaryDecision struct {
	// NewEpisode is true when the input opens a new context.
	NewEpisode bool `json:"new_episode"`

	// Preserve lists context elements to carry into the fresh episode.
	Preserve []string `json:"preserve,omitempty"`
}

// QueryDecision answers a query-formulation situation.
type QueryDecision struct {
	// Query is the search text, possibly expanded with related terms.
	Query string `json:"query"`
}

// StorageDecision answers a storage-classification situation.
type StorageDecision struct {
	Action Action `json:"action"`

	// TargetID names the record to correct or supersede. Required for
	// every action except NO_ACTION and CREATE.
	TargetID string `json:"target_id,omitempty"`

	// Content is the knowledge statement to persist.
	Content string `json:"content,omitempty"`

	// Attributes to set on the affected record.
	Attributes map[string]string `json:"attributes,omitempty"`

	// SupersededIDs lists additional records resolved away by a
	// CONFLICT_RESOLUTION beyond TargetID.
	SupersededIDs []string `json:"superseded_ids,omitempty"`
}

// Decision is the tagged result of Decide. Exactly one of the pointer
// fields matching Kind is set.
type Decision struct {
	Kind     Kind
	Boundary *BoundaryDecision
	Query    *QueryDecision
	Storage  *StorageDecision

	// Reason explains the decision. Threaded into diagnostics and stored
	// attributes so every mutation stays explainable.
	Reason string
}

// Oracle is a stateless decision-making capability.
type Oracle interface {
	Decide(ctx context.Context, s Situation) (*Decision, error)
}

// Error tags for oracle failures. Both are stage-local: the owning stage
// converts them into a degraded result and a safe default.
var (
	TagUnavailable = goerr.NewTag("oracle_unavailable")
	TagTimeout     = goerr.NewTag("oracle_timeout")
)

// IsTimeout reports whether err is an oracle deadline expiry.
func IsTimeout(err error) bool {
	return goerr.HasTag(err, TagTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsUnavailable reports whether err is an oracle availability failure.
func IsUnavailable(err error) bool {
	return goerr.HasTag(err, TagUnavailable)
}
