package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/knowledge"
	"github.com/engramdb/engram/memory"
	"github.com/engramdb/engram/oracle"
)

// RetrievalResult carries ranked candidate knowledge for one input: the best
// match separated from the lower-relevance remainder.
type RetrievalResult struct {
	// Query is the search text actually used.
	Query string

	Primary      *knowledge.Record
	PrimaryScore float64

	// Secondary holds the remaining matches, still score-ordered.
	Secondary []*knowledge.Record

	// Matches pairs every returned record with its similarity, primary first.
	Matches []index.SimilarityMatch

	Degraded   bool
	Diagnostic string
}

// Empty reports whether nothing relevant was found.
func (r *RetrievalResult) Empty() bool {
	return r == nil || r.Primary == nil
}

// RetrievalStage turns an input into ranked candidate knowledge. The query
// is formulated by the oracle; when the oracle cannot be reached the raw
// input text serves as the query so retrieval still runs.
type RetrievalStage struct {
	oracle  oracle.Oracle
	manager *memory.Manager
	limit   int
	floor   float64
	timeout time.Duration
	logger  *slog.Logger
}

// NewRetrievalStage wires the stage. Zero limit defaults to 5, zero timeout
// to 10s. Floor drops matches scoring below it.
func NewRetrievalStage(o oracle.Oracle, mgr *memory.Manager, limit int, floor float64, timeout time.Duration, logger *slog.Logger) *RetrievalStage {
	if limit <= 0 {
		limit = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalStage{
		oracle:  o,
		manager: mgr,
		limit:   limit,
		floor:   floor,
		timeout: timeout,
		logger:  logger,
	}
}

// Run formulates the query, searches, and hydrates matches into records.
// No matches above the floor is an empty result, not an error.
func (s *RetrievalStage) Run(ctx context.Context, wc *WorkingContext, msg *Message) (*RetrievalResult, error) {
	res := &RetrievalResult{Query: msg.Content}

	octx, cancel := context.WithTimeout(ctx, s.timeout)
	decision, err := s.oracle.Decide(octx, oracle.Situation{
		Kind:           oracle.KindQueryFormulation,
		Input:          msg.Content,
		ContextSummary: wc.Summary(),
	})
	cancel()
	switch {
	case err != nil:
		res.Degraded = true
		res.Diagnostic = "query formulation unavailable, searching with raw input: " + err.Error()
		s.logger.Warn("query formulation failed", "session", wc.SessionID, "error", err)
	case decision.Query == nil || decision.Query.Query == "":
		res.Degraded = true
		res.Diagnostic = "oracle returned no query, searching with raw input"
	default:
		res.Query = decision.Query.Query
	}

	records, matches, err := s.manager.FindSimilar(ctx, res.Query, s.limit, nil)
	if err != nil {
		return nil, err
	}

	for i, match := range matches {
		if match.Score < s.floor {
			continue
		}
		if res.Primary == nil {
			res.Primary = records[i]
			res.PrimaryScore = match.Score
		} else {
			res.Secondary = append(res.Secondary, records[i])
		}
		res.Matches = append(res.Matches, match)
	}

	msg.Set(MetaRetrievalQuery, res.Query)
	msg.Set(MetaRetrievalCount, strconv.Itoa(len(res.Matches)))
	if res.Primary != nil {
		msg.Set(MetaRetrievalPrimary, res.Primary.ID)
	}

	s.logger.Debug("retrieval complete",
		"session", wc.SessionID, "query", res.Query, "matches", len(res.Matches))
	return res, nil
}

// Candidates converts the result for oracle consumption.
func (r *RetrievalResult) Candidates() []oracle.Candidate {
	if r == nil {
		return nil
	}

	records := make([]*knowledge.Record, 0, 1+len(r.Secondary))
	if r.Primary != nil {
		records = append(records, r.Primary)
	}
	records = append(records, r.Secondary...)

	out := make([]oracle.Candidate, 0, len(records))
	for i, rec := range records {
		c := oracle.Candidate{
			ID:         rec.ID,
			Content:    rec.Content,
			Version:    rec.Version,
			Attributes: rec.Attributes,
		}
		if i < len(r.Matches) {
			c.Score = r.Matches[i].Score
		}
		out = append(out, c)
	}
	return out
}
