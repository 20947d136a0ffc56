package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/engramdb/engram/knowledge"
	"github.com/engramdb/engram/memory"
	"github.com/engramdb/engram/oracle"
)

// supersededByKey tags records resolved away by a newer record. The tagged
// record's content is never touched; history stays loadable and filterable.
const supersededByKey = "superseded_by"

// StorageResult reports the classification and the mutation it caused.
// NO_ACTION is a first-class outcome, emitted rather than dropped.
type StorageResult struct {
	Action oracle.Action

	// Record is the created or updated record, nil for NO_ACTION.
	Record *knowledge.Record

	// Reason is the oracle's rationale for the classification.
	Reason string

	Degraded    bool
	Diagnostics []string
}

func (r *StorageResult) degrade(diag string) {
	r.Degraded = true
	r.Diagnostics = append(r.Diagnostics, diag)
}

// StorageStage classifies one input against the retrieved candidates and
// applies the resulting mutation, record store first, index after.
type StorageStage struct {
	oracle  oracle.Oracle
	manager *memory.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewStorageStage wires the stage. A zero timeout defaults to 10s.
func NewStorageStage(o oracle.Oracle, mgr *memory.Manager, timeout time.Duration, logger *slog.Logger) *StorageStage {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageStage{oracle: o, manager: mgr, timeout: timeout, logger: logger}
}

// Run classifies and applies. Oracle failure degrades to NO_ACTION; a failed
// mutation degrades the result instead of aborting the pipeline. Replays of
// the same message cannot create duplicates: every create is keyed on the
// message's idempotency token.
func (s *StorageStage) Run(ctx context.Context, wc *WorkingContext, msg *Message, retrieval *RetrievalResult) (*StorageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &StorageResult{Action: oracle.ActionNone}

	octx, cancel := context.WithTimeout(ctx, s.timeout)
	decision, err := s.oracle.Decide(octx, oracle.Situation{
		Kind:           oracle.KindStorageClassification,
		Input:          msg.Content,
		ContextSummary: wc.Summary(),
		Candidates:     retrieval.Candidates(),
	})
	cancel()
	if err != nil {
		res.degrade("storage classification unavailable, defaulted to no action: " + err.Error())
		s.logger.Warn("storage classification failed",
			"session", wc.SessionID, "error", err)
		s.annotate(msg, res)
		return res, nil
	}
	if decision.Storage == nil {
		res.degrade("oracle returned no storage decision, defaulted to no action")
		s.annotate(msg, res)
		return res, nil
	}

	res.Action = decision.Storage.Action
	res.Reason = decision.Reason
	s.apply(ctx, msg, decision.Storage, res)

	s.logger.Info("storage action applied",
		"session", wc.SessionID, "action", res.Action,
		"degraded", res.Degraded, "reason", res.Reason)
	s.annotate(msg, res)
	return res, nil
}

func (s *StorageStage) apply(ctx context.Context, msg *Message, d *oracle.StorageDecision, res *StorageResult) {
	content := d.Content
	if content == "" {
		content = msg.Content
	}

	switch d.Action {
	case oracle.ActionNone:
		// Emitted as a diagnostic result, nothing to persist.

	case oracle.ActionCreate:
		s.create(ctx, res, knowledge.CreateRequest{
			Content:          content,
			Attributes:       d.Attributes,
			IdempotencyToken: msg.Token,
		})

	case oracle.ActionCorrection:
		s.correct(ctx, res, d.TargetID, content, d.Attributes)

	case oracle.ActionTemporalChange:
		s.create(ctx, res, knowledge.CreateRequest{
			Content:          content,
			Attributes:       d.Attributes,
			PredecessorID:    d.TargetID,
			IdempotencyToken: msg.Token,
		})
		if res.Record != nil {
			s.tagSuperseded(ctx, res, res.Record.ID, d.TargetID)
		}

	case oracle.ActionConflictResolution:
		s.create(ctx, res, knowledge.CreateRequest{
			Content:          content,
			Attributes:       d.Attributes,
			PredecessorID:    d.TargetID,
			IdempotencyToken: msg.Token,
		})
		if res.Record != nil {
			s.tagSuperseded(ctx, res, res.Record.ID, d.TargetID)
			s.tagSuperseded(ctx, res, res.Record.ID, d.SupersededIDs...)
		}

	default:
		res.Action = oracle.ActionNone
		res.degrade("oracle returned an unknown action, defaulted to no action")
	}
}

func (s *StorageStage) create(ctx context.Context, res *StorageResult, req knowledge.CreateRequest) {
	out, err := s.manager.Create(ctx, req)
	if err != nil {
		res.degrade("create failed: " + err.Error())
		return
	}
	res.Record = out.Record
	if out.Degraded {
		res.degrade(out.Diagnostic)
	}
}

// correct updates the target in place: same id, no predecessor link. A
// version conflict gets one retry against the freshly loaded record.
func (s *StorageStage) correct(ctx context.Context, res *StorageResult, targetID, content string, attrs map[string]string) {
	if targetID == "" {
		res.degrade("correction without a target record, no action taken")
		res.Action = oracle.ActionNone
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.manager.Load(ctx, targetID)
		if err != nil {
			res.degrade("correction target not loadable: " + err.Error())
			return
		}

		out, err := s.manager.Update(ctx, knowledge.UpdateRequest{
			ID:              targetID,
			Content:         &content,
			Attributes:      attrs,
			ExpectedVersion: current.Version,
		})
		if knowledge.IsConflict(err) && attempt == 0 {
			continue
		}
		if err != nil {
			res.degrade("correction failed: " + err.Error())
			return
		}

		res.Record = out.Record
		if out.Degraded {
			res.degrade(out.Diagnostic)
		}
		return
	}
}

// tagSuperseded marks older records as resolved away by newID. Best effort:
// failure to tag is a diagnostic, the new record already carries the link.
func (s *StorageStage) tagSuperseded(ctx context.Context, res *StorageResult, newID string, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		out, err := s.manager.Update(ctx, knowledge.UpdateRequest{
			ID:         id,
			Attributes: map[string]string{supersededByKey: newID},
		})
		if err != nil {
			res.degrade("failed to tag superseded record " + id + ": " + err.Error())
			continue
		}
		if out.Degraded {
			res.degrade(out.Diagnostic)
		}
	}
}

func (s *StorageStage) annotate(msg *Message, res *StorageResult) {
	msg.Set(MetaStorageAction, string(res.Action))
	if res.Record != nil {
		msg.Set(MetaStorageRecordID, res.Record.ID)
	}
	if res.Reason != "" {
		msg.Set(MetaStorageReason, res.Reason)
	}
}
