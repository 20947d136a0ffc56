package pipeline

import (
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"github.com/engramdb/engram/knowledge"
)

// Assembly is the user-visible output of one pipeline run: the updated
// working context plus what this run contributed to it.
type Assembly struct {
	Context *WorkingContext

	// Input is the text integrated by this run.
	Input string

	// Primary is the most relevant retrieved record, nil when retrieval
	// came up empty.
	Primary *knowledge.Record

	// Supporting holds the lower-relevance retrieved records.
	Supporting []*knowledge.Record

	// Action names the storage outcome of this run.
	Action string

	// Stored is the record created or updated by this run, if any.
	Stored *knowledge.Record
}

// ContextAssembler folds retrieval and storage output into the working
// context. This is the terminal stage: it has no fallback, so its failure
// surfaces to the caller instead of degrading.
type ContextAssembler struct {
	logger *slog.Logger
}

// NewContextAssembler wires the assembler.
func NewContextAssembler(logger *slog.Logger) *ContextAssembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextAssembler{logger: logger}
}

// Assemble merges the run's outputs into the context. Retrieval and storage
// results may be nil when their stages degraded to nothing.
func (a *ContextAssembler) Assemble(wc *WorkingContext, msg *Message, retrieval *RetrievalResult, storage *StorageResult) (*Assembly, error) {
	if wc == nil {
		return nil, goerr.New("cannot assemble without a working context")
	}
	if msg == nil {
		return nil, goerr.New("cannot assemble without a message")
	}

	out := &Assembly{Context: wc, Input: msg.Content}

	if !retrieval.Empty() {
		out.Primary = retrieval.Primary
		out.Supporting = retrieval.Secondary
		wc.Retrieved = appendNewRecords(wc.Retrieved, retrieval.Primary)
		wc.Retrieved = appendNewRecords(wc.Retrieved, retrieval.Secondary...)
	}

	if storage != nil {
		out.Action = string(storage.Action)
		out.Stored = storage.Record
		if storage.Record != nil {
			wc.Retrieved = appendNewRecords(wc.Retrieved, storage.Record)
		}
	}

	wc.Integrated = append(wc.Integrated, msg.Content)

	a.logger.Debug("context assembled",
		"session", wc.SessionID, "episode", wc.Episode,
		"retrieved", len(wc.Retrieved), "integrated", len(wc.Integrated))
	return out, nil
}

// appendNewRecords appends records not already present, keyed by id.
func appendNewRecords(dst []*knowledge.Record, recs ...*knowledge.Record) []*knowledge.Record {
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		seen := false
		for _, have := range dst {
			if have.ID == rec.ID {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, rec)
		}
	}
	return dst
}
