// Package pipeline runs one input through the memory engine's four stages:
// episode boundary tracking, retrieval, storage classification, and context
// assembly. Stages run strictly in sequence; their results are streamed to
// the caller as they are produced. A non-terminal stage that fails degrades
// to a safe default and the pipeline keeps going; only the terminal
// assembler surfaces failure, because nothing can absorb it.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/engramdb/engram/memory"
	"github.com/engramdb/engram/oracle"
)

// Stage names carried on streamed results.
const (
	StageEpisode   = "episode"
	StageRetrieval = "retrieval"
	StageStorage   = "storage"
	StageAssembler = "assembler"
)

// StageResult is one streamed pipeline event.
type StageResult struct {
	// Stage identifies which stage produced this result.
	Stage string

	// Payload is the stage's structured output: *EpisodeResult,
	// *RetrievalResult, *StorageResult, or *Assembly.
	Payload interface{}

	// Terminal is true for the final result of the run.
	Terminal bool

	// Degraded marks a stage that fell back to a safe default.
	Degraded bool

	// Diagnostic explains a degradation. Observable, not an error.
	Diagnostic string

	// Err is set only on a terminal failure: cancellation between stages
	// or an assembler fault.
	Err error
}

// Options configures a Coordinator.
type Options struct {
	// Oracle makes all judgment calls. Required.
	Oracle oracle.Oracle

	// Manager owns the two stores. Required.
	Manager *memory.Manager

	// RetrievalLimit bounds matches per query. Default 5.
	RetrievalLimit int

	// SimilarityFloor drops matches scoring below it. Default 0.
	SimilarityFloor float64

	// OracleTimeout bounds each oracle call. Default 10s.
	OracleTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator sequences the stages and streams their results.
type Coordinator struct {
	episodes  *EpisodeTracker
	retrieval *RetrievalStage
	storage   *StorageStage
	assembler *ContextAssembler
	logger    *slog.Logger
}

// NewCoordinator wires the four stages.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		episodes:  NewEpisodeTracker(opts.Oracle, opts.OracleTimeout, logger),
		retrieval: NewRetrievalStage(opts.Oracle, opts.Manager, opts.RetrievalLimit, opts.SimilarityFloor, opts.OracleTimeout, logger),
		storage:   NewStorageStage(opts.Oracle, opts.Manager, opts.OracleTimeout, logger),
		assembler: NewContextAssembler(logger),
		logger:    logger,
	}
}

// Process runs one input through the pipeline against the session's working
// context. Results stream on the returned channel in stage order; the
// channel closes when the run ends. Cancellation is honored between stages:
// a stage that has started completes its (atomic) writes, the next one
// never starts.
//
// The channel buffer holds a full run's results, so an abandoned consumer
// never strands the pipeline goroutine.
func (c *Coordinator) Process(ctx context.Context, wc *WorkingContext, input string) <-chan StageResult {
	out := make(chan StageResult, 4)

	go func() {
		defer close(out)
		c.run(ctx, wc, NewMessage(input), out)
	}()

	return out
}

func (c *Coordinator) run(ctx context.Context, wc *WorkingContext, msg *Message, out chan<- StageResult) {
	if wc == nil {
		out <- StageResult{
			Stage:    StageAssembler,
			Terminal: true,
			Err:      goerr.New("cannot process without a working context"),
		}
		return
	}

	episode := c.episodes.Evaluate(ctx, wc, msg)
	out <- StageResult{
		Stage:      StageEpisode,
		Payload:    episode,
		Degraded:   episode.Degraded,
		Diagnostic: episode.Diagnostic,
	}
	if c.cancelled(ctx, out) {
		return
	}

	retrieval, err := c.retrieval.Run(ctx, wc, msg)
	if err != nil {
		// Retrieval is non-terminal: degrade to an empty result.
		retrieval = &RetrievalResult{
			Query:      msg.Content,
			Degraded:   true,
			Diagnostic: "retrieval failed, continuing with empty context: " + err.Error(),
		}
	}
	out <- StageResult{
		Stage:      StageRetrieval,
		Payload:    retrieval,
		Degraded:   retrieval.Degraded,
		Diagnostic: retrieval.Diagnostic,
	}
	if c.cancelled(ctx, out) {
		return
	}

	storage, err := c.storage.Run(ctx, wc, msg, retrieval)
	if err != nil {
		// Only cancellation escapes the stage.
		out <- StageResult{Stage: StageStorage, Terminal: true, Err: err}
		return
	}
	out <- StageResult{
		Stage:      StageStorage,
		Payload:    storage,
		Degraded:   storage.Degraded,
		Diagnostic: joinDiagnostics(storage.Diagnostics),
	}
	if c.cancelled(ctx, out) {
		return
	}

	assembly, err := c.assembler.Assemble(wc, msg, retrieval, storage)
	if err != nil {
		c.logger.Error("context assembly failed",
			"session", wc.SessionID, "error", err)
		out <- StageResult{Stage: StageAssembler, Terminal: true, Err: err}
		return
	}

	out <- StageResult{
		Stage:    StageAssembler,
		Payload:  assembly,
		Terminal: true,
	}
}

// cancelled checks for cancellation between stages and reports it as a
// terminal result.
func (c *Coordinator) cancelled(ctx context.Context, out chan<- StageResult) bool {
	if err := ctx.Err(); err != nil {
		out <- StageResult{Stage: StageAssembler, Terminal: true, Err: err}
		return true
	}
	return false
}

func joinDiagnostics(diags []string) string {
	switch len(diags) {
	case 0:
		return ""
	case 1:
		return diags[0]
	}
	s := diags[0]
	for _, d := range diags[1:] {
		s += "; " + d
	}
	return s
}
