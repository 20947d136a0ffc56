package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/engramdb/engram/oracle"
)

// EpisodeResult reports the boundary judgment for one input.
type EpisodeResult struct {
	// NewEpisode is true when the context was archived and reset.
	NewEpisode bool

	// Preserved lists the elements carried into the fresh episode.
	Preserved []string

	Degraded   bool
	Diagnostic string
}

// EpisodeTracker evaluates, once per input, whether the conversation has
// moved into a new episode. The judgment is the oracle's; the tracker only
// applies it to the working context.
type EpisodeTracker struct {
	oracle  oracle.Oracle
	timeout time.Duration
	logger  *slog.Logger
}

// NewEpisodeTracker wires the tracker. A zero timeout defaults to 10s.
func NewEpisodeTracker(o oracle.Oracle, timeout time.Duration, logger *slog.Logger) *EpisodeTracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EpisodeTracker{oracle: o, timeout: timeout, logger: logger}
}

// Evaluate classifies the boundary and mutates the working context when an
// episode closes. Oracle failure fails open to continuation: existing
// context is never dropped on a guess.
func (t *EpisodeTracker) Evaluate(ctx context.Context, wc *WorkingContext, msg *Message) *EpisodeResult {
	octx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	decision, err := t.oracle.Decide(octx, oracle.Situation{
		Kind:           oracle.KindEpisodeBoundary,
		Input:          msg.Content,
		ContextSummary: wc.Summary(),
	})
	if err != nil {
		t.logger.Warn("episode boundary oracle failed, continuing current episode",
			"session", wc.SessionID, "error", err)
		msg.Set(MetaEpisodeNew, "false")
		return &EpisodeResult{
			Degraded:   true,
			Diagnostic: "boundary judgment unavailable, defaulted to continuation: " + err.Error(),
		}
	}
	if decision.Boundary == nil {
		msg.Set(MetaEpisodeNew, "false")
		return &EpisodeResult{
			Degraded:   true,
			Diagnostic: "oracle returned no boundary decision, defaulted to continuation",
		}
	}

	res := &EpisodeResult{
		NewEpisode: decision.Boundary.NewEpisode,
		Preserved:  decision.Boundary.Preserve,
	}
	if res.NewEpisode {
		wc.ArchiveAndReset(res.Preserved)
		t.logger.Info("episode boundary detected",
			"session", wc.SessionID, "episode", wc.Episode,
			"preserved", len(res.Preserved), "reason", decision.Reason)
	}

	msg.Set(MetaEpisodeNew, strconv.FormatBool(res.NewEpisode))
	if len(res.Preserved) > 0 {
		msg.Set(MetaEpisodePreserved, strings.Join(res.Preserved, "\n"))
	}
	return res
}
