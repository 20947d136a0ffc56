package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/engramdb/engram/knowledge"
)

// WorkingContext is the per-session view the agent currently operates on:
// elements carried across episode boundaries, knowledge retrieved during the
// current episode, and the inputs integrated into it. Each session owns one
// WorkingContext and runs one pipeline at a time over it.
type WorkingContext struct {
	SessionID string

	// Episode counts boundary resets within this session, starting at 1.
	Episode int

	// Preserved holds elements carried into this episode from the last one.
	Preserved []string

	// Retrieved accumulates knowledge surfaced during this episode.
	Retrieved []*knowledge.Record

	// Integrated lists the inputs folded into this episode, oldest first.
	Integrated []string

	archived []ContextSnapshot
}

// ContextSnapshot is a closed episode's context, retained for inspection.
type ContextSnapshot struct {
	Episode    int
	Preserved  []string
	Retrieved  []*knowledge.Record
	Integrated []string
	ClosedAt   time.Time
}

// NewWorkingContext opens the first episode for a session.
func NewWorkingContext(sessionID string) *WorkingContext {
	return &WorkingContext{
		SessionID: sessionID,
		Episode:   1,
	}
}

// ArchiveAndReset closes the current episode, retaining its content, and
// seeds the next one with only the carried-forward elements.
func (c *WorkingContext) ArchiveAndReset(preserve []string) {
	c.archived = append(c.archived, ContextSnapshot{
		Episode:    c.Episode,
		Preserved:  c.Preserved,
		Retrieved:  c.Retrieved,
		Integrated: c.Integrated,
		ClosedAt:   time.Now().UTC(),
	})

	c.Episode++
	c.Preserved = append([]string(nil), preserve...)
	c.Retrieved = nil
	c.Integrated = nil
}

// Archived returns the closed episodes, oldest first.
func (c *WorkingContext) Archived() []ContextSnapshot {
	return c.archived
}

// Summary renders the context for oracle consumption, one element per line.
func (c *WorkingContext) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s, episode %d\n", c.SessionID, c.Episode)
	for _, p := range c.Preserved {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	for _, rec := range c.Retrieved {
		b.WriteString(rec.Content)
		b.WriteByte('\n')
	}
	for _, in := range c.Integrated {
		b.WriteString(in)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
