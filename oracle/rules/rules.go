// Package rules provides a deterministic, dependency-free Oracle backend.
//
// It classifies input with keyword heuristics: commands and questions are
// informational, temporal markers signal a changed fact, correction markers
// signal a wrong detail. This is intentionally crude - it exists so the
// pipeline has a fully predictable brain for tests and offline runs, while
// production swaps in a model-backed oracle behind the same interface.
package rules

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/engramdb/engram/oracle"
)

// relatednessFloor is the minimum candidate score treated as "about the
// same fact" by storage classification.
const relatednessFloor = 0.35

var (
	questionWords = []string{"what", "when", "where", "who", "why", "how", "is", "are", "do", "does", "did", "can", "could", "would", "will"}

	commandVerbs = []string{"open", "close", "turn", "stop", "start", "play", "pause", "show", "set"}

	correctionMarkers = []string{"no, i meant", "i meant", "that's wrong", "that is wrong", "correction:", "not "}

	temporalMarkers = []string{"switched to", "changed to", "no longer", "not anymore", "anymore", "now i", "these days", "from now on", "used to"}

	conflictMarkers = []string{"actually", "but i still", "sometimes still", "still "}

	boundaryMarkers = []string{"new topic", "by the way", "let's talk about", "changing the subject", "moving on", "unrelated,"}
)

// Oracle is the rule-based backend.
type Oracle struct{}

// New creates a rule-based oracle.
func New() *Oracle {
	return &Oracle{}
}

// Decide dispatches on the situation kind.
func (o *Oracle) Decide(ctx context.Context, s oracle.Situation) (*oracle.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch s.Kind {
	case oracle.KindEpisodeBoundary:
		return o.decideBoundary(s), nil
	case oracle.KindQueryFormulation:
		return o.decideQuery(s), nil
	case oracle.KindStorageClassification:
		return o.decideStorage(s), nil
	default:
		return nil, goerr.New("unknown situation kind",
			goerr.T(oracle.TagUnavailable), goerr.V("kind", s.Kind))
	}
}

func (o *Oracle) decideBoundary(s oracle.Situation) *oracle.Decision {
	input := strings.ToLower(s.Input)

	for _, marker := range boundaryMarkers {
		if strings.Contains(input, marker) {
			return &oracle.Decision{
				Kind: oracle.KindEpisodeBoundary,
				Boundary: &oracle.BoundaryDecision{
					NewEpisode: true,
					Preserve:   sharedElements(s.ContextSummary, input),
				},
				Reason: "input contains a topic-shift marker: " + marker,
			}
		}
	}

	return &oracle.Decision{
		Kind:     oracle.KindEpisodeBoundary,
		Boundary: &oracle.BoundaryDecision{NewEpisode: false},
		Reason:   "no topic-shift marker found",
	}
}

func (o *Oracle) decideQuery(s oracle.Situation) *oracle.Decision {
	// Strip question framing and stopwords; what remains is the semantic
	// core of the input.
	var kept []string
	for _, word := range strings.Fields(strings.ToLower(s.Input)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" || isStopword(word) {
			continue
		}
		kept = append(kept, word)
	}

	query := strings.Join(kept, " ")
	if query == "" {
		query = s.Input
	}

	return &oracle.Decision{
		Kind:   oracle.KindQueryFormulation,
		Query:  &oracle.QueryDecision{Query: query},
		Reason: "content words extracted from input",
	}
}

func (o *Oracle) decideStorage(s oracle.Situation) *oracle.Decision {
	input := strings.ToLower(strings.TrimSpace(s.Input))

	if isQuestion(input) {
		return storageDecision(oracle.StorageDecision{Action: oracle.ActionNone},
			"questions inform context but are not stored")
	}
	if isCommand(input) {
		return storageDecision(oracle.StorageDecision{Action: oracle.ActionNone},
			"commands carry no persistent knowledge")
	}

	related := relatedCandidates(s.Candidates)
	if len(related) == 0 {
		return storageDecision(oracle.StorageDecision{
			Action:     oracle.ActionCreate,
			Content:    s.Input,
			Attributes: s.Attributes,
		}, "no sufficiently related knowledge exists")
	}

	primary := related[0]

	if marker := firstMarker(input, correctionMarkers); marker != "" {
		return storageDecision(oracle.StorageDecision{
			Action:     oracle.ActionCorrection,
			TargetID:   primary.ID,
			Content:    s.Input,
			Attributes: s.Attributes,
		}, "correction marker against existing knowledge: "+marker)
	}

	if len(related) >= 2 {
		if marker := firstMarker(input, conflictMarkers); marker != "" {
			extra := make([]string, 0, len(related)-1)
			for _, c := range related[1:] {
				extra = append(extra, c.ID)
			}
			return storageDecision(oracle.StorageDecision{
				Action:        oracle.ActionConflictResolution,
				TargetID:      primary.ID,
				SupersededIDs: extra,
				Content:       s.Input,
				Attributes:    s.Attributes,
			}, "multiple related records disagree: "+marker)
		}
	}

	if marker := firstMarker(input, temporalMarkers); marker != "" {
		return storageDecision(oracle.StorageDecision{
			Action:     oracle.ActionTemporalChange,
			TargetID:   primary.ID,
			Content:    s.Input,
			Attributes: s.Attributes,
		}, "temporal marker against existing knowledge: "+marker)
	}

	// Related knowledge exists but nothing marks it as changed or wrong;
	// record the input as a distinct fact.
	return storageDecision(oracle.StorageDecision{
		Action:     oracle.ActionCreate,
		Content:    s.Input,
		Attributes: s.Attributes,
	}, "new fact alongside related knowledge")
}

func storageDecision(d oracle.StorageDecision, reason string) *oracle.Decision {
	return &oracle.Decision{
		Kind:    oracle.KindStorageClassification,
		Storage: &d,
		Reason:  reason,
	}
}

func relatedCandidates(candidates []oracle.Candidate) []oracle.Candidate {
	var out []oracle.Candidate
	for _, c := range candidates {
		if c.Score >= relatednessFloor {
			out = append(out, c)
		}
	}
	return out
}

func isQuestion(input string) bool {
	if strings.HasSuffix(input, "?") {
		return true
	}
	first, _, _ := strings.Cut(input, " ")
	for _, q := range questionWords {
		if first == q {
			return true
		}
	}
	return false
}

func isCommand(input string) bool {
	first, _, _ := strings.Cut(input, " ")
	for _, v := range commandVerbs {
		if first == v {
			return true
		}
	}
	return false
}

func firstMarker(input string, markers []string) string {
	for _, m := range markers {
		if strings.Contains(input, m) {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

// sharedElements keeps context lines that still overlap the new input, the
// rule-based stand-in for "what is worth carrying forward".
func sharedElements(contextSummary, input string) []string {
	inputWords := make(map[string]bool)
	for _, w := range strings.Fields(input) {
		inputWords[strings.Trim(w, ".,!?;:\"'")] = true
	}

	var preserved []string
	for _, line := range strings.Split(contextSummary, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, w := range strings.Fields(strings.ToLower(line)) {
			if inputWords[strings.Trim(w, ".,!?;:\"'")] {
				preserved = append(preserved, line)
				break
			}
		}
	}
	return preserved
}

func isStopword(word string) bool {
	switch word {
	case "a", "an", "the", "i", "my", "me", "you", "your", "we", "our",
		"is", "are", "was", "were", "be", "been", "do", "does", "did",
		"what", "when", "where", "who", "why", "how",
		"in", "on", "at", "to", "of", "for", "with", "about",
		"that", "this", "it", "and", "or", "but":
		return true
	}
	return false
}
