// Package anthropic implements the oracle against the Claude API.
//
// Each situation kind maps to one tool definition; the request forces that
// tool so the model must answer with structured JSON instead of prose. The
// decision is parsed straight out of the tool_use block.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/goerr/v2"

	"github.com/engramdb/engram/oracle"
)

const (
	boundaryTool = "report_episode_boundary"
	queryTool    = "formulate_query"
	storageTool  = "classify_storage"
)

// Options configures the Claude-backed oracle.
type Options struct {
	// Client is the Anthropic API client. Required.
	Client *sdk.Client

	// Model defaults to claude-sonnet-4-20250514.
	Model string

	// MaxTokens defaults to 1024. Decisions are small.
	MaxTokens int64
}

// Oracle asks Claude for decisions via forced tool calls.
type Oracle struct {
	client    *sdk.Client
	model     sdk.Model
	maxTokens int64
}

var _ oracle.Oracle = (*Oracle)(nil)

// New creates the Claude-backed oracle.
func New(opts Options) (*Oracle, error) {
	if opts.Client == nil {
		return nil, goerr.New("anthropic oracle requires a client")
	}
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return &Oracle{
		client:    opts.Client,
		model:     sdk.Model(model),
		maxTokens: maxTokens,
	}, nil
}

// Decide sends the situation to Claude with the tool matching its kind
// forced, then parses the tool input into a decision.
func (o *Oracle) Decide(ctx context.Context, s oracle.Situation) (*oracle.Decision, error) {
	toolName, tool, prompt, err := plan(s)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
		Tools: []sdk.ToolUnionParam{{OfTool: tool}},
		ToolChoice: sdk.ToolChoiceUnionParam{
			OfTool: &sdk.ToolChoiceToolParam{Name: toolName},
		},
	})
	if err != nil {
		return nil, classifyAPIError(err, s.Kind)
	}

	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.Name != toolName {
			continue
		}
		return parseDecision(s.Kind, block.Input)
	}

	return nil, goerr.New("model returned no tool call",
		goerr.T(oracle.TagUnavailable), goerr.V("kind", s.Kind))
}

// plan picks the tool and renders the user prompt for a situation.
func plan(s oracle.Situation) (string, *sdk.ToolParam, string, error) {
	switch s.Kind {
	case oracle.KindEpisodeBoundary:
		return boundaryTool, boundaryToolParam(), boundaryPrompt(s), nil
	case oracle.KindQueryFormulation:
		return queryTool, queryToolParam(), queryPrompt(s), nil
	case oracle.KindStorageClassification:
		return storageTool, storageToolParam(), storagePrompt(s), nil
	default:
		return "", nil, "", goerr.New("unknown situation kind",
			goerr.T(oracle.TagUnavailable), goerr.V("kind", s.Kind))
	}
}

func parseDecision(kind oracle.Kind, input json.RawMessage) (*oracle.Decision, error) {
	d := &oracle.Decision{Kind: kind}

	switch kind {
	case oracle.KindEpisodeBoundary:
		var out struct {
			oracle.BoundaryDecision
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(input, &out); err != nil {
			return nil, invalidToolInput(err, kind, input)
		}
		d.Boundary = &out.BoundaryDecision
		d.Reason = out.Reason

	case oracle.KindQueryFormulation:
		var out struct {
			oracle.QueryDecision
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(input, &out); err != nil {
			return nil, invalidToolInput(err, kind, input)
		}
		if out.Query == "" {
			return nil, goerr.New("model returned an empty query",
				goerr.T(oracle.TagUnavailable))
		}
		d.Query = &out.QueryDecision
		d.Reason = out.Reason

	case oracle.KindStorageClassification:
		var out struct {
			oracle.StorageDecision
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(input, &out); err != nil {
			return nil, invalidToolInput(err, kind, input)
		}
		switch out.Action {
		case oracle.ActionNone, oracle.ActionCreate, oracle.ActionCorrection,
			oracle.ActionTemporalChange, oracle.ActionConflictResolution:
		default:
			return nil, goerr.New("model returned an unknown action",
				goerr.T(oracle.TagUnavailable), goerr.V("action", out.Action))
		}
		d.Storage = &out.StorageDecision
		d.Reason = out.Reason
	}

	return d, nil
}

func invalidToolInput(err error, kind oracle.Kind, input json.RawMessage) error {
	return goerr.Wrap(err, "failed to parse tool input",
		goerr.T(oracle.TagUnavailable),
		goerr.V("kind", kind), goerr.V("input", string(input)))
}

func classifyAPIError(err error, kind oracle.Kind) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return goerr.Wrap(err, "oracle call timed out",
			goerr.T(oracle.TagTimeout), goerr.V("kind", kind))
	}
	return goerr.Wrap(err, "oracle call failed",
		goerr.T(oracle.TagUnavailable), goerr.V("kind", kind))
}

func boundaryToolParam() *sdk.ToolParam {
	return &sdk.ToolParam{
		Name:        boundaryTool,
		Description: sdk.String("Report whether the new message continues the current conversational episode or starts a new one."),
		InputSchema: sdk.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"new_episode": map[string]interface{}{
					"type":        "boolean",
					"description": "True when the message shifts to a new topic or task.",
				},
				"preserve": map[string]interface{}{
					"type":        "array",
					"description": "Context elements still relevant to the new episode.",
					"items":       map[string]interface{}{"type": "string"},
				},
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "One sentence explaining the judgment.",
				},
			},
			Required: []string{"new_episode", "reason"},
		},
	}
}

func queryToolParam() *sdk.ToolParam {
	return &sdk.ToolParam{
		Name:        queryTool,
		Description: sdk.String("Produce a semantic search query capturing what stored knowledge would be relevant to the message."),
		InputSchema: sdk.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search text, expanded with closely related terms.",
				},
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "One sentence explaining the formulation.",
				},
			},
			Required: []string{"query", "reason"},
		},
	}
}

func storageToolParam() *sdk.ToolParam {
	return &sdk.ToolParam{
		Name:        storageTool,
		Description: sdk.String("Classify what knowledge mutation, if any, the message implies given the existing related records."),
		InputSchema: sdk.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"action": map[string]interface{}{
					"type": "string",
					"description": "NO_ACTION for questions and commands. CREATE for a new fact. " +
						"CORRECTION when an existing record states a detail wrongly. " +
						"TEMPORAL_CHANGE when the fact genuinely changed over time. " +
						"CONFLICT_RESOLUTION when several records disagree and must be merged.",
					"enum": []string{"NO_ACTION", "CREATE", "CORRECTION", "TEMPORAL_CHANGE", "CONFLICT_RESOLUTION"},
				},
				"target_id": map[string]interface{}{
					"type":        "string",
					"description": "Id of the record to correct or supersede. Required except for NO_ACTION and CREATE.",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "The knowledge statement to persist, phrased as a standalone fact.",
				},
				"superseded_ids": map[string]interface{}{
					"type":        "array",
					"description": "For CONFLICT_RESOLUTION: further records resolved away beyond target_id.",
					"items":       map[string]interface{}{"type": "string"},
				},
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "One sentence explaining the classification.",
				},
			},
			Required: []string{"action", "reason"},
		},
	}
}

func boundaryPrompt(s oracle.Situation) string {
	return "Current context:\n" + orNone(s.ContextSummary) +
		"\n\nNew message:\n" + s.Input
}

func queryPrompt(s oracle.Situation) string {
	return "Current context:\n" + orNone(s.ContextSummary) +
		"\n\nFormulate a search query for this message:\n" + s.Input
}

func storagePrompt(s oracle.Situation) string {
	candidates := "(none)"
	if len(s.Candidates) > 0 {
		b, err := json.MarshalIndent(s.Candidates, "", "  ")
		if err == nil {
			candidates = string(b)
		}
	}
	return "Existing related records, most relevant first:\n" + candidates +
		"\n\nClassify this message:\n" + s.Input
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

const systemPrompt = `You are the decision component of a long-term memory system for a conversational agent. You never answer the user. You only emit one tool call that classifies the situation you are shown. Be conservative: when unsure whether something is worth storing, prefer NO_ACTION; when unsure whether an episode changed, prefer continuation.`
