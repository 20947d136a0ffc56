package pipeline_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/engramdb/engram/embedder/mock"
	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/knowledge"
	"github.com/engramdb/engram/memory"
	"github.com/engramdb/engram/oracle"
	"github.com/engramdb/engram/oracle/rules"
	"github.com/engramdb/engram/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T, o oracle.Oracle) (*pipeline.Coordinator, *memory.Manager) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	store, err := knowledge.Open(knowledge.Options{InMemory: true, Logger: logger})
	require.NoError(t, err)

	idx, err := index.NewChromem(index.ChromemOptions{
		Embedder: mock.New(),
		Logger:   logger,
	})
	require.NoError(t, err)

	mgr, err := memory.NewManager(memory.Options{Store: store, Index: idx, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mgr.Close()) })

	coord := pipeline.NewCoordinator(pipeline.Options{
		Oracle:        o,
		Manager:       mgr,
		OracleTimeout: 5 * time.Second,
		Logger:        logger,
	})
	return coord, mgr
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// drain collects the whole stream, checking ordering and termination.
func drain(t *testing.T, results <-chan pipeline.StageResult) []pipeline.StageResult {
	t.Helper()
	var all []pipeline.StageResult
	for res := range results {
		all = append(all, res)
	}
	require.NotEmpty(t, all)
	for _, res := range all[:len(all)-1] {
		assert.False(t, res.Terminal, "only the last result may be terminal")
	}
	assert.True(t, all[len(all)-1].Terminal)
	return all
}

func stageOf(t *testing.T, all []pipeline.StageResult, stage string) pipeline.StageResult {
	t.Helper()
	for _, res := range all {
		if res.Stage == stage {
			return res
		}
	}
	t.Fatalf("no result for stage %q", stage)
	return pipeline.StageResult{}
}

// scriptedOracle returns canned decisions per situation kind.
type scriptedOracle struct {
	boundary func(oracle.Situation) (*oracle.Decision, error)
	query    func(oracle.Situation) (*oracle.Decision, error)
	storage  func(oracle.Situation) (*oracle.Decision, error)
}

func (o *scriptedOracle) Decide(ctx context.Context, s oracle.Situation) (*oracle.Decision, error) {
	switch s.Kind {
	case oracle.KindEpisodeBoundary:
		if o.boundary != nil {
			return o.boundary(s)
		}
		return &oracle.Decision{Kind: s.Kind, Boundary: &oracle.BoundaryDecision{}}, nil
	case oracle.KindQueryFormulation:
		if o.query != nil {
			return o.query(s)
		}
		return &oracle.Decision{Kind: s.Kind, Query: &oracle.QueryDecision{Query: s.Input}}, nil
	default:
		if o.storage != nil {
			return o.storage(s)
		}
		return &oracle.Decision{Kind: s.Kind, Storage: &oracle.StorageDecision{Action: oracle.ActionNone}}, nil
	}
}

func TestCoordinator_StreamsStagesInOrder(t *testing.T) {
	coord, _ := newEngine(t, rules.New())
	wc := pipeline.NewWorkingContext("s1")

	all := drain(t, coord.Process(context.Background(), wc, "My favorite color is green"))

	require.Len(t, all, 4)
	assert.Equal(t, pipeline.StageEpisode, all[0].Stage)
	assert.Equal(t, pipeline.StageRetrieval, all[1].Stage)
	assert.Equal(t, pipeline.StageStorage, all[2].Stage)
	assert.Equal(t, pipeline.StageAssembler, all[3].Stage)
	require.NoError(t, all[3].Err)

	storage := all[2].Payload.(*pipeline.StorageResult)
	assert.Equal(t, oracle.ActionCreate, storage.Action)
	require.NotNil(t, storage.Record)
	assert.Equal(t, "My favorite color is green", storage.Record.Content)

	assembly := all[3].Payload.(*pipeline.Assembly)
	assert.Contains(t, assembly.Context.Integrated, "My favorite color is green")
}

func TestCoordinator_NoActionIsEmitted(t *testing.T) {
	coord, _ := newEngine(t, rules.New())
	wc := pipeline.NewWorkingContext("s1")

	all := drain(t, coord.Process(context.Background(), wc, "What's my favorite color?"))

	storage := stageOf(t, all, pipeline.StageStorage).Payload.(*pipeline.StorageResult)
	assert.Equal(t, oracle.ActionNone, storage.Action)
	assert.Nil(t, storage.Record)
	require.NoError(t, stageOf(t, all, pipeline.StageAssembler).Err)
}

func TestCoordinator_EpisodeBoundaryArchivesContext(t *testing.T) {
	coord, _ := newEngine(t, rules.New())
	wc := pipeline.NewWorkingContext("s1")
	wc.Integrated = []string{"talked about breakfast"}

	all := drain(t, coord.Process(context.Background(), wc, "By the way, my flight leaves Tuesday"))

	episode := stageOf(t, all, pipeline.StageEpisode).Payload.(*pipeline.EpisodeResult)
	assert.True(t, episode.NewEpisode)
	assert.Equal(t, 2, wc.Episode)
	require.Len(t, wc.Archived(), 1)
	assert.Contains(t, wc.Archived()[0].Integrated, "talked about breakfast")
}

func TestCoordinator_OracleTimeoutNeverAbortsPipeline(t *testing.T) {
	timeout := &scriptedOracle{
		boundary: timedOut,
		query:    timedOut,
		storage:  timedOut,
	}
	coord, _ := newEngine(t, timeout)
	wc := pipeline.NewWorkingContext("s1")

	all := drain(t, coord.Process(context.Background(), wc, "anything at all"))

	require.Len(t, all, 4)
	for _, stage := range []string{pipeline.StageEpisode, pipeline.StageRetrieval, pipeline.StageStorage} {
		res := stageOf(t, all, stage)
		assert.True(t, res.Degraded, "stage %s should be degraded", stage)
		assert.NotEmpty(t, res.Diagnostic)
	}

	storage := stageOf(t, all, pipeline.StageStorage).Payload.(*pipeline.StorageResult)
	assert.Equal(t, oracle.ActionNone, storage.Action)

	terminal := stageOf(t, all, pipeline.StageAssembler)
	assert.True(t, terminal.Terminal)
	require.NoError(t, terminal.Err)
	assert.NotNil(t, terminal.Payload)
}

func timedOut(oracle.Situation) (*oracle.Decision, error) {
	return nil, goerr.New("deadline exceeded", goerr.T(oracle.TagTimeout))
}

func TestCoordinator_TemporalChangePreservesHistory(t *testing.T) {
	script := &scriptedOracle{}
	coord, mgr := newEngine(t, script)
	ctx := context.Background()

	// Unrelated knowledge to rank against later.
	_, err := mgr.Create(ctx, knowledge.CreateRequest{Content: "User goes for an evening walk"})
	require.NoError(t, err)

	script.storage = func(s oracle.Situation) (*oracle.Decision, error) {
		return &oracle.Decision{
			Kind: s.Kind,
			Storage: &oracle.StorageDecision{
				Action:     oracle.ActionCreate,
				Content:    "User drinks coffee in the morning",
				Attributes: map[string]string{"category": "beverage"},
			},
		}, nil
	}
	wc := pipeline.NewWorkingContext("s1")
	all := drain(t, coord.Process(ctx, wc, "I drink coffee in the morning"))
	first := stageOf(t, all, pipeline.StageStorage).Payload.(*pipeline.StorageResult)
	require.NotNil(t, first.Record)
	id1 := first.Record.ID

	script.storage = func(s oracle.Situation) (*oracle.Decision, error) {
		require.NotEmpty(t, s.Candidates)
		return &oracle.Decision{
			Kind: s.Kind,
			Storage: &oracle.StorageDecision{
				Action:   oracle.ActionTemporalChange,
				TargetID: id1,
				Content:  "User switched to tea",
			},
		}, nil
	}
	script.query = func(oracle.Situation) (*oracle.Decision, error) {
		return &oracle.Decision{
			Kind:  oracle.KindQueryFormulation,
			Query: &oracle.QueryDecision{Query: "morning coffee"},
		}, nil
	}
	all = drain(t, coord.Process(ctx, wc, "I switched to tea"))
	second := stageOf(t, all, pipeline.StageStorage).Payload.(*pipeline.StorageResult)
	require.NotNil(t, second.Record)
	id2 := second.Record.ID

	// The superseded record is untouched and linked from its successor.
	assert.Equal(t, id1, second.Record.PredecessorID)
	old, err := mgr.Load(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "User drinks coffee in the morning", old.Content)
	assert.Equal(t, id2, old.Attributes["superseded_by"])

	// The new fact outranks unrelated knowledge for the old topic.
	records, _, err := mgr.FindSimilar(ctx, "morning beverage", 2, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	ids := []string{records[0].ID, records[1].ID}
	assert.Contains(t, ids, id2)
}

func TestCoordinator_IdempotentReplayCreatesOneRecord(t *testing.T) {
	script := &scriptedOracle{
		storage: func(s oracle.Situation) (*oracle.Decision, error) {
			return &oracle.Decision{
				Kind:    s.Kind,
				Storage: &oracle.StorageDecision{Action: oracle.ActionCreate, Content: s.Input},
			}, nil
		},
	}
	coord, mgr := newEngine(t, script)
	wc := pipeline.NewWorkingContext("s1")

	drain(t, coord.Process(context.Background(), wc, "User plays the violin"))
	drain(t, coord.Process(context.Background(), wc, "User plays the violin"))

	// Two pipeline runs are two messages with distinct tokens, so two
	// records; the idempotency contract guards replays of one message,
	// exercised at the store level.
	records, err := mgr.List(context.Background(), knowledge.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCoordinator_CancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queryStarted := make(chan struct{})
	script := &scriptedOracle{
		query: func(oracle.Situation) (*oracle.Decision, error) {
			close(queryStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	coord, mgr := newEngine(t, script)
	wc := pipeline.NewWorkingContext("s1")

	results := coord.Process(ctx, wc, "User adopted a dog")

	first := <-results
	assert.Equal(t, pipeline.StageEpisode, first.Stage)

	<-queryStarted
	cancel()

	var all []pipeline.StageResult
	for res := range results {
		all = append(all, res)
	}
	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.True(t, last.Terminal)
	require.Error(t, last.Err)

	// The storage stage never ran: no mutation happened.
	for _, res := range all {
		assert.NotEqual(t, pipeline.StageStorage, res.Stage)
	}
	records, err := mgr.List(context.Background(), knowledge.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}
