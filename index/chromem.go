package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/engramdb/engram/embedder"
	"github.com/engramdb/engram/knowledge"
)

const (
	collectionBase = "knowledge"

	// updatedAtKey is reserved in entry metadata for tie-breaking and is
	// stripped from the attribute copy returned to callers.
	updatedAtKey = "_updated_at"
)

// ChromemOptions configures a ChromemIndex.
type ChromemOptions struct {
	// Path enables persistence. Empty keeps the index in memory, which is
	// acceptable because the index is fully reconstructible from records.
	Path string

	// Compress gzips persisted entries.
	Compress bool

	// Embedder computes vectors. Required.
	Embedder embedder.Embedder

	// CacheSize bounds the embedding cache in bytes. Default 16 MiB.
	CacheSize int64

	// Logger receives index-level events. Defaults to slog.Default().
	Logger *slog.Logger
}

// ChromemIndex is the chromem-go backed semantic index.
//
// Locking model: writeMu serializes all mutations including Reconcile, so
// writes issued during a rebuild queue up and replay against the rebuilt
// collection. colMu only guards the collection pointer swap, which keeps
// FindSimilar reading from the previous snapshot while a rebuild runs.
type ChromemIndex struct {
	db       *chromem.DB
	embedder embedder.Embedder
	cache    *ristretto.Cache
	logger   *slog.Logger

	writeMu sync.Mutex
	colMu   sync.RWMutex
	col     *chromem.Collection
	gen     int
}

var _ Index = (*ChromemIndex)(nil)

// NewChromem creates the index, reattaching to the latest persisted
// collection generation when a path is configured.
func NewChromem(opts ChromemOptions) (*ChromemIndex, error) {
	if opts.Embedder == nil {
		return nil, goerr.New("chromem index requires an embedder")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 16 << 20
	}

	var db *chromem.DB
	if opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open persistent index", goerr.V("path", opts.Path))
		}
	} else {
		db = chromem.NewDB()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	idx := &ChromemIndex{
		db:       db,
		embedder: opts.Embedder,
		cache:    cache,
		logger:   logger,
	}

	// Reattach to the newest generation left by a previous run, if any.
	for name := range db.ListCollections() {
		if g, ok := parseGeneration(name); ok && g > idx.gen {
			idx.gen = g
		}
	}
	if idx.gen == 0 {
		idx.gen = 1
	}

	col, err := db.GetOrCreateCollection(collectionName(idx.gen), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open index collection")
	}
	idx.col = col

	logger.Info("semantic index opened",
		"persistent", opts.Path != "", "generation", idx.gen, "entries", col.Count())
	return idx, nil
}

// Upsert indexes one record, replacing any previous entry for its id.
func (x *ChromemIndex) Upsert(ctx context.Context, rec *knowledge.Record) error {
	if rec == nil || rec.ID == "" {
		return goerr.New("cannot index a record without an id")
	}

	vector, err := x.embed(ctx, rec.Content)
	if err != nil {
		return goerr.Wrap(err, "failed to embed record content", goerr.V("id", rec.ID))
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	col := x.collection()

	// chromem has no update; drop any stale entry first so an id maps to
	// exactly one embedding.
	_ = col.Delete(ctx, nil, nil, rec.ID)

	if err := col.AddDocument(ctx, x.document(rec, vector)); err != nil {
		return goerr.Wrap(err, "failed to add index entry", goerr.V("id", rec.ID))
	}

	x.logger.Debug("index entry upserted", "id", rec.ID)
	return nil
}

// Remove drops the entry for id.
func (x *ChromemIndex) Remove(ctx context.Context, id string) error {
	if id == "" {
		return goerr.New("cannot remove an index entry without an id")
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := x.collection().Delete(ctx, nil, nil, id); err != nil {
		return goerr.Wrap(err, "failed to remove index entry", goerr.V("id", id))
	}

	x.logger.Debug("index entry removed", "id", id)
	return nil
}

// FindSimilar returns the ranked matches for query.
func (x *ChromemIndex) FindSimilar(ctx context.Context, query string, limit int, filters map[string]string) ([]SimilarityMatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	vector, err := x.embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	col := x.collection()

	// chromem rejects nResults beyond the collection size.
	n := limit
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	// A metadata filter can shrink the candidate set below n, which chromem
	// also rejects; back off until the query fits.
	var results []chromem.Result
	for ; n >= 1; n-- {
		var err error
		results, err = col.QueryEmbedding(ctx, vector, n, filters, nil)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "nResults must be") ||
			strings.Contains(err.Error(), "number of documents") {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, goerr.Wrap(err, "index query failed")
	}

	matches := make([]SimilarityMatch, 0, len(results))
	for _, res := range results {
		matches = append(matches, toMatch(res))
	}

	// chromem orders by raw similarity; re-rank so equal scores favor the
	// more recently updated record.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})

	return matches, nil
}

// Reconcile rebuilds the index from the record store into a fresh
// collection and swaps it in. Readers keep the old snapshot until the swap;
// writers queue behind writeMu and replay against the new generation.
func (x *ChromemIndex) Reconcile(ctx context.Context, source RecordSource) (*ReconcileReport, error) {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	start := time.Now()
	oldName := collectionName(x.gen)
	newGen := x.gen + 1

	newCol, err := x.db.CreateCollection(collectionName(newGen), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create rebuild collection")
	}

	report := &ReconcileReport{}
	err = source.Each(ctx, func(rec *knowledge.Record) error {
		report.Scanned++
		vector, err := x.embed(ctx, rec.Content)
		if err != nil {
			return goerr.Wrap(err, "failed to embed record during reconcile", goerr.V("id", rec.ID))
		}
		if err := newCol.AddDocument(ctx, x.document(rec, vector)); err != nil {
			return goerr.Wrap(err, "failed to index record during reconcile", goerr.V("id", rec.ID))
		}
		report.Indexed++
		return nil
	})
	if err != nil {
		// Abandon the half-built generation; the serving snapshot was
		// never touched.
		_ = x.db.DeleteCollection(collectionName(newGen))
		return nil, err
	}

	oldCount := x.collection().Count()
	if oldCount > report.Indexed {
		report.Dropped = oldCount - report.Indexed
	}

	x.colMu.Lock()
	x.col = newCol
	x.gen = newGen
	x.colMu.Unlock()

	if err := x.db.DeleteCollection(oldName); err != nil {
		x.logger.Warn("failed to delete superseded index generation",
			"collection", oldName, "error", err)
	}

	report.Took = time.Since(start)
	x.logger.Info("index reconciled",
		"scanned", report.Scanned, "indexed", report.Indexed,
		"dropped", report.Dropped, "took", report.Took)
	return report, nil
}

// Close releases the embedding cache. chromem itself persists eagerly and
// holds no resources that need closing.
func (x *ChromemIndex) Close() error {
	x.cache.Close()
	return nil
}

func (x *ChromemIndex) collection() *chromem.Collection {
	x.colMu.RLock()
	defer x.colMu.RUnlock()
	return x.col
}

// embed computes (or recalls) the vector for text. Embeddings are pure
// functions of their input, so a lossy cache is safe.
func (x *ChromemIndex) embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := x.cache.Get(text); ok {
		if vector, ok := cached.([]float32); ok {
			return vector, nil
		}
	}

	vector, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	x.cache.Set(text, vector, int64(len(text)))
	return vector, nil
}

func (x *ChromemIndex) document(rec *knowledge.Record, vector []float32) chromem.Document {
	metadata := make(map[string]string, len(rec.Attributes)+1)
	for k, v := range rec.Attributes {
		metadata[k] = v
	}
	metadata[updatedAtKey] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)

	return chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: vector,
		Metadata:  metadata,
	}
}

func toMatch(res chromem.Result) SimilarityMatch {
	attrs := make(map[string]string, len(res.Metadata))
	var updatedAt time.Time
	for k, v := range res.Metadata {
		if k == updatedAtKey {
			updatedAt, _ = time.Parse(time.RFC3339Nano, v)
			continue
		}
		attrs[k] = v
	}

	// Cosine similarity of unit vectors lands in [-1,1]; clamp to the
	// normalized [0,1] score contract.
	score := float64(res.Similarity)
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	return SimilarityMatch{
		ID:         res.ID,
		Score:      score,
		Attributes: attrs,
		UpdatedAt:  updatedAt,
	}
}

func collectionName(gen int) string {
	return fmt.Sprintf("%s-%d", collectionBase, gen)
}

func parseGeneration(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, collectionBase+"-")
	if !ok {
		return 0, false
	}
	g, err := strconv.Atoi(rest)
	if err != nil || g <= 0 {
		return 0, false
	}
	return g, true
}
