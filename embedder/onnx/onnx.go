//go:build onnx

// Package onnx embeds text with a local sentence-transformer model through
// ONNX Runtime. Built behind the onnx build tag so the default build does
// not need the runtime shared library.
package onnx

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	ort "github.com/yalue/onnxruntime_go"
)

// Special token ids in BERT-family vocabularies.
const (
	unkTokenID int64 = 100
	clsTokenID int64 = 101
	sepTokenID int64 = 102
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath points at the .onnx model file.
	ModelPath string

	// TokenizerPath points at the HuggingFace tokenizer.json next to it.
	TokenizerPath string

	// LibraryPath points at libonnxruntime.so. Empty uses the
	// ONNXRUNTIME_LIB environment variable.
	LibraryPath string

	// Dimensions is the embedding size. Default 384 (all-MiniLM-L6-v2).
	Dimensions int

	// MaxSequence is the token window. Default 128.
	MaxSequence int
}

// Embedder runs mean-pooled transformer inference locally.
type Embedder struct {
	session *ort.DynamicAdvancedSession
	vocab   map[string]int64
	dims    int
	maxSeq  int
}

// New loads the model and tokenizer and prepares an inference session.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, goerr.New("onnx embedder requires a model path")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequence == 0 {
		cfg.MaxSequence = 128
	}

	lib := cfg.LibraryPath
	if lib == "" {
		lib = os.Getenv("ONNXRUNTIME_LIB")
	}
	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, goerr.Wrap(err, "failed to initialize onnx runtime")
	}

	vocab, err := loadVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tokenizer vocabulary",
			goerr.V("path", cfg.TokenizerPath))
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create onnx session",
			goerr.V("model", cfg.ModelPath))
	}

	return &Embedder{
		session: session,
		vocab:   vocab,
		dims:    cfg.Dimensions,
		maxSeq:  cfg.MaxSequence,
	}, nil
}

// Embed tokenizes, runs the model, mean-pools over attended positions, and
// normalizes to a unit vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, mask := e.encode(text)

	shape := ort.NewShape(1, int64(e.maxSeq))
	inputIDs, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create input_ids tensor")
	}
	defer inputIDs.Destroy()

	attention, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create attention_mask tensor")
	}
	defer attention.Destroy()

	tokenTypes, err := ort.NewTensor(shape, make([]int64, e.maxSeq))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create token_type_ids tensor")
	}
	defer tokenTypes.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDs, attention, tokenTypes}, outputs); err != nil {
		return nil, goerr.Wrap(err, "onnx inference failed")
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, goerr.New("unexpected output tensor type")
	}

	return e.meanPool(hidden, mask)
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Close releases the inference session.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// encode produces fixed-length input ids and attention mask with [CLS] and
// [SEP] framing, truncating long inputs.
func (e *Embedder) encode(text string) (ids, mask []int64) {
	ids = make([]int64, e.maxSeq)
	mask = make([]int64, e.maxSeq)

	ids[0] = clsTokenID
	mask[0] = 1

	pos := 1
	for _, tok := range e.tokenize(text) {
		if pos >= e.maxSeq-1 {
			break
		}
		ids[pos] = tok
		mask[pos] = 1
		pos++
	}

	ids[pos] = sepTokenID
	mask[pos] = 1
	return ids, mask
}

// tokenize applies lowercase WordPiece with greedy longest-prefix matching.
func (e *Embedder) tokenize(text string) []int64 {
	var out []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if word == "" {
			continue
		}
		if id, ok := e.vocab[word]; ok {
			out = append(out, id)
			continue
		}
		out = append(out, e.wordPiece(word)...)
	}
	return out
}

func (e *Embedder) wordPiece(word string) []int64 {
	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := e.vocab[piece]; ok {
				pieces = append(pieces, id)
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			pieces = append(pieces, unkTokenID)
			start++
		}
	}
	return pieces
}

func (e *Embedder) meanPool(hidden *ort.Tensor[float32], mask []int64) ([]float32, error) {
	shape := hidden.GetShape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, goerr.New("unexpected hidden state shape", goerr.V("shape", shape))
	}
	seqLen, hiddenSize := int(shape[1]), int(shape[2])
	if hiddenSize != e.dims {
		return nil, goerr.New("hidden size does not match configured dimensions",
			goerr.V("hidden", hiddenSize), goerr.V("dims", e.dims))
	}

	data := hidden.GetData()
	pooled := make([]float32, e.dims)
	var attended float32
	for i := 0; i < seqLen && i < len(mask); i++ {
		if mask[i] == 0 {
			continue
		}
		attended++
		row := data[i*hiddenSize : (i+1)*hiddenSize]
		for j, v := range row {
			pooled[j] += v
		}
	}
	if attended == 0 {
		return pooled, nil
	}

	var norm float32
	for j := range pooled {
		pooled[j] /= attended
		norm += pooled[j] * pooled[j]
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for j := range pooled {
			pooled[j] /= norm
		}
	}
	return pooled, nil
}

// loadVocab reads the vocabulary out of a HuggingFace tokenizer.json.
func loadVocab(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tok struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	if len(tok.Model.Vocab) == 0 {
		return nil, goerr.New("tokenizer vocabulary is empty")
	}
	return tok.Model.Vocab, nil
}
