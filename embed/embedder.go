// Package embed turns chunk text into dense vectors. Requests are
// batched; a failed batch falls back to per-text calls so one bad input
// does not lose its neighbours, and texts that still fail get a zero
// vector and a failure mark instead of aborting ingestion.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
)

// maxEmbedChars caps text sent to the embedding endpoint.
const maxEmbedChars = 32000

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Batcher drives an Embedder in fixed-size batches with per-text
// fallback and zero-vector padding for failures.
type Batcher struct {
	embedder  Embedder
	batchSize int
	log       *slog.Logger
}

// NewBatcher wraps an Embedder. batchSize <= 0 defaults to 32.
func NewBatcher(embedder Embedder, batchSize int, log *slog.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{embedder: embedder, batchSize: batchSize, log: log}
}

// EmbedAll returns one vector per text, aligned with the input. failed
// marks positions that got a zero vector because embedding did not
// succeed. The error is non-nil only when every text failed.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) (vectors [][]float32, failed []bool, err error) {
	vectors = make([][]float32, len(texts))
	failed = make([]bool, len(texts))
	if len(texts) == 0 {
		return vectors, failed, nil
	}

	dim := b.embedder.Dim()
	nFailed := 0
	for i := 0; i < len(texts); i += b.batchSize {
		end := i + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-i)
		for j := i; j < end; j++ {
			batch[j-i] = truncateForEmbed(texts[j])
		}

		embs, berr := b.embedder.Embed(ctx, batch)
		if berr == nil && len(embs) == len(batch) {
			copy(vectors[i:end], embs)
			continue
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		// Batch failed; retry each text alone so one bad input does not
		// lose the whole batch.
		b.log.Warn("embedding batch failed, falling back to individual",
			"batch_start", i, "batch_end", end, "err", berr)
		for j, text := range batch {
			single, serr := b.embedder.Embed(ctx, []string{text})
			if serr != nil || len(single) != 1 || len(single[0]) == 0 {
				b.log.Warn("embedding single text failed", "index", i+j, "err", serr)
				vectors[i+j] = make([]float32, dim)
				failed[i+j] = true
				nFailed++
				continue
			}
			vectors[i+j] = single[0]
		}
	}

	if nFailed == len(texts) {
		return vectors, failed, fmt.Errorf("embed: all %d texts failed", len(texts))
	}
	if nFailed > 0 {
		b.log.Warn("some embeddings failed", "failed", nFailed, "total", len(texts))
	}
	return vectors, failed, nil
}

// ---------------------------------------------------------------------------
// OpenAI backend
// ---------------------------------------------------------------------------

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dim    int
}

// OpenAIOptions configures the embeddings backend.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration // per-request timeout, 0 for the client default
}

// NewOpenAIEmbedder builds the production embedder.
func NewOpenAIEmbedder(opts OpenAIOptions) *OpenAIEmbedder {
	if opts.Model == "" {
		opts.Model = "text-embedding-3-large"
	}
	if opts.Dim <= 0 {
		opts.Dim = 1024
	}
	ropts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		ropts = append(ropts, option.WithRequestTimeout(opts.Timeout))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(ropts...),
		model:  opts.Model,
		dim:    opts.Dim,
	}
}

func (e *OpenAIEmbedder) Dim() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Dimensions: param.NewOpt(int64(e.dim)),
	})
	if err != nil {
		return nil, fmt.Errorf("embed: request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embed: index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// truncateForEmbed cuts text at the last space before the limit to
// avoid splitting a word.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}
