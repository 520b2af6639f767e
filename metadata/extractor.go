// Package metadata enriches chunks with structured financial metadata
// extracted by an LLM. Document-level fields (company, report type,
// fiscal period) are extracted once per document and merged into every
// chunk; chunk-level fields are extracted concurrently under a
// semaphore. Extraction is best-effort: failures leave metadata fields
// empty and never abort ingestion.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"golang.org/x/sync/semaphore"

	"github.com/raglite/raglite/store"
)

// Config controls extraction behaviour.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Concurrency int           // Max in-flight chunk extractions.
	Timeout     time.Duration // Per-call timeout.
	Retries     int           // Retries after a failed call.
}

// ChatClient is the completion surface the extractor needs. The
// production implementation wraps the OpenAI client; tests substitute a
// fake.
type ChatClient interface {
	// CompleteJSON sends a system and user message and returns the raw
	// assistant text, requested in JSON mode.
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Extractor derives structured metadata for documents and chunks.
type Extractor struct {
	chat    ChatClient
	sem     *semaphore.Weighted
	timeout time.Duration
	retries int
	log     *slog.Logger

	mu       sync.Mutex
	docCache map[string]store.Metadata
}

// New builds an Extractor. When no API key is configured the extractor
// is disabled: every call succeeds and returns empty metadata.
func New(cfg Config, log *slog.Logger) *Extractor {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	var chat ChatClient
	if cfg.APIKey != "" || cfg.BaseURL != "" {
		chat = newOpenAIChat(cfg)
	}
	return &Extractor{
		chat:     chat,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout:  cfg.Timeout,
		retries:  cfg.Retries,
		log:      log,
		docCache: make(map[string]store.Metadata),
	}
}

// NewWithClient builds an Extractor around an existing ChatClient.
func NewWithClient(chat ChatClient, concurrency, retries int, timeout time.Duration, log *slog.Logger) *Extractor {
	if concurrency <= 0 {
		concurrency = 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{
		chat:     chat,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		timeout:  timeout,
		retries:  retries,
		log:      log,
		docCache: make(map[string]store.Metadata),
	}
}

// Enabled reports whether a completion backend is configured.
func (e *Extractor) Enabled() bool { return e.chat != nil }

// ExtractAll returns one Metadata per chunk, in chunk order. Document
// level fields are extracted once (cached by document ID, which is a
// content hash) and merged into chunk-level results. A failed chunk
// extraction yields empty chunk fields, logged at warn.
func (e *Extractor) ExtractAll(ctx context.Context, documentID, documentName string, chunks []store.Chunk) []store.Metadata {
	out := make([]store.Metadata, len(chunks))
	if e.chat == nil || len(chunks) == 0 {
		return out
	}

	docMeta := e.documentMetadata(ctx, documentID, documentName, chunks)

	var wg sync.WaitGroup
	for i := range chunks {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; remaining chunks keep empty metadata.
			e.log.Warn("metadata extraction interrupted", "document", documentName, "err", err)
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer e.sem.Release(1)
			m, err := e.extractChunk(ctx, chunks[i])
			if err != nil {
				e.log.Warn("chunk metadata extraction failed",
					"document", documentName, "ordinal", chunks[i].Ordinal, "err", err)
				m = store.Metadata{}
			}
			out[i] = mergeDocFields(m, docMeta)
		}(i)
	}
	wg.Wait()
	return out
}

// documentMetadata extracts document-level fields from the leading
// chunks, memoized by document ID.
func (e *Extractor) documentMetadata(ctx context.Context, documentID, documentName string, chunks []store.Chunk) store.Metadata {
	e.mu.Lock()
	if m, ok := e.docCache[documentID]; ok {
		e.mu.Unlock()
		return m
	}
	e.mu.Unlock()

	sample := sampleText(chunks, 6000)
	raw, err := e.complete(ctx, documentSystemPrompt, fmt.Sprintf("Document: %s\n\n%s", documentName, sample))
	var m store.Metadata
	if err != nil {
		e.log.Warn("document metadata extraction failed", "document", documentName, "err", err)
	} else if m, err = parseMetadata(raw); err != nil {
		e.log.Warn("document metadata parse failed", "document", documentName, "err", err)
		m = store.Metadata{}
	}

	e.mu.Lock()
	e.docCache[documentID] = m
	e.mu.Unlock()
	return m
}

func (e *Extractor) extractChunk(ctx context.Context, ch store.Chunk) (store.Metadata, error) {
	text := ch.Text
	if len(text) > 4000 {
		text = text[:4000]
	}
	raw, err := e.complete(ctx, chunkSystemPrompt, text)
	if err != nil {
		return store.Metadata{}, err
	}
	return parseMetadata(raw)
}

// complete invokes the chat backend with a per-call timeout and retries.
func (e *Extractor) complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		raw, err := e.chat.CompleteJSON(callCtx, system, user)
		cancel()
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// ---------------------------------------------------------------------------
// OpenAI backend
// ---------------------------------------------------------------------------

type openAIChat struct {
	client openai.Client
	model  string
}

func newOpenAIChat(cfg Config) *openAIChat {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAIChat{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (c *openAIChat) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", fmt.Errorf("metadata: completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("metadata: completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// ---------------------------------------------------------------------------
// prompts and parsing
// ---------------------------------------------------------------------------

const documentSystemPrompt = `You are a financial document analyst. Given the opening text of a financial report, return a JSON object with these fields (use null when a field cannot be determined):
{"company_name": string, "report_type": string, "fiscal_period": string, "time_period": string, "currency": string, "geographic_region": string}
report_type is one of: annual_report, quarterly_report, earnings_release, prospectus, filing, other.`

const chunkSystemPrompt = `You are a financial document analyst. Given one passage from a financial report, return a JSON object with these fields (use null when a field cannot be determined):
{"company_name": string, "business_unit": string, "department_name": string, "metric_category": string, "metric_type": string, "time_period": string, "fiscal_period": string, "geographic_region": string, "currency": string, "report_type": string, "data_format": string, "semantic_summary": string, "key_entities": [string], "numeric_ranges": {"<metric>": {"min": number, "max": number}}}
metric_category is one of: revenue, cost, margin, headcount, volume, capex, other. data_format is "table" for tabular passages and "narrative" otherwise. semantic_summary is one sentence.`

// wireMetadata mirrors the JSON shape the prompts request.
type wireMetadata struct {
	CompanyName      string                `json:"company_name"`
	BusinessUnit     string                `json:"business_unit"`
	DepartmentName   string                `json:"department_name"`
	MetricCategory   string                `json:"metric_category"`
	MetricType       string                `json:"metric_type"`
	TimePeriod       string                `json:"time_period"`
	FiscalPeriod     string                `json:"fiscal_period"`
	GeographicRegion string                `json:"geographic_region"`
	Currency         string                `json:"currency"`
	ReportType       string                `json:"report_type"`
	DataFormat       string                `json:"data_format"`
	SemanticSummary  string                `json:"semantic_summary"`
	KeyEntities      []string              `json:"key_entities"`
	NumericRanges    map[string]store.Range `json:"numeric_ranges"`
}

func parseMetadata(raw string) (store.Metadata, error) {
	raw = strings.TrimSpace(raw)
	// Some models wrap JSON mode output in a code fence anyway.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var w wireMetadata
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return store.Metadata{}, fmt.Errorf("metadata: parse response: %w", err)
	}
	return store.Metadata{
		CompanyName:      w.CompanyName,
		BusinessUnit:     w.BusinessUnit,
		DepartmentName:   w.DepartmentName,
		MetricCategory:   w.MetricCategory,
		MetricType:       w.MetricType,
		TimePeriod:       w.TimePeriod,
		FiscalPeriod:     w.FiscalPeriod,
		GeographicRegion: w.GeographicRegion,
		Currency:         w.Currency,
		ReportType:       w.ReportType,
		DataFormat:       w.DataFormat,
		SemanticSummary:  w.SemanticSummary,
		KeyEntities:      w.KeyEntities,
		NumericRanges:    w.NumericRanges,
	}, nil
}

// mergeDocFields fills empty document-scope fields of a chunk result
// from the document-level extraction.
func mergeDocFields(m, doc store.Metadata) store.Metadata {
	if m.CompanyName == "" {
		m.CompanyName = doc.CompanyName
	}
	if m.ReportType == "" {
		m.ReportType = doc.ReportType
	}
	if m.FiscalPeriod == "" {
		m.FiscalPeriod = doc.FiscalPeriod
	}
	if m.TimePeriod == "" {
		m.TimePeriod = doc.TimePeriod
	}
	if m.Currency == "" {
		m.Currency = doc.Currency
	}
	if m.GeographicRegion == "" {
		m.GeographicRegion = doc.GeographicRegion
	}
	return m
}

// sampleText concatenates chunk texts up to maxBytes for the document
// level prompt.
func sampleText(chunks []store.Chunk, maxBytes int) string {
	var b strings.Builder
	for _, ch := range chunks {
		if b.Len() >= maxBytes {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(ch.Text)
	}
	s := b.String()
	if len(s) > maxBytes {
		s = s[:maxBytes]
	}
	return s
}
