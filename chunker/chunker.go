// Package chunker converts parsed document elements into store-ready
// chunks. Narrative text is windowed by token budget with sentence
// boundary alignment; tables are kept whole up to a separate budget and
// otherwise split into row-aligned parts with the header repeated.
package chunker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/raglite/raglite/parser"
	"github.com/raglite/raglite/store"
)

// Config controls the chunking behaviour.
type Config struct {
	ChunkSize      int // Token budget per text chunk.
	Overlap        int // Token overlap between consecutive text chunks.
	MaxTableTokens int // Budget before a table is split into parts.
	SentenceSlack  int // How far back a sentence boundary may pull the cut.
}

// Chunker converts parsed documents into store chunks.
type Chunker struct {
	cfg Config
	tok Tokenizer
	log *slog.Logger
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config, tok Tokenizer, log *slog.Logger) *Chunker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 512
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 50
	}
	if cfg.MaxTableTokens == 0 {
		cfg.MaxTableTokens = 4096
	}
	if cfg.SentenceSlack == 0 {
		cfg.SentenceSlack = 48
	}
	if tok == nil {
		tok = NewTokenizer()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chunker{cfg: cfg, tok: tok, log: log}
}

// pagedWord is one whitespace-delimited word tagged with its source page.
type pagedWord struct {
	text string
	page int
	// endsSentence marks words terminated by ., ? or ! (allowing a
	// trailing closing quote or bracket).
	endsSentence bool
}

// Chunk converts a parsed document into chunks with dense, monotonically
// increasing ordinals. Chunk IDs are derived from the document ID and
// ordinal, so re-chunking identical content yields identical IDs.
func (c *Chunker) Chunk(documentID, documentName string, doc *parser.Document) []store.Chunk {
	var chunks []store.Chunk
	if doc == nil {
		return chunks
	}

	var run []pagedWord
	pendingHeading := ""

	flushRun := func() {
		if len(run) > 0 {
			c.windowText(documentID, documentName, run, pendingHeading, &chunks)
			pendingHeading = ""
			run = nil
		}
	}

	for _, el := range doc.Elements {
		switch el.Kind {
		case parser.KindHeading:
			// A heading closes the current narrative run and prefixes
			// the next text chunk.
			flushRun()
			pendingHeading = strings.TrimSpace(el.Text)
		case parser.KindText:
			run = append(run, toPagedWords(el.Text, el.PageNumber)...)
		case parser.KindTable:
			flushRun()
			c.chunkTable(documentID, documentName, el, &chunks)
		}
	}
	flushRun()
	return chunks
}

// windowText slides a token window over the run, cutting at the last
// sentence boundary when one lies within SentenceSlack tokens of the
// window end, and at a word boundary otherwise. Consecutive chunks
// overlap by roughly Overlap tokens.
func (c *Chunker) windowText(documentID, documentName string, words []pagedWord, heading string, chunks *[]store.Chunk) {
	start := 0
	first := true
	for start < len(words) {
		end := start
		tokens := 0
		lastBoundary := -1
		tokensAtBoundary := 0
		for end < len(words) {
			wt := c.tok.Count(words[end].text)
			if tokens+wt > c.cfg.ChunkSize && end > start {
				break
			}
			tokens += wt
			if words[end].endsSentence {
				lastBoundary = end
				tokensAtBoundary = tokens
			}
			end++
		}

		cut := end
		if end < len(words) && lastBoundary >= start && tokens-tokensAtBoundary <= c.cfg.SentenceSlack {
			cut = lastBoundary + 1
		}

		// A sentence longer than the whole budget is emitted as one
		// over-budget chunk rather than cut mid-sentence.
		if end < len(words) && lastBoundary < start {
			for cut < len(words) && !words[cut-1].endsSentence {
				cut++
			}
			c.log.Warn("oversized sentence emitted as single chunk",
				"document", documentName, "words", cut-start)
		}

		text := joinWords(words[start:cut])
		if first && heading != "" {
			text = heading + "\n\n" + text
		}
		first = false

		*chunks = append(*chunks, c.newChunk(documentID, documentName, len(*chunks), store.Chunk{
			Text:    text,
			Pages:   pagesOf(words[start:cut]),
			IsTable: false,
		}))

		if cut >= len(words) {
			break
		}
		start = c.backtrackOverlap(words, start, cut)
	}
}

// backtrackOverlap returns the start index for the next window: at most
// Overlap tokens before cut, and always strictly after the previous
// start so the window makes progress.
func (c *Chunker) backtrackOverlap(words []pagedWord, prevStart, cut int) int {
	tokens := 0
	i := cut
	for i > prevStart+1 && tokens < c.cfg.Overlap {
		tokens += c.tok.Count(words[i-1].text)
		i--
	}
	return i
}

// chunkTable emits one chunk for a table that fits MaxTableTokens, or a
// sequence of row-aligned parts with the header rows repeated in each.
func (c *Chunker) chunkTable(documentID, documentName string, el parser.Element, chunks *[]store.Chunk) {
	t := el.Table
	if t == nil || (len(t.Rows) == 0 && len(t.HeaderRows) == 0) {
		return
	}
	pages := el.Pages()

	whole := renderTable(t.Caption, t.HeaderRows, t.Rows)
	if c.tok.Count(whole) <= c.cfg.MaxTableTokens {
		*chunks = append(*chunks, c.newChunk(documentID, documentName, len(*chunks), store.Chunk{
			Text:         whole,
			Pages:        pages,
			IsTable:      true,
			TableCaption: t.Caption,
		}))
		return
	}

	groups := c.splitRows(documentName, t)
	total := len(groups)
	for i, rows := range groups {
		caption := fmt.Sprintf("%s (Part %d of %d)", t.Caption, i+1, total)
		if t.Caption == "" {
			caption = fmt.Sprintf("(Part %d of %d)", i+1, total)
		}
		*chunks = append(*chunks, c.newChunk(documentID, documentName, len(*chunks), store.Chunk{
			Text:         renderTable(caption, t.HeaderRows, rows),
			Pages:        pages,
			IsTable:      true,
			TablePart:    fmt.Sprintf("%d/%d", i+1, total),
			TableCaption: t.Caption,
		}))
	}
}

// splitRows packs data rows into groups so that each rendered part
// (caption line, header rows, row group) stays within MaxTableTokens.
// A single row that alone exceeds the remaining budget becomes its own
// over-budget group; rows are never split.
func (c *Chunker) splitRows(documentName string, t *parser.Table) [][][]string {
	// The caption line gains a part suffix after grouping; reserve a
	// little headroom for it.
	overhead := c.tok.Count(renderTable(t.Caption+" (Part 00 of 00)", t.HeaderRows, nil))
	budget := c.cfg.MaxTableTokens - overhead
	if budget < 1 {
		budget = 1
	}

	var groups [][][]string
	var current [][]string
	used := 0
	for _, row := range t.Rows {
		rt := c.tok.Count(joinCells(row))
		if rt > budget {
			if len(current) > 0 {
				groups = append(groups, current)
				current = nil
				used = 0
			}
			groups = append(groups, [][]string{row})
			c.log.Warn("oversized table row emitted as single part",
				"document", documentName, "caption", t.Caption, "row_tokens", rt)
			continue
		}
		if used+rt > budget && len(current) > 0 {
			groups = append(groups, current)
			current = nil
			used = 0
		}
		current = append(current, row)
		used += rt
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func (c *Chunker) newChunk(documentID, documentName string, ordinal int, base store.Chunk) store.Chunk {
	base.ID = store.ChunkID(documentID, ordinal)
	base.DocumentID = documentID
	base.DocumentName = documentName
	base.Ordinal = ordinal
	base.TokenCount = c.tok.Count(base.Text)
	return base
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func toPagedWords(text string, page int) []pagedWord {
	fields := strings.Fields(text)
	out := make([]pagedWord, 0, len(fields))
	for _, f := range fields {
		out = append(out, pagedWord{text: f, page: page, endsSentence: endsSentence(f)})
	}
	return out
}

func endsSentence(word string) bool {
	w := strings.TrimRight(word, `"')]`)
	if w == "" {
		return false
	}
	last := w[len(w)-1]
	return last == '.' || last == '?' || last == '!'
}

func joinWords(words []pagedWord) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.text
	}
	return strings.Join(parts, " ")
}

func pagesOf(words []pagedWord) []int {
	seen := map[int]bool{}
	var pages []int
	for _, w := range words {
		if w.page > 0 && !seen[w.page] {
			seen[w.page] = true
			pages = append(pages, w.page)
		}
	}
	sort.Ints(pages)
	return pages
}

// renderTable produces the textual form of a table: the caption line,
// then header rows, then data rows, with cells joined by " | ".
func renderTable(caption string, headerRows, rows [][]string) string {
	var b strings.Builder
	if caption != "" {
		b.WriteString(caption)
	}
	for _, h := range headerRows {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(joinCells(h))
	}
	for _, r := range rows {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(joinCells(r))
	}
	return b.String()
}

func joinCells(row []string) string {
	return strings.Join(row, " | ")
}
