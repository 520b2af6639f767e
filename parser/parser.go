// Package parser converts report files into an ordered stream of typed
// elements with page provenance. Concrete parsers are registered per
// format; callers treat them as black boxes behind the Parser interface.
package parser

import "context"

// Kind discriminates the element variants.
type Kind string

const (
	KindText    Kind = "text"
	KindTable   Kind = "table"
	KindHeading Kind = "heading"
)

// Element is one parsed unit: a text block, a table, or a heading.
// Exactly one of Text or Table carries the content, selected by Kind.
type Element struct {
	Kind       Kind
	Text       string // KindText and KindHeading
	Level      int    // KindHeading: 1 = top
	Table      *Table // KindTable
	PageNumber int
}

// Table is a parsed table with caption, header rows, and body rows.
type Table struct {
	Caption           string
	HeaderRows        [][]string
	Rows              [][]string
	PageNumber        int
	ContinuationPages []int // pages a multi-page table spills onto
}

// Pages returns every page the element touches, primary page first.
func (e Element) Pages() []int {
	if e.Kind == KindTable && e.Table != nil && len(e.Table.ContinuationPages) > 0 {
		pages := make([]int, 0, 1+len(e.Table.ContinuationPages))
		pages = append(pages, e.PageNumber)
		pages = append(pages, e.Table.ContinuationPages...)
		return pages
	}
	return []int{e.PageNumber}
}

// Document is the result of parsing one file.
type Document struct {
	Elements  []Element
	PageCount int
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*Document, error)
	SupportedFormats() []string
}
