package parser

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// XLSXParser maps each worksheet of a financial workbook to one Table
// element: sheet name becomes the caption and the first row the header.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xls"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*Document, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	doc := &Document{}
	for i, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		// Sheets have no physical pages; sheet order stands in for page order.
		page := i + 1
		t := &Table{Caption: sheet, PageNumber: page}
		if len(rows) > 1 {
			t.HeaderRows = rows[:1]
			t.Rows = rows[1:]
		} else {
			t.Rows = rows
		}
		doc.Elements = append(doc.Elements, Element{Kind: KindTable, Table: t, PageNumber: page})
		doc.PageCount = page
	}

	if len(doc.Elements) == 0 {
		return nil, fmt.Errorf("no data found in workbook")
	}
	return doc, nil
}
