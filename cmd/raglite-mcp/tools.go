package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raglite/raglite"
	"github.com/raglite/raglite/store"
)

// newServer builds the MCP server with every tool registered.
func newServer(engine raglite.Engine, log *slog.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "raglite",
		Version: "0.1.0",
		Title:   "Financial report retrieval engine",
	}, nil)

	addIngestTool(server, engine, log)
	addQueryTool(server, engine, log)
	addListTool(server, engine)
	addDeleteTool(server, engine, log)
	addVerifyTool(server, engine)
	addHealthTool(server, engine)

	return server
}

func addIngestTool(server *mcp.Server, engine raglite.Engine, log *slog.Logger) {
	type args struct {
		Path string `json:"path" jsonschema:"Path to the PDF or spreadsheet to ingest"`
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_financial_document",
		Description: "Parse, chunk, and index a financial report (PDF, XLSX) for retrieval",
	}, func(ctx context.Context, req *mcp.CallToolRequest, a args) (*mcp.CallToolResult, any, error) {
		if a.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}
		res, err := engine.Ingest(ctx, a.Path)
		if err != nil {
			log.Error("ingest tool failed", "path", a.Path, "error", err)
			return nil, nil, err
		}
		return textResult(res), res, nil
	})
}

func addQueryTool(server *mcp.Server, engine raglite.Engine, log *slog.Logger) {
	type args struct {
		Query   string            `json:"query" jsonschema:"Natural-language question about the ingested reports"`
		TopK    int               `json:"top_k,omitempty" jsonschema:"Number of passages to return, defaults to 5"`
		Filters map[string]string `json:"filters,omitempty" jsonschema:"Optional metadata filters: document_id, company_name, metric_category, time_period, fiscal_period, tables_only"`
		Route   string            `json:"route,omitempty" jsonschema:"Optional routing override: VECTOR_ONLY, SQL_ONLY, or HYBRID"`
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "query_financial_documents",
		Description: "Search ingested reports and return scored, cited passages",
	}, func(ctx context.Context, req *mcp.CallToolRequest, a args) (*mcp.CallToolResult, any, error) {
		resp, err := engine.Query(ctx, raglite.QueryRequest{
			Query:                  a.Query,
			TopK:                   a.TopK,
			Filters:                a.Filters,
			ClassificationOverride: a.Route,
		})
		if err != nil {
			log.Error("query tool failed", "error", err)
			return nil, nil, err
		}
		return textResult(resp), resp, nil
	})
}

func addListTool(server *mcp.Server, engine raglite.Engine) {
	type args struct{}
	type result struct {
		Documents []store.Document `json:"documents"`
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List every ingested document with page and chunk counts",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ args) (*mcp.CallToolResult, any, error) {
		docs, err := engine.ListDocuments(ctx)
		if err != nil {
			return nil, nil, err
		}
		res := result{Documents: docs}
		return textResult(res), res, nil
	})
}

func addDeleteTool(server *mcp.Server, engine raglite.Engine, log *slog.Logger) {
	type args struct {
		DocumentID string `json:"document_id" jsonschema:"Content-hash id of the document to remove"`
	}
	type result struct {
		DocumentID string `json:"document_id"`
		Deleted    bool   `json:"deleted"`
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_document",
		Description: "Remove a document and its chunks from every index",
	}, func(ctx context.Context, req *mcp.CallToolRequest, a args) (*mcp.CallToolResult, any, error) {
		if a.DocumentID == "" {
			return nil, nil, fmt.Errorf("document_id is required")
		}
		if err := engine.DeleteDocument(ctx, a.DocumentID); err != nil {
			log.Error("delete tool failed", "doc_id", a.DocumentID, "error", err)
			return nil, nil, err
		}
		res := result{DocumentID: a.DocumentID, Deleted: true}
		return textResult(res), res, nil
	})
}

func addVerifyTool(server *mcp.Server, engine raglite.Engine) {
	type args struct {
		DocumentID string `json:"document_id" jsonschema:"Content-hash id of the document to audit"`
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "verify_document_linkage",
		Description: "Audit that a document has matching chunk counts across the vector, structured, and keyword indexes",
	}, func(ctx context.Context, req *mcp.CallToolRequest, a args) (*mcp.CallToolResult, any, error) {
		if a.DocumentID == "" {
			return nil, nil, fmt.Errorf("document_id is required")
		}
		report, err := engine.VerifyLinkage(ctx, a.DocumentID)
		if err != nil {
			return nil, nil, err
		}
		return textResult(report), report, nil
	})
}

func addHealthTool(server *mcp.Server, engine raglite.Engine) {
	type args struct{}
	type result struct {
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "health",
		Description: "Report whether the vector and structured stores are reachable",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ args) (*mcp.CallToolResult, any, error) {
		res := result{Status: "ok"}
		if err := engine.Ping(ctx); err != nil {
			res = result{Status: "degraded", Detail: err.Error()}
		}
		return textResult(res), res, nil
	})
}

// textResult mirrors the structured payload as pretty JSON text for
// clients that only render content blocks.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", v))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
