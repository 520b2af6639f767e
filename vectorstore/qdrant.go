package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore is the server-mode vector backend.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// QdrantOptions configures the connection and target collection.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dim        int
}

// NewQdrantStore connects to Qdrant and ensures the collection exists
// with the expected vector size and cosine distance.
func NewQdrantStore(ctx context.Context, opts QdrantOptions) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect qdrant: %w", err)
	}
	s := &QdrantStore{client: client, collection: opts.Collection, dim: opts.Dim}

	exists, err := client.CollectionExists(ctx, opts.Collection)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: check collection: %w", err)
	}
	if !exists {
		err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: opts.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(opts.Dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("vectorstore: create collection: %w", err)
		}
	}
	return s, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != s.dim {
			return fmt.Errorf("vectorstore: point %s has dim %d, store has %d", p.ChunkID, len(p.Vector), s.dim)
		}
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ChunkID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payloadToMap(p.Payload),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("vectorstore: query dim %d, store has %d", len(vector), s.dim)
	}
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ChunkID: r.GetId().GetUuid(),
			Score:   float64(r.GetScore()),
			Payload: payloadFromMap(r.GetPayload()),
		})
	}
	return hits, nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete document %s: %w", documentID, err)
	}
	return nil
}

func (s *QdrantStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count document %s: %w", documentID, err)
	}
	return int(n), nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("vectorstore: qdrant health: %w", err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func payloadToMap(p Payload) map[string]*qdrant.Value {
	pages := make([]any, len(p.Pages))
	for i, pg := range p.Pages {
		pages[i] = pg
	}
	return qdrant.NewValueMap(map[string]any{
		"text":            p.Text,
		"page_number":     p.PageNumber,
		"pages":           pages,
		"document_id":     p.DocumentID,
		"document_name":   p.DocumentName,
		"chunk_ordinal":   p.ChunkOrdinal,
		"is_table":        p.IsTable,
		"table_part":      p.TablePart,
		"metric_category": p.MetricCategory,
		"time_period":     p.TimePeriod,
		"company_name":    p.CompanyName,
		"embed_failed":    p.EmbedFailed,
	})
}

func payloadFromMap(m map[string]*qdrant.Value) Payload {
	p := Payload{
		Text:           m["text"].GetStringValue(),
		PageNumber:     int(m["page_number"].GetIntegerValue()),
		DocumentID:     m["document_id"].GetStringValue(),
		DocumentName:   m["document_name"].GetStringValue(),
		ChunkOrdinal:   int(m["chunk_ordinal"].GetIntegerValue()),
		IsTable:        m["is_table"].GetBoolValue(),
		TablePart:      m["table_part"].GetStringValue(),
		MetricCategory: m["metric_category"].GetStringValue(),
		TimePeriod:     m["time_period"].GetStringValue(),
		CompanyName:    m["company_name"].GetStringValue(),
		EmbedFailed:    m["embed_failed"].GetBoolValue(),
	}
	for _, v := range m["pages"].GetListValue().GetValues() {
		p.Pages = append(p.Pages, int(v.GetIntegerValue()))
	}
	return p
}

// buildFilter translates the portable filter into Qdrant match conditions.
// EmbedFailed exclusion is always applied.
func buildFilter(f *Filter) *qdrant.Filter {
	out := &qdrant.Filter{
		MustNot: []*qdrant.Condition{
			qdrant.NewMatchBool("embed_failed", true),
		},
	}
	if f == nil {
		return out
	}
	if f.DocumentID != "" {
		out.Must = append(out.Must, qdrant.NewMatch("document_id", f.DocumentID))
	}
	if f.CompanyName != "" {
		out.Must = append(out.Must, qdrant.NewMatch("company_name", f.CompanyName))
	}
	if f.MetricCategory != "" {
		out.Must = append(out.Must, qdrant.NewMatch("metric_category", f.MetricCategory))
	}
	if f.TimePeriod != "" {
		out.Must = append(out.Must, qdrant.NewMatch("time_period", f.TimePeriod))
	}
	if f.TablesOnly {
		out.Must = append(out.Must, qdrant.NewMatchBool("is_table", true))
	}
	return out
}
