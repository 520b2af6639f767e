package raglite

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the RAGLite engine.
type Config struct {
	// DataDir is where the embedded backends keep their files
	// (chunks.db, vectors.db, bm25.idx). Defaults to ~/.raglite.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// External services. When an endpoint is empty the engine falls back
	// to the embedded backend for that index.
	Qdrant   QdrantConfig   `json:"qdrant" yaml:"qdrant"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`

	// Chunking.
	ChunkSize      int `json:"chunk_size" yaml:"chunk_size"`             // tokens per text chunk
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`       // tokens shared between adjacent text chunks
	MaxTableTokens int `json:"max_table_tokens" yaml:"max_table_tokens"` // budget before a table is split by rows

	// Embedding.
	EmbeddingModel    string `json:"embedding_model" yaml:"embedding_model"`
	EmbeddingDim      int    `json:"embedding_dim" yaml:"embedding_dim"`
	EmbeddingBatch    int    `json:"embedding_batch_size" yaml:"embedding_batch_size"`
	EmbeddingTimeoutS int    `json:"embedding_timeout_s" yaml:"embedding_timeout_s"`

	// Metadata extraction.
	MetadataModel       string `json:"metadata_model" yaml:"metadata_model"`
	MetadataConcurrency int    `json:"metadata_concurrency" yaml:"metadata_concurrency"`
	MetadataTimeoutS    int    `json:"metadata_timeout_s" yaml:"metadata_timeout_s"`
	MetadataRetries     int    `json:"metadata_retries" yaml:"metadata_retries"`

	// Retrieval.
	TopK              int     `json:"top_k" yaml:"top_k"`
	HybridAlpha       float64 `json:"hybrid_alpha" yaml:"hybrid_alpha"`
	HybridDeadlineS   int     `json:"hybrid_deadline_s" yaml:"hybrid_deadline_s"`
	FusionMode        string  `json:"fusion_mode" yaml:"fusion_mode"` // "weighted_sum" or "rrf"
	RRFK              int     `json:"rrf_k" yaml:"rrf_k"`
	ClassifierVersion string  `json:"classifier_version" yaml:"classifier_version"`
}

// QdrantConfig configures the external vector store. An empty Host selects
// the embedded sqlite-vec backend instead.
type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	UseTLS     bool   `json:"use_tls" yaml:"use_tls"`
	Collection string `json:"collection" yaml:"collection"`
}

// PostgresConfig configures the external structured store. An empty URL
// selects the embedded SQLite FTS5 backend instead.
type PostgresConfig struct {
	URL string `json:"url" yaml:"url"`
}

// LLMConfig configures the shared OpenAI-compatible client used for both
// metadata extraction and embeddings.
type LLMConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           512,
		ChunkOverlap:        50,
		MaxTableTokens:      4096,
		EmbeddingModel:      "text-embedding-3-large",
		EmbeddingDim:        1024,
		EmbeddingBatch:      32,
		EmbeddingTimeoutS:   60,
		MetadataModel:       "gpt-4o-mini",
		MetadataConcurrency: 20,
		MetadataTimeoutS:    30,
		MetadataRetries:     2,
		TopK:                5,
		HybridAlpha:         0.6,
		HybridDeadlineS:     5,
		FusionMode:          "weighted_sum",
		RRFK:                60,
		ClassifierVersion:   "v1",
		Qdrant: QdrantConfig{
			Port:       6334,
			Collection: "raglite_chunks",
		},
	}
}

// LoadConfig reads a YAML config file and applies defaults for zero values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size)", ErrInvalidConfig)
	}
	if c.MaxTableTokens < c.ChunkSize {
		return fmt.Errorf("%w: max_table_tokens must be >= chunk_size", ErrInvalidConfig)
	}
	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		return fmt.Errorf("%w: hybrid_alpha must be in [0, 1]", ErrInvalidConfig)
	}
	switch c.FusionMode {
	case "", "weighted_sum", "rrf":
	default:
		return fmt.Errorf("%w: fusion_mode must be weighted_sum or rrf", ErrInvalidConfig)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	return nil
}

// resolveDataDir computes the directory for embedded backend files.
func (c *Config) resolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".raglite" // fallback to cwd
	}
	return filepath.Join(home, ".raglite")
}
