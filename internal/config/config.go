package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the typed configuration for the whole engine. It is loaded once
// and passed into constructors.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Generation   GenerationConfig   `yaml:"generation"`
	Rerank       RerankConfig       `yaml:"rerank"`
	Chunking     ChunkingConfig     `yaml:"chunking"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Expansion    ExpansionConfig    `yaml:"expansion"`
	Verification VerificationConfig `yaml:"verification"`
	VectorStore  VectorStoreConfig  `yaml:"vector_store"`
	Database     DatabaseConfig     `yaml:"database"`
	Cache        CacheConfig        `yaml:"cache"`
	Indexing     IndexingConfig     `yaml:"indexing"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	QueryTimeout time.Duration      `yaml:"query_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level   string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool   `yaml:"console"`
}

// LLMConfig is shared by every remote model endpoint.
type LLMConfig struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai ollama"`
	BaseURL  string `yaml:"base_url"`
	Key      string `yaml:"key"`
	Model    string `yaml:"model"`
}

type EmbeddingConfig struct {
	LLMConfig         `yaml:",inline"`
	Dimensions        int           `yaml:"dimensions" validate:"gte=0"`
	BatchSize         int           `yaml:"batch_size" validate:"gte=1,lte=2048"`
	MaxInputChars     int           `yaml:"max_input_chars" validate:"gte=1"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff   time.Duration `yaml:"max_retry_backoff"`
	Concurrency       int           `yaml:"concurrency" validate:"gte=1"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
}

type GenerationConfig struct {
	LLMConfig       `yaml:",inline"`
	Temperature     float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int     `yaml:"max_tokens" validate:"gte=1"`
	MaxContextChars int     `yaml:"max_context_chars" validate:"gte=500"`
	MinSourceChars  int     `yaml:"min_source_chars" validate:"gte=50"`
}

// RerankConfig selects the cross-encoder. Backend "llm" scores passages with
// a chat model, "http" calls a /rerank endpoint at BaseURL.
type RerankConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Backend         string        `yaml:"backend" validate:"omitempty,oneof=llm http"`
	LLMConfig       `yaml:",inline"`
	Weight          float64       `yaml:"weight" validate:"gte=0,lte=1"`
	MaxPassageChars int           `yaml:"max_passage_chars" validate:"gte=100"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1"`
	Timeout         time.Duration `yaml:"timeout"`
}

type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size" validate:"gte=100"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
}

type RetrievalConfig struct {
	TopK              int     `yaml:"top_k" validate:"gte=1,lte=100"`
	OverFetchFactor   int     `yaml:"over_fetch_factor" validate:"gte=1,lte=10"`
	DisableHybrid     bool    `yaml:"disable_hybrid"`
	DenseWeight       float64 `yaml:"dense_weight" validate:"gte=0,lte=1"`
	SparseWeight      float64 `yaml:"sparse_weight" validate:"gte=0,lte=1"`
	ContentMatchBoost float64 `yaml:"content_match_boost" validate:"gte=0"`
	TitleMatchBoost   float64 `yaml:"title_match_boost" validate:"gte=0"`
	MaxKeywordBoost   float64 `yaml:"max_keyword_boost" validate:"gte=0"`
	MMRLambda         float64 `yaml:"mmr_lambda" validate:"gte=0,lte=1"`
	MinScore          float64 `yaml:"min_score"`
	DisableFreshness  bool    `yaml:"disable_freshness"`
}

// ExpansionConfig extends the built-in acronym and synonym tables.
type ExpansionConfig struct {
	Disabled bool                `yaml:"disabled"`
	Acronyms map[string]string   `yaml:"acronyms"`
	Synonyms map[string][]string `yaml:"synonyms"`
}

type VerificationConfig struct {
	MinCitationCoverage float64 `yaml:"min_citation_coverage" validate:"gte=0,lte=1"`
}

type VectorStoreConfig struct {
	Backend          string       `yaml:"backend" validate:"oneof=chromem pgvector milvus"`
	Path             string       `yaml:"path"`
	Persistent       bool         `yaml:"persistent"`
	Compress         bool         `yaml:"compress"`
	CollectionPrefix string       `yaml:"collection_prefix"`
	Milvus           MilvusConfig `yaml:"milvus"`
}

type MilvusConfig struct {
	Address    string        `yaml:"address"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	// Driver is "pgdriver", "pq" or "sqlite".
	Driver   string `yaml:"driver" validate:"oneof=pgdriver pq sqlite"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type CacheConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=none memory redis"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int64         `yaml:"max_entries" validate:"gte=0"`
	KeyPrefix  string        `yaml:"key_prefix"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisPass  string        `yaml:"redis_password"`
	RedisDB    int           `yaml:"redis_db"`
}

type IndexingConfig struct {
	Workers int `yaml:"workers" validate:"gte=1,lte=256"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// LoadConfig reads a YAML file, fills defaults, applies environment
// overrides for secrets and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	cfg.seedZeroable()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.seedZeroable()
	cfg.ApplyDefaults()
	return cfg
}

// seedZeroable sets the defaults of fields where 0 is a valid setting. They
// are seeded before decoding so an explicit 0 in the file survives.
func (c *Config) seedZeroable() {
	c.Embedding.MaxRetries = 3
	c.Generation.Temperature = 0.1
	c.Chunking.ChunkOverlap = 400
}

// ApplyDefaults fills zero values of fields where 0 is never a valid setting.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	e := &c.Embedding
	if e.Provider == "" {
		e.Provider = "ollama"
	}
	if e.Model == "" {
		e.Model = "nomic-embed-text"
	}
	if e.BatchSize == 0 {
		e.BatchSize = 100
	}
	if e.MaxInputChars == 0 {
		e.MaxInputChars = 30000
	}
	if e.RetryBackoff == 0 {
		e.RetryBackoff = 500 * time.Millisecond
	}
	if e.MaxRetryBackoff == 0 {
		e.MaxRetryBackoff = 10 * time.Second
	}
	if e.Concurrency == 0 {
		e.Concurrency = 4
	}

	g := &c.Generation
	if g.Provider == "" {
		g.Provider = "ollama"
	}
	if g.Model == "" {
		g.Model = "llama3.1"
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 1024
	}
	if g.MaxContextChars == 0 {
		g.MaxContextChars = 12000
	}
	if g.MinSourceChars == 0 {
		g.MinSourceChars = 200
	}

	r := &c.Rerank
	if r.Backend == "" {
		r.Backend = "llm"
	}
	if r.Weight == 0 {
		r.Weight = 0.7
	}
	if r.MaxPassageChars == 0 {
		r.MaxPassageChars = 1500
	}
	if r.Concurrency == 0 {
		r.Concurrency = 4
	}
	if r.Timeout == 0 {
		r.Timeout = 20 * time.Second
	}

	if c.Chunking.ChunkSize == 0 {
		c.Chunking.ChunkSize = 2000
	}

	rt := &c.Retrieval
	if rt.TopK == 0 {
		rt.TopK = 5
	}
	if rt.OverFetchFactor == 0 {
		rt.OverFetchFactor = 3
	}
	if rt.DenseWeight == 0 && rt.SparseWeight == 0 {
		rt.DenseWeight = 0.7
		rt.SparseWeight = 0.3
	}
	if rt.ContentMatchBoost == 0 {
		rt.ContentMatchBoost = 0.05
	}
	if rt.TitleMatchBoost == 0 {
		rt.TitleMatchBoost = 0.2
	}
	if rt.MaxKeywordBoost == 0 {
		rt.MaxKeywordBoost = 1.0
	}
	if rt.MMRLambda == 0 {
		rt.MMRLambda = 0.7
	}

	if c.Verification.MinCitationCoverage == 0 {
		c.Verification.MinCitationCoverage = 0.7
	}

	vs := &c.VectorStore
	if vs.Backend == "" {
		vs.Backend = "chromem"
	}
	if vs.Path == "" {
		vs.Path = "./chromemdb"
	}
	if vs.CollectionPrefix == "" {
		vs.CollectionPrefix = "tenant_"
	}
	if vs.Milvus.Collection == "" {
		vs.Milvus.Collection = "knowledge_chunks"
	}
	if vs.Milvus.Timeout == 0 {
		vs.Milvus.Timeout = 10 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:knowledge.db?_pragma=busy_timeout(5000)"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "rag:emb:"
	}

	if c.Indexing.Workers == 0 {
		c.Indexing.Workers = 4
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 60 * time.Second
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if c.Embedding.Provider == "openai" && c.Embedding.Key == "" {
			c.Embedding.Key = v
		}
		if c.Generation.Provider == "openai" && c.Generation.Key == "" {
			c.Generation.Key = v
		}
	}
	if v := os.Getenv("RAG_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("RAG_REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPass = v
	}
	if v := os.Getenv("RAG_MILVUS_PASSWORD"); v != "" {
		c.VectorStore.Milvus.Password = v
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.VectorStore.Backend == "milvus" && c.VectorStore.Milvus.Address == "" {
		return fmt.Errorf("invalid config: vector_store.milvus.address is required for the milvus backend")
	}
	if c.VectorStore.Backend == "pgvector" && c.Database.Driver == "sqlite" {
		return fmt.Errorf("invalid config: the pgvector backend needs a postgres database driver")
	}
	if c.VectorStore.Backend != "chromem" && c.Embedding.Dimensions == 0 {
		return fmt.Errorf("invalid config: embedding.dimensions is required for the %s backend", c.VectorStore.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("invalid config: cache.redis_addr is required for the redis cache")
	}
	return nil
}
