package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"knowledge-rag/internal/cache"
	"knowledge-rag/internal/chunker"
	"knowledge-rag/internal/config"
	"knowledge-rag/internal/db"
	"knowledge-rag/internal/docstore"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/indexing"
	"knowledge-rag/internal/llmservice"
	"knowledge-rag/internal/metrics"
	"knowledge-rag/internal/rag"
	"knowledge-rag/internal/vectorstore"
)

const defaultConfigPath = "./configs/config.yaml"

var (
	configPath string
	tenantID   string

	rootCmd = &cobra.Command{
		Use:           "knowledge-rag",
		Short:         "Index tenant documents and answer questions over them with citations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return errors.New("--tenant (or RAG_TENANT) is required")
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("RAG_TENANT"), "tenant id every command runs as")
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

// app holds every long lived component a command may need.
type app struct {
	cfg      *config.Config
	bunDB    *bun.DB
	docs     *docstore.Repository
	store    *vectorstore.Isolated
	embedder *embedding.Client
	indexer  *indexing.Service
	engine   *rag.Engine
	metrics  *metrics.Metrics
	closers  []func()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		return config.Default(), nil
	}
	return cfg, err
}

func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	helper.SetupLogger(cfg.Log.Level, cfg.Log.Console)
	log.Debug().Interface("config", cfg).Msg("Loaded config")

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Tracing.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, func() { _ = tp.Shutdown(context.Background()) })
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	a.metrics = metrics.New(reg)
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	a.bunDB, err = db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.bunDB.Close() })
	if err := db.Ping(ctx, a.bunDB); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	a.docs = docstore.New(a.bunDB)
	if err := a.docs.Init(ctx); err != nil {
		return nil, err
	}

	a.store, err = vectorstore.New(ctx, cfg, a.bunDB, a.metrics)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	embCache, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = embCache.Close() })

	embedder, err := embedding.NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	a.embedder = embedding.NewClient(embedder, embedding.OptionsFromConfig(cfg), embCache, a.metrics)

	a.indexer, err = indexing.NewService(chunker.New(cfg.Chunking.ChunkSize, cfg.Chunking.ChunkOverlap), a.embedder, a.store, a.docs, cfg.Indexing.Workers, a.metrics)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.indexer.Close)

	chat, err := llmservice.NewChatModel(cfg.Generation.LLMConfig)
	if err != nil {
		return nil, err
	}
	crossEncoder, err := rag.NewCrossEncoder(cfg.Rerank, chat)
	if err != nil {
		return nil, err
	}
	a.engine = rag.NewEngine(cfg, a.embedder, a.store, chat, crossEncoder, a.metrics)

	ok = true
	return a, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
