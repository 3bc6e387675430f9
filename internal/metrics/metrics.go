// Package metrics defines the prometheus collectors shared by the indexing
// and query paths. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "knowledge_rag"

type Metrics struct {
	documentsIndexed    prometheus.Counter
	documentsSkipped    *prometheus.CounterVec
	documentsFailed     prometheus.Counter
	chunksUpserted      prometheus.Counter
	embeddingRetries    prometheus.Counter
	isolationViolations *prometheus.CounterVec
	hallucinatedClaims  prometheus.Counter
	lowCoverageAnswers  prometheus.Counter
	answers             *prometheus.CounterVec
	stageLatency        *prometheus.HistogramVec
	queryLatency        prometheus.Histogram
	tenantVectors       *prometheus.GaugeVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		documentsIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_indexed_total",
			Help:      "Documents embedded and written to the vector store.",
		}),
		documentsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_skipped_total",
			Help:      "Documents skipped during indexing by reason.",
		}, []string{"reason"}),
		documentsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_failed_total",
			Help:      "Documents that failed to index.",
		}),
		chunksUpserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_upserted_total",
			Help:      "Vector records upserted.",
		}),
		embeddingRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_retries_total",
			Help:      "Embedding requests retried after a transient error.",
		}),
		isolationViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_isolation_violations_total",
			Help:      "Reads or writes rejected for crossing a tenant boundary.",
		}, []string{"operation"}),
		hallucinatedClaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hallucinated_claims_total",
			Help:      "Numeric claims not found in their cited source.",
		}),
		lowCoverageAnswers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_coverage_answers_total",
			Help:      "Answers whose citation coverage fell below the threshold.",
		}),
		answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers produced by status.",
		}, []string{"status"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_stage_duration_seconds",
			Help:      "Latency of each query pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		queryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End to end query latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		tenantVectors: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_vectors",
			Help:      "Vector count per tenant as of the last stats call.",
		}, []string{"tenant_id"}),
	}
}

func (m *Metrics) DocumentIndexed(chunks int) {
	if m == nil {
		return
	}
	m.documentsIndexed.Inc()
	m.chunksUpserted.Add(float64(chunks))
}

func (m *Metrics) DocumentSkipped(reason string) {
	if m == nil {
		return
	}
	m.documentsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DocumentFailed() {
	if m == nil {
		return
	}
	m.documentsFailed.Inc()
}

func (m *Metrics) EmbeddingRetry() {
	if m == nil {
		return
	}
	m.embeddingRetries.Inc()
}

func (m *Metrics) IsolationViolation(op string) {
	if m == nil {
		return
	}
	m.isolationViolations.WithLabelValues(op).Inc()
}

func (m *Metrics) HallucinatedClaims(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.hallucinatedClaims.Add(float64(n))
}

func (m *Metrics) LowCoverage() {
	if m == nil {
		return
	}
	m.lowCoverageAnswers.Inc()
}

func (m *Metrics) Answer(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(status).Inc()
	m.queryLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) Stage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) TenantVectors(tenantID string, n int64) {
	if m == nil {
		return
	}
	m.tenantVectors.WithLabelValues(tenantID).Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
