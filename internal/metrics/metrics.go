package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Counter para arquivos processados
	FilesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliation_extract_files_processed_total",
			Help: "Total number of input files processed",
		},
		[]string{"status"},
	)

	// Counter para registros extraídos
	RecordsExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "affiliation_extract_records_extracted_total",
		Help: "Total number of records extracted",
	})

	// Counter para registros filtrados
	RecordsFilteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "affiliation_extract_records_filtered_total",
		Help: "Total number of records rejected by task filters",
	})

	// Counter para registros sem identificador
	RecordsMissingIDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "affiliation_extract_records_missing_id_total",
		Help: "Total number of records skipped for a missing primary identifier",
	})

	// Counter para erros de parse de linhas JSONL
	LineParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "affiliation_extract_line_parse_errors_total",
		Help: "Total number of JSONL lines that failed to parse",
	})

	// Counter para linhas escritas por tabela
	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliation_extract_rows_written_total",
			Help: "Total number of rows written per output table",
		},
		[]string{"table"},
	)

	// Counter para linhas suprimidas pela deduplicação do writer
	RowsDedupedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliation_extract_rows_deduped_total",
			Help: "Total number of rows suppressed by writer-side deduplication",
		},
		[]string{"table"},
	)

	// Gauge para profundidade da fila de batches
	WriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "affiliation_extract_writer_queue_depth",
		Help: "Current number of batches waiting for the writer",
	})

	// Histograma para duração do processamento por arquivo
	FileProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "affiliation_extract_file_processing_duration_seconds",
		Help:    "Time spent extracting one input file",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0},
	})
)

// Server exposes /metrics and /healthz while a run is in flight. Disabled
// when the configured port is zero.
type Server struct {
	port   int
	logger *logrus.Logger
	server *http.Server
}

// NewServer creates a metrics server for the given port
func NewServer(port int, logger *logrus.Logger) *Server {
	return &Server{
		port:   port,
		logger: logger,
	}
}

// Start begins serving metrics in a background goroutine
func (s *Server) Start() {
	if s.port == 0 {
		return
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("Starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics server failed")
		}
	}()
}

// Stop shuts the metrics server down gracefully
func (s *Server) Stop(ctx context.Context) {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Metrics server shutdown error")
	}
}
