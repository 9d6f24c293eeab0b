package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-cdaiqa/internal/client"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa"
)

var (
	imagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdaiqa_images_processed_total",
		Help: "The total number of images received for scoring",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdaiqa_request_duration_seconds",
		Help:    "Time spent processing score requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	forwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdaiqa_forward_errors_total",
		Help: "Total number of score records that could not be forwarded",
	})
)

const (
	contentTypeCBOR  = "application/cbor"
	contentTypeArrow = "application/vnd.apache.arrow.stream"
	headerRequestID  = "X-Request-ID"
	headerDataset    = "X-Dataset"
)

type ScorerInterface interface {
	ScoreBatch(ctx context.Context, images [][]byte) <-chan iqa.StreamResult
	ProxyScoreBatch(ctx context.Context, images [][]byte) ([]float32, error)
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	scorer       ScorerInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
	sem          *semaphore.Weighted
	maxWeight    int64
}

func NewServer(scorer ScorerInterface, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	alloc := memory.NewGoAllocator()
	return &Server{
		scorer:       scorer,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        alloc,
		builder:      client.NewRecordBatchBuilder(alloc),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/score", s.handleScore)
	mux.HandleFunc("/score/arrow", s.handleScoreArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(ctx context.Context, addr string, srv *Server) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Starting CDAIQA HTTP server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding scores to Flight server")
	}
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var tracer = otel.Tracer("cdaiqa-server")

// acquire reserves weight slots, clamped to the semaphore size so oversized
// requests wait for an idle server instead of failing.
func (s *Server) acquire(ctx context.Context, n int) (int64, error) {
	weight := int64(n)
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return 0, err
	}
	return weight, nil
}

func (s *Server) requestContext(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	dataset := s.datasetName
	if d := r.Header.Get(headerDataset); d != "" {
		dataset = d
	}
	return iqa.WithDatasetID(ctx, dataset), dataset
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ctx, dataset := s.requestContext(r)
	ctx, span := tracer.Start(ctx, "handleScore", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	w.Header().Set(headerRequestID, requestID)
	span.SetAttributes(attribute.String("request_id", requestID))

	var images [][]byte
	if err := cbor.NewDecoder(r.Body).Decode(&images); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("image_count", len(images)))

	scores := make([]float32, len(images))
	if len(images) > 0 {
		// Admission Control
		weight, err := s.acquire(ctx, len(images))
		if err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("Failed to acquire semaphore")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release(weight)

		imagesProcessed.Add(float64(len(images)))
		var firstErr error
		for chunk := range s.scorer.ScoreBatch(ctx, images) {
			if chunk.Err != nil {
				log.Error().Err(chunk.Err).Str("request_id", requestID).Int("offset", chunk.Offset).Msg("Scoring error in stream")
				if firstErr == nil {
					firstErr = chunk.Err
				}
				continue
			}
			copy(scores[chunk.Offset:], chunk.Scores)
			s.forward(ctx, dataset, requestIDs(requestID, chunk.Offset, chunk.Count), chunk.Scores)
		}
		if firstErr == nil {
			firstErr = ctx.Err()
		}
		if firstErr != nil {
			span.RecordError(firstErr)
			http.Error(w, fmt.Sprintf("Scoring failed: %v", firstErr), http.StatusUnprocessableEntity)
			return
		}
	}

	body, err := cbor.Marshal(scores)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func requestIDs(requestID string, offset, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = requestID + "/" + strconv.Itoa(offset+i)
	}
	return ids
}

// forward sends scores to the Flight server when one is configured. Failures
// are logged; scoring results are still returned to the caller.
func (s *Server) forward(ctx context.Context, dataset string, ids []string, scores []float32) {
	if s.flightClient == nil || len(scores) == 0 {
		return
	}
	rec, err := s.builder.BuildScoreRecord(ids, scores)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build score record")
		return
	}
	defer rec.Release()
	if err := s.flightClient.DoPut(ctx, dataset, rec); err != nil {
		forwardErrors.Inc()
		log.Error().Err(err).Str("dataset", dataset).Msg("Error forwarding scores")
	}
}

func (s *Server) handleScoreArrow(w http.ResponseWriter, r *http.Request) {
	ctx, dataset := s.requestContext(r)
	ctx, span := tracer.Start(ctx, "handleScoreArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	w.Header().Set(headerRequestID, requestID)

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	// Errors become HTTP errors until the Arrow stream has started; after
	// that the stream is cut short without an end-of-stream marker.
	var writer *ipc.Writer
	aborted := false
	fail := func(code int, err error) {
		if writer == nil {
			http.Error(w, err.Error(), code)
			return
		}
		aborted = true
		log.Error().Err(err).Str("request_id", requestID).Msg("Arrow score stream aborted")
	}
	defer func() {
		if writer != nil && !aborted {
			_ = writer.Close()
		}
	}()

	total := 0
	for reader.Next() {
		rec := reader.Record()
		ids, images, err := client.ReadImages(rec, total)
		if err != nil {
			fail(http.StatusBadRequest, err)
			return
		}
		if len(images) == 0 {
			continue
		}

		weight, err := s.acquire(ctx, len(images))
		if err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			fail(http.StatusServiceUnavailable, err)
			return
		}
		imagesProcessed.Add(float64(len(images)))
		scores, err := s.scorer.ProxyScoreBatch(ctx, images)
		s.sem.Release(weight)
		if err != nil {
			span.RecordError(err)
			fail(http.StatusUnprocessableEntity, err)
			return
		}

		out, err := s.builder.BuildScoreRecord(ids, scores)
		if err != nil {
			fail(http.StatusInternalServerError, err)
			return
		}
		if writer == nil {
			w.Header().Set("Content-Type", contentTypeArrow)
			writer = ipc.NewWriter(w, ipc.WithSchema(client.ScoreSchema), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(out)
		s.forward(ctx, dataset, ids, scores)
		out.Release()
		if err != nil {
			fail(http.StatusInternalServerError, err)
			return
		}
		total += len(images)
	}

	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		fail(http.StatusBadRequest, err)
		return
	}
	if writer == nil {
		// Empty request: answer with an empty stream that still carries the schema.
		w.Header().Set("Content-Type", contentTypeArrow)
		writer = ipc.NewWriter(w, ipc.WithSchema(client.ScoreSchema), ipc.WithAllocator(s.alloc))
	}
	span.SetAttributes(attribute.Int("image_count", total))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
