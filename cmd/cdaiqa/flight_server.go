package main

import (
	"context"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-cdaiqa/internal/client"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa"
)

// CdaiqaFlightServer scores image records over Arrow Flight.
type CdaiqaFlightServer struct {
	flight.BaseFlightServer
	scorer       ScorerInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
	sem          *semaphore.Weighted
	maxWeight    int64
}

func NewCdaiqaFlightServer(scorer ScorerInterface, fc FlightClientInterface, dataset string, maxConcurrent int) *CdaiqaFlightServer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	alloc := memory.NewGoAllocator()
	return &CdaiqaFlightServer{
		scorer:       scorer,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        alloc,
		builder:      client.NewRecordBatchBuilder(alloc),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
	}
}

// dataset returns the first path element of the stream descriptor, or the
// server default.
func (s *CdaiqaFlightServer) dataset(reader *flight.Reader) string {
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		return desc.Path[0]
	}
	return s.datasetName
}

// score runs one record of images through the scorer under admission control.
func (s *CdaiqaFlightServer) score(ctx context.Context, images [][]byte) ([]float32, error) {
	weight := int64(len(images))
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	defer s.sem.Release(weight)

	imagesProcessed.Add(float64(len(images)))
	scores, err := s.scorer.ProxyScoreBatch(ctx, images)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "scoring failed: %v", err)
	}
	return scores, nil
}

// DoExchange scores every incoming record (binary "image" column, optional
// utf8 "id" column) and streams back one (id, score) record per input record.
func (s *CdaiqaFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	dataset := s.dataset(reader)
	ctx = iqa.WithDatasetID(ctx, dataset)
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.ScoreSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()

	total := 0
	for reader.Next() {
		ids, images, err := client.ReadImages(reader.Record(), total)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if len(images) == 0 {
			continue
		}
		scores, err := s.score(ctx, images)
		if err != nil {
			span.RecordError(err)
			return err
		}

		rec, err := s.builder.BuildScoreRecord(ids, scores)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		total += len(images)
	}
	span.SetAttributes(attribute.Int("image_count", total), attribute.String("dataset", dataset))
	return reader.Err()
}

// DoPut scores incoming image records and forwards the scores to the
// configured Flight server. One PutResult is sent per record.
func (s *CdaiqaFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	dataset := s.dataset(reader)
	ctx = iqa.WithDatasetID(ctx, dataset)
	putID := uuid.NewString()

	total := 0
	for reader.Next() {
		ids, images, err := client.ReadImages(reader.Record(), total)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		scores, err := s.score(ctx, images)
		if err != nil {
			span.RecordError(err)
			return err
		}
		log.Info().Str("put_id", putID).Str("dataset", dataset).Int("rows", len(images)).Msg("DoPut scored batch")

		if s.flightClient != nil && len(scores) > 0 {
			rec, err := s.builder.BuildScoreRecord(ids, scores)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			err = s.flightClient.DoPut(ctx, dataset, rec)
			rec.Release()
			if err != nil {
				forwardErrors.Inc()
				log.Error().Err(err).Str("put_id", putID).Msg("Error forwarding scores")
			}
		}

		total += len(images)
		if err := stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(total))}); err != nil {
			return err
		}
	}
	return reader.Err()
}

// StartFlightServer serves srv on addr until ctx is cancelled.
func StartFlightServer(ctx context.Context, addr string, srv *CdaiqaFlightServer) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)

	if err := server.Init(addr); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info().Str("addr", server.Addr().String()).Msg("Starting CDAIQA Flight server")
	return server.Serve()
}
