package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient talks to an Arrow Flight server: it forwards scored records
// with DoPut and requests remote scoring with DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

func datasetDescriptor(dataset string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	}
}

// DoPut sends a RecordBatch to the given dataset. Calls fail fast with
// ErrCircuitOpen while the downstream keeps failing.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	err := c.breaker.Do(func() error {
		return c.doPut(ctx, datasetName, record)
	})
	if errors.Is(err, ErrCircuitOpen) {
		log.Warn().Str("dataset", datasetName).Msg("Flight forwarding skipped, circuit open")
	}
	return err
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(datasetDescriptor(datasetName))

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain put results so server-side errors surface here.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exchange sends one record of images to a scoring server and returns the
// score records it streams back. Callers release the returned records.
func (c *FlightClient) Exchange(ctx context.Context, datasetName string, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(datasetDescriptor(datasetName))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("read exchange response: %w", err)
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}

// Breaker exposes the circuit breaker guarding DoPut.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
