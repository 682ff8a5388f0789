package export

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/imatrix"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// DatasetName is the Longbow dataset importance vectors land in.
const DatasetName = "imatrix"

var pushSchema = arrow.NewSchema([]arrow.Field{
	{Name: "tensor", Type: arrow.BinaryTypes.String},
	{Name: "ncall", Type: arrow.PrimitiveTypes.Int32},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// FlightClient pushes per-tensor importance vectors to a Longbow server
// via Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient connects to the Longbow server at addr.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// Push sends one record batch holding every exportable entry.
func (c *FlightClient) Push(ctx context.Context, entries []imatrix.ExportEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries to push")
	}

	b := array.NewRecordBuilder(memory.DefaultAllocator, pushSchema)
	defer b.Release()

	tensors := b.Field(0).(*array.StringBuilder)
	ncalls := b.Field(1).(*array.Int32Builder)
	values := b.Field(2).(*array.ListBuilder)
	items := values.ValueBuilder().(*array.Float32Builder)
	for _, e := range entries {
		tensors.Append(e.Name)
		ncalls.Append(e.NCall)
		values.Append(true)
		items.AppendValues(e.Values, nil)
	}
	rec := b.NewRecordBatch()
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		metrics.ExportPushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("starting DoPut: %w", err)
	}
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(pushSchema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{DatasetName},
	})
	if err := writer.Write(rec); err != nil {
		metrics.ExportPushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("writing record: %w", err)
	}
	if err := writer.Close(); err != nil {
		metrics.ExportPushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("closing writer: %w", err)
	}

	metrics.ExportPushesTotal.WithLabelValues("ok").Inc()
	logger.Log.Info("pushed importance vectors", "entries", len(entries), "dataset", DatasetName)
	return nil
}

// Close closes the underlying connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
