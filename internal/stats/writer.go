// Package stats publishes per-run delivery and auxiliary-identifier counts
// to an analytics backend.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailrelay/internal/types"
)

// Writer persists a single data point.
type Writer interface {
	Write(ctx context.Context, p types.DataPoint) error
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// metricNames maps each dataset's doubles, by position, to metric names.
var metricNames = map[string][]string{
	types.DatasetDestinationStats: {types.MetricUnitsDelivered, types.MetricAPICalls, types.MetricBytesDelivered},
	types.DatasetAuxIdentifiers:   {types.MetricAuxIdentifier},
}

var dimensionNames = map[string]string{
	types.DatasetDestinationStats: types.DimDestination,
	types.DatasetAuxIdentifiers:   types.DimIdentifier,
}

var unitFor = map[string]cwtypes.StandardUnit{
	types.MetricBytesDelivered: cwtypes.StandardUnitBytes,
}

// Compile-time assertion that CloudWatchWriter implements Writer.
var _ Writer = (*CloudWatchWriter)(nil)

// CloudWatchWriter emits one metric datum per double of a data point, all
// sharing a dimension built from the point's first index.
//
// Metrics emitted:
//   - UnitsDelivered, WebhookAPICalls, BytesDelivered: Dims {Destination}
//   - AuxIdentifierCount: Dims {Identifier}
type CloudWatchWriter struct {
	client    CloudWatchClient
	namespace string
	clock     types.Clock
}

// NewCloudWatchWriter creates a writer publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchWriter(client CloudWatchClient, namespace string, clock types.Clock) *CloudWatchWriter {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &CloudWatchWriter{client: client, namespace: namespace, clock: clock}
}

// Write publishes p in a single PutMetricData call.
func (w *CloudWatchWriter) Write(ctx context.Context, p types.DataPoint) error {
	names, ok := metricNames[p.Dataset]
	if !ok {
		return fmt.Errorf("stats: unknown dataset %q", p.Dataset)
	}

	var dims []cwtypes.Dimension
	if len(p.Indexes) > 0 && p.Indexes[0] != "" {
		dims = []cwtypes.Dimension{{
			Name:  aws.String(dimensionNames[p.Dataset]),
			Value: aws.String(p.Indexes[0]),
		}}
	}

	now := w.clock.Now()
	data := make([]cwtypes.MetricDatum, 0, len(p.Doubles))
	for i, v := range p.Doubles {
		if i >= len(names) {
			break
		}
		unit, ok := unitFor[names[i]]
		if !ok {
			unit = cwtypes.StandardUnitCount
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(names[i]),
			Value:      aws.Float64(v),
			Unit:       unit,
			Timestamp:  aws.Time(now),
			Dimensions: dims,
		})
	}
	if len(data) == 0 {
		return nil
	}

	_, err := w.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(w.namespace),
		MetricData: data,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeStatsWriteFailed, "failed to put metric data", err)
	}
	return nil
}

// DataPointInserter is satisfied by db.DataPointRepository.
type DataPointInserter interface {
	Insert(ctx context.Context, runID string, p types.DataPoint, at time.Time) error
}

// PostgresWriter stores data points as rows tagged with the run ID found in ctx.
type PostgresWriter struct {
	repo  DataPointInserter
	clock types.Clock
}

// NewPostgresWriter creates a PostgresWriter.
func NewPostgresWriter(repo DataPointInserter, clock types.Clock) *PostgresWriter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &PostgresWriter{repo: repo, clock: clock}
}

// Write inserts p.
func (w *PostgresWriter) Write(ctx context.Context, p types.DataPoint) error {
	if err := w.repo.Insert(ctx, types.GetRunID(ctx), p, w.clock.Now()); err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return nil
}

// NopWriter discards data points.
type NopWriter struct{}

func (NopWriter) Write(context.Context, types.DataPoint) error { return nil }
