package types

// Telemetry dataset and metric names.
// All components MUST use these constants.
const (
	// Datasets written by the stats flusher.
	DatasetDestinationStats = "relay_destinations"
	DatasetAuxIdentifiers   = "govdelivery"

	// CloudWatch metric names, one per data point double.
	MetricUnitsDelivered = "UnitsDelivered"
	MetricAPICalls       = "WebhookAPICalls"
	MetricBytesDelivered = "BytesDelivered"
	MetricAuxIdentifier  = "AuxIdentifierCount"

	// Dimension Keys
	DimDestination = "Destination"
	DimIdentifier  = "Identifier"

	// Metric Namespace
	MetricNamespace = "MailRelay"
)

// DataPoint is one analytics record: string labels in Blobs, numeric values
// in Doubles and lookup keys in Indexes.
type DataPoint struct {
	Dataset string
	Blobs   []string
	Doubles []float64
	Indexes []string
}

// DeliveryStat accumulates what one run delivered to a destination.
type DeliveryStat struct {
	Destination   string
	TotalUnits    int
	TotalAPICalls int
	TotalBytes    int
}

// DataPoint renders the stat as doubles [units, API calls, bytes] indexed by
// destination.
func (s DeliveryStat) DataPoint() DataPoint {
	return DataPoint{
		Dataset: DatasetDestinationStats,
		Blobs:   []string{s.Destination},
		Doubles: []float64{float64(s.TotalUnits), float64(s.TotalAPICalls), float64(s.TotalBytes)},
		Indexes: []string{s.Destination},
	}
}
