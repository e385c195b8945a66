package indexer

import "context"

// Record is a single decoded Kafka-style record returned by a fetch.
type Record struct {
	Offset int64
	Key    []byte
	Value  []byte
}

// Batch is the response to a single fetch call. ValidBytes is the number of
// usable bytes the broker returned for this partition at this offset; it can
// be zero even when Fetch returns a nil error (no new records produced yet).
type Batch struct {
	Records    []Record
	ValidBytes int
}

// OffsetPolicy selects how ComputeInitialOffset resolves a worker's starting
// position the first time it runs.
type OffsetPolicy string

const (
	OffsetEarliest      OffsetPolicy = "earliest"
	OffsetLatest        OffsetPolicy = "latest"
	OffsetLastCommitted OffsetPolicy = "last-committed"
)

// LogClient is the per-partition Kafka-style log broker contract consumed by
// Worker. pkg/kafka.Client implements it against twmb/franz-go; tests use a
// fake.
type LogClient interface {
	// Fetch requests records starting at offset. A nil error with an empty
	// Batch is a valid "nothing new yet" response.
	Fetch(ctx context.Context, offset int64) (Batch, error)

	// HandleFetchError classifies a non-nil error returned alongside a fetch
	// response (e.g. the broker reporting an error code for the partition).
	// If ok is true, rebased is the offset the worker should resume from
	// without posting or committing this round. If ok is false, err is the
	// classified error to propagate to the worker's recovery policy.
	HandleFetchError(ctx context.Context, fetchErr error, offset int64) (rebased int64, ok bool, err error)

	// LatestOffset returns the partition's current high-water mark.
	LatestOffset(ctx context.Context) (int64, error)

	// ComputeInitialOffset resolves the worker's first offset per the
	// client's configured OffsetPolicy.
	ComputeInitialOffset(ctx context.Context) (int64, error)

	// CommitOffset persists offset as the consumer group's progress marker.
	CommitOffset(ctx context.Context, offset int64) error

	// Reconnect re-establishes the broker session after a recoverable
	// failure.
	Reconnect(ctx context.Context) error

	// Close releases the client's resources. Idempotent.
	Close() error
}

// Handler is the pluggable message-transformation contract consumed by
// Worker. pkg/handler.JSONHandler is the default implementation.
type Handler interface {
	// PrepareForPost drains batch, transforms and stages each record, and
	// returns the offset immediately past the last record it accepted.
	// Individual transform failures are logged by the handler and skipped,
	// not raised.
	PrepareForPost(ctx context.Context, batch Batch) (proposedNextOffset int64, err error)

	// PostToSink submits the staged batch. A nil error means success. A
	// *SinkUnreachableError means the sink couldn't be reached at all. A
	// *SinkDataError means the sink rejected specific items; Detail
	// describes why. The staged batch is cleared before returning in both
	// the success and error paths.
	PostToSink(ctx context.Context) error
}
