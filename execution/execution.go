package execution

import (
	"context"
	"errors"

	"github.com/apache/arrow/go/v13/arrow"
)

// All nodes try to create batches of approximately this size. Different sizes are allowed;
// CoalesceBatches exists to repack undersized batches.
const IdealBatchSize = 16 * 1024

// ErrEndOfStream is the terminal signal of a partition stream. It is distinct from a
// zero-length record, which is a valid stream element.
var ErrEndOfStream = errors.New("end of stream")

type Context struct {
	Context context.Context
}

type Record struct {
	arrow.Record
}

// RecordStream is a single partition of a node's output. Next blocks until the next
// batch is available, the partition ends (ErrEndOfStream), or the execution fails.
// Next must not be called concurrently. A consumer may stop pulling at any point and
// Close the stream; upstream treats that as a valid early stop, not an error.
type RecordStream interface {
	Next(ctx Context) (Record, error)
	Close() error
}

// Node is a physical operator. Stream returns a fresh stream for the given partition
// index in [0, Partitions). Streams of different partitions are independent and may
// be driven concurrently. A node instance is single-use: streams are restartable only
// on a fresh instance, never mid-stream.
type Node interface {
	Stream(ctx Context, partition int) (RecordStream, error)
}

type NodeWithMeta struct {
	Node       Node
	Schema     *arrow.Schema
	Partitions int
}

// SortKey describes one column of a sort ordering.
type SortKey struct {
	ColumnIndex int
	Descending  bool
	NullsFirst  bool
}
