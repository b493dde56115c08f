package memory

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"

	"github.com/quiverdb/quiver/execution"
)

// Table is a partitioned in-memory datasource. Each partition's batches are emitted
// in order. An unbounded table never ends: it cycles through its batches forever and
// only stops when the context is cancelled or the consumer closes the stream, which
// stands in for a streaming source in tests and demos.
type Table struct {
	schema     *arrow.Schema
	partitions [][]execution.Record
	ordering   []execution.SortKey
	unbounded  bool
}

type Option func(*Table)

// WithOrdering declares that every partition's rows are already ordered by the given
// sort keys.
func WithOrdering(ordering []execution.SortKey) Option {
	return func(t *Table) {
		t.ordering = ordering
	}
}

func WithUnbounded() Option {
	return func(t *Table) {
		t.unbounded = true
	}
}

func NewTable(schema *arrow.Schema, partitions [][]execution.Record, options ...Option) *Table {
	out := &Table{
		schema:     schema,
		partitions: partitions,
	}
	for _, opt := range options {
		opt(out)
	}
	return out
}

func (t *Table) Schema() *arrow.Schema {
	return t.schema
}

func (t *Table) Partitions() int {
	return len(t.partitions)
}

func (t *Table) Ordering() []execution.SortKey {
	return t.ordering
}

func (t *Table) Unbounded() bool {
	return t.unbounded
}

func (t *Table) Materialize(ctx context.Context) (execution.Node, error) {
	return t, nil
}

func (t *Table) Node() execution.NodeWithMeta {
	return execution.NodeWithMeta{
		Node:       t,
		Schema:     t.schema,
		Partitions: len(t.partitions),
	}
}

func (t *Table) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	if partition < 0 || partition >= len(t.partitions) {
		return nil, fmt.Errorf("invalid memory table partition: %d", partition)
	}
	return &tableStream{
		table:     t,
		partition: partition,
	}, nil
}

type tableStream struct {
	table     *Table
	partition int
	index     int
}

func (s *tableStream) Next(ctx execution.Context) (execution.Record, error) {
	if err := ctx.Context.Err(); err != nil {
		return execution.Record{}, err
	}
	batches := s.table.partitions[s.partition]
	if s.index >= len(batches) {
		if !s.table.unbounded || len(batches) == 0 {
			return execution.Record{}, execution.ErrEndOfStream
		}
		s.index = 0
	}
	record := batches[s.index]
	s.index++
	return record, nil
}

func (s *tableStream) Close() error {
	return nil
}
