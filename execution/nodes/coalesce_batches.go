package nodes

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/helpers"
)

// CoalesceBatches repacks a partition's undersized batches into batches of at least
// TargetBatchSize rows, without reordering or splitting input batches. The final
// batch of a partition may be undersized.
type CoalesceBatches struct {
	Source          execution.NodeWithMeta
	TargetBatchSize int
}

func (c *CoalesceBatches) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	source, err := c.Source.Node.Stream(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("couldn't stream coalesce source partition %d: %w", partition, err)
	}
	return &coalesceStream{
		node:          c,
		source:        source,
		recordBuilder: array.NewRecordBuilder(memory.NewGoAllocator(), c.Source.Schema),
	}, nil
}

type coalesceStream struct {
	node          *CoalesceBatches
	source        execution.RecordStream
	recordBuilder *array.RecordBuilder
	bufferedRows  int
	endOfSource   bool
}

func (s *coalesceStream) Next(ctx execution.Context) (execution.Record, error) {
	if s.endOfSource {
		return execution.Record{}, execution.ErrEndOfStream
	}

	for s.bufferedRows < s.node.TargetBatchSize {
		record, err := s.source.Next(ctx)
		if err == execution.ErrEndOfStream {
			s.endOfSource = true
			if s.bufferedRows == 0 {
				return execution.Record{}, execution.ErrEndOfStream
			}
			break
		} else if err != nil {
			return execution.Record{}, err
		}

		for i, column := range record.Columns() {
			rewrite := helpers.MakeColumnRewriter(s.recordBuilder.Field(i), column)
			for rowIndex := 0; rowIndex < int(record.NumRows()); rowIndex++ {
				rewrite(rowIndex)
			}
		}
		s.bufferedRows += int(record.NumRows())
	}

	s.bufferedRows = 0
	return execution.Record{Record: s.recordBuilder.NewRecord()}, nil
}

func (s *coalesceStream) Close() error {
	return s.source.Close()
}
