package nodes

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/helpers"
)

// Filter emits the rows of each source batch for which the predicate evaluates to
// true. A null predicate result drops the row, same as false. Partition-local,
// order-preserving, no buffering across batches; undersized outputs are the
// CoalesceBatches operator's problem.
type Filter struct {
	Source    execution.NodeWithMeta
	Predicate execution.Expression
}

func (f *Filter) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	source, err := f.Source.Node.Stream(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("couldn't stream filter source partition %d: %w", partition, err)
	}
	return &filterStream{
		node:   f,
		source: source,
	}, nil
}

type filterStream struct {
	node   *Filter
	source execution.RecordStream
}

func (s *filterStream) Next(ctx execution.Context) (execution.Record, error) {
	for {
		record, err := s.source.Next(ctx)
		if err == execution.ErrEndOfStream {
			return execution.Record{}, execution.ErrEndOfStream
		} else if err != nil {
			return execution.Record{}, err
		}

		selection, err := s.node.Predicate.Evaluate(ctx, record)
		if err != nil {
			return execution.Record{}, fmt.Errorf("couldn't evaluate filter predicate: %w", err)
		}
		typedSelection, ok := selection.(*array.Boolean)
		if !ok {
			return execution.Record{}, fmt.Errorf("filter predicate is not a boolean array: %s", selection.DataType())
		}

		selectedRows := make([]int, 0, typedSelection.Len())
		for i := 0; i < typedSelection.Len(); i++ {
			if !typedSelection.IsNull(i) && typedSelection.Value(i) {
				selectedRows = append(selectedRows, i)
			}
		}
		if len(selectedRows) == 0 {
			continue
		}

		recordBuilder := array.NewRecordBuilder(memory.NewGoAllocator(), s.node.Source.Schema)
		var g errgroup.Group
		for i, column := range record.Columns() {
			rewrite := helpers.MakeColumnRewriter(recordBuilder.Field(i), column)
			g.Go(func() error {
				for _, rowIndex := range selectedRows {
					rewrite(rowIndex)
				}
				return nil
			})
		}
		g.Wait()

		return execution.Record{Record: recordBuilder.NewRecord()}, nil
	}
}

func (s *filterStream) Close() error {
	return s.source.Close()
}
