package nodes

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"

	"github.com/quiverdb/quiver/execution"
)

// Map derives a new schema by evaluating one expression per output column.
// Stateless and partition-local.
type Map struct {
	OutSchema *arrow.Schema
	Source    execution.NodeWithMeta
	Exprs     []execution.Expression
}

func (m *Map) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	source, err := m.Source.Node.Stream(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("couldn't stream map source partition %d: %w", partition, err)
	}
	return &mapStream{
		node:   m,
		source: source,
	}, nil
}

type mapStream struct {
	node   *Map
	source execution.RecordStream
}

func (s *mapStream) Next(ctx execution.Context) (execution.Record, error) {
	record, err := s.source.Next(ctx)
	if err == execution.ErrEndOfStream {
		return execution.Record{}, execution.ErrEndOfStream
	} else if err != nil {
		return execution.Record{}, err
	}

	outColumns := make([]arrow.Array, len(s.node.Exprs))
	for i := range outColumns {
		column, err := s.node.Exprs[i].Evaluate(ctx, record)
		if err != nil {
			return execution.Record{}, fmt.Errorf("couldn't evaluate map expression %d: %w", i, err)
		}
		outColumns[i] = column
	}

	return execution.Record{Record: array.NewRecord(s.node.OutSchema, outColumns, record.NumRows())}, nil
}

func (s *mapStream) Close() error {
	return s.source.Close()
}
