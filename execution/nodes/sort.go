package nodes

import (
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/helpers"
)

// Sort orders each partition independently by the sort keys. The whole partition is
// buffered before the first output batch, so the planner must not place it over an
// unbounded source. An optional fetch keeps only the first Fetch rows per partition,
// which is all a downstream merge + limit can ever observe.
type Sort struct {
	Source   execution.NodeWithMeta
	SortKeys []execution.SortKey
	Fetch    int
}

func (s *Sort) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	source, err := s.Source.Node.Stream(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("couldn't stream sort source partition %d: %w", partition, err)
	}
	return &sortStream{
		node:   s,
		source: source,
	}, nil
}

type sortStream struct {
	node   *Sort
	source execution.RecordStream

	sorted  execution.Record
	order   []int
	emitted int
	started bool
}

func (s *sortStream) Next(ctx execution.Context) (execution.Record, error) {
	if !s.started {
		if err := s.run(ctx); err != nil {
			return execution.Record{}, err
		}
		s.started = true
	}

	remaining := len(s.order) - s.emitted
	if remaining == 0 {
		return execution.Record{}, execution.ErrEndOfStream
	}
	length := remaining
	if length > execution.IdealBatchSize {
		length = execution.IdealBatchSize
	}

	recordBuilder := array.NewRecordBuilder(memory.NewGoAllocator(), s.node.Source.Schema)
	rewriters := make([]func(rowIndex int), len(s.sorted.Columns()))
	for i, column := range s.sorted.Columns() {
		rewriters[i] = helpers.MakeColumnRewriter(recordBuilder.Field(i), column)
	}
	for _, rowIndex := range s.order[s.emitted : s.emitted+length] {
		for _, rewrite := range rewriters {
			rewrite(rowIndex)
		}
	}
	s.emitted += length

	return execution.Record{Record: recordBuilder.NewRecord()}, nil
}

// run buffers the partition into a single record and computes the sorted row order.
func (s *sortStream) run(ctx execution.Context) error {
	recordBuilder := array.NewRecordBuilder(memory.NewGoAllocator(), s.node.Source.Schema)
	if err := execution.DrainStream(ctx, s.source, func(record execution.Record) error {
		for i, column := range record.Columns() {
			rewrite := helpers.MakeColumnRewriter(recordBuilder.Field(i), column)
			for rowIndex := 0; rowIndex < int(record.NumRows()); rowIndex++ {
				rewrite(rowIndex)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	s.sorted = execution.Record{Record: recordBuilder.NewRecord()}
	rows := int(s.sorted.NumRows())
	s.order = make([]int, rows)
	for i := range s.order {
		s.order[i] = i
	}
	compare := helpers.MakeRecordRowComparator(s.node.SortKeys, s.sorted)
	sort.SliceStable(s.order, func(i, j int) bool {
		return compare(s.order[i], s.order[j]) < 0
	})

	if s.node.Fetch != NoFetchLimit && s.node.Fetch < len(s.order) {
		s.order = s.order[:s.node.Fetch]
	}
	return nil
}

func (s *sortStream) Close() error {
	return s.source.Close()
}
