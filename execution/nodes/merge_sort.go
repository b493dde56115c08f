package nodes

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/helpers"
)

const mergeTreeDegree = 8

// SortPreservingMerge merges N partitions, each already sorted by SortKeys, into a
// single sorted partition. The next row is always extracted from the globally
// smallest cursor; ties are broken deterministically by input partition index. With
// a fetch bound it stops pulling from upstream partitions as soon as the bound is
// proven satisfied and closes them early.
type SortPreservingMerge struct {
	Source   execution.NodeWithMeta
	SortKeys []execution.SortKey
	Fetch    int
}

func (m *SortPreservingMerge) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	if partition != 0 {
		return nil, fmt.Errorf("sort preserving merge produces a single partition, got request for partition %d", partition)
	}
	return &mergeStream{
		node:          m,
		recordBuilder: array.NewRecordBuilder(memory.NewGoAllocator(), m.Source.Schema),
	}, nil
}

// mergeCursor tracks one input partition's position. It lives in the merge tree
// keyed by its current row; it is only mutated while outside the tree.
type mergeCursor struct {
	partition int
	sortKeys  []execution.SortKey
	stream    execution.RecordStream

	record    execution.Record
	rowIndex  int
	rewriters []func(rowIndex int)
}

func (c *mergeCursor) Less(than btree.Item) bool {
	other := than.(*mergeCursor)
	if comparison := helpers.CompareRows(c.sortKeys, c.record, c.rowIndex, other.record, other.rowIndex); comparison != 0 {
		return comparison == -1
	}
	return c.partition < other.partition
}

type mergeStream struct {
	node          *SortPreservingMerge
	recordBuilder *array.RecordBuilder

	tree    *btree.BTree
	emitted int
	started bool
	done    bool
}

func (s *mergeStream) Next(ctx execution.Context) (execution.Record, error) {
	if s.done {
		return execution.Record{}, execution.ErrEndOfStream
	}
	if !s.started {
		if err := s.open(ctx); err != nil {
			return execution.Record{}, err
		}
		s.started = true
	}

	outRows := 0
	for s.tree.Len() > 0 {
		cursor := s.tree.DeleteMin().(*mergeCursor)

		for _, rewrite := range cursor.rewriters {
			rewrite(cursor.rowIndex)
		}
		outRows++
		s.emitted++

		if s.node.Fetch != NoFetchLimit && s.emitted >= s.node.Fetch {
			// The fetch bound is proven; release every upstream partition.
			cursor.stream.Close()
			s.closeRemaining()
			s.done = true
			return execution.Record{Record: s.recordBuilder.NewRecord()}, nil
		}

		if err := s.advance(ctx, cursor); err != nil {
			return execution.Record{}, err
		}

		if outRows >= execution.IdealBatchSize {
			return execution.Record{Record: s.recordBuilder.NewRecord()}, nil
		}
	}

	s.done = true
	if outRows == 0 {
		return execution.Record{}, execution.ErrEndOfStream
	}
	return execution.Record{Record: s.recordBuilder.NewRecord()}, nil
}

// open pulls the first batch of every input partition and seeds the merge tree. The
// first pull is where upstream partitions do their heavy lifting (a sort buffers its
// whole partition there), so the initial fills run concurrently.
func (s *mergeStream) open(ctx execution.Context) error {
	s.tree = btree.New(mergeTreeDegree)

	cursors := make([]*mergeCursor, s.node.Source.Partitions)
	firstRecords := make([]execution.Record, s.node.Source.Partitions)
	var g errgroup.Group
	for partition := 0; partition < s.node.Source.Partitions; partition++ {
		partition := partition
		g.Go(func() error {
			stream, err := s.node.Source.Node.Stream(ctx, partition)
			if err != nil {
				return fmt.Errorf("couldn't stream merge source partition %d: %w", partition, err)
			}
			cursor := &mergeCursor{
				partition: partition,
				sortKeys:  s.node.SortKeys,
				stream:    stream,
			}
			for {
				record, err := stream.Next(ctx)
				if err == execution.ErrEndOfStream {
					stream.Close()
					return nil
				} else if err != nil {
					return err
				}
				if record.NumRows() == 0 {
					continue
				}
				cursors[partition] = cursor
				firstRecords[partition] = record
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for partition, cursor := range cursors {
		if cursor == nil {
			continue
		}
		s.bind(cursor, firstRecords[partition])
		s.tree.ReplaceOrInsert(cursor)
	}
	return nil
}

// advance moves the cursor one row forward, refilling from its stream when the
// current batch is exhausted, and reinserts it unless the partition has ended.
func (s *mergeStream) advance(ctx execution.Context, cursor *mergeCursor) error {
	cursor.rowIndex++
	if cursor.rowIndex < int(cursor.record.NumRows()) {
		s.tree.ReplaceOrInsert(cursor)
		return nil
	}
	ok, err := s.fill(ctx, cursor)
	if err != nil {
		return err
	}
	if ok {
		s.tree.ReplaceOrInsert(cursor)
	}
	return nil
}

// fill loads the cursor's next non-empty batch and rebinds its rewriters to it.
// Returns false after closing the stream when the partition has ended.
func (s *mergeStream) fill(ctx execution.Context, cursor *mergeCursor) (bool, error) {
	for {
		record, err := cursor.stream.Next(ctx)
		if err == execution.ErrEndOfStream {
			cursor.stream.Close()
			return false, nil
		} else if err != nil {
			return false, err
		}
		if record.NumRows() == 0 {
			continue
		}
		s.bind(cursor, record)
		return true, nil
	}
}

// bind points the cursor at a fresh batch and rebinds its rewriters to it.
func (s *mergeStream) bind(cursor *mergeCursor, record execution.Record) {
	cursor.record = record
	cursor.rowIndex = 0
	cursor.rewriters = make([]func(rowIndex int), len(record.Columns()))
	for i, column := range record.Columns() {
		cursor.rewriters[i] = helpers.MakeColumnRewriter(s.recordBuilder.Field(i), column)
	}
}

func (s *mergeStream) closeRemaining() {
	for s.tree.Len() > 0 {
		cursor := s.tree.DeleteMin().(*mergeCursor)
		cursor.stream.Close()
	}
}

func (s *mergeStream) Close() error {
	if s.tree != nil {
		s.closeRemaining()
	}
	return nil
}
