package nodes

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow/go/v13/arrow"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/nodes/hashtable"
)

// JoinMode selects how the build side is distributed across partitions.
type JoinMode int

const (
	// CollectLeft gathers the whole left side into one shared table and probes it
	// with every right partition. Best when the left side is small.
	CollectLeft JoinMode = iota
	// Partitioned builds one table per partition pair; both sides must already be
	// hash partitioned on the join keys into the same number of partitions.
	Partitioned
)

func (m JoinMode) String() string {
	switch m {
	case CollectLeft:
		return "CollectLeft"
	case Partitioned:
		return "Partitioned"
	default:
		return fmt.Sprintf("JoinMode(%d)", int(m))
	}
}

// HashJoin joins the left (build) side against the right (probe) side on key
// equality. The left side is fully materialized into a hash table before the first
// probe batch is read; the right side streams through. Output partitioning follows
// the right side.
type HashJoin struct {
	Left  execution.NodeWithMeta
	Right execution.NodeWithMeta

	LeftKeyIndices  []int
	RightKeyIndices []int
	JoinType        execution.JoinType
	Mode            JoinMode
	NullEqualsNull  bool
	OutSchema       *arrow.Schema

	initialize sync.Once
	shared     *sharedBuildState
}

// sharedBuildState is the CollectLeft-mode table shared by all probe partitions.
type sharedBuildState struct {
	buildOnce sync.Once
	table     *hashtable.JoinTable
	buildErr  error

	// remainingProbePartitions counts probe partitions that haven't finished yet.
	// The partition that brings it to zero by exhausting its stream owes the
	// build-side drain.
	remainingProbePartitions int32
}

func (j *HashJoin) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	if partition < 0 || partition >= j.Right.Partitions {
		return nil, fmt.Errorf("invalid hash join output partition: %d", partition)
	}
	if j.Mode == Partitioned && j.Left.Partitions != j.Right.Partitions {
		return nil, fmt.Errorf("partitioned hash join requires equal partition counts, got %d and %d", j.Left.Partitions, j.Right.Partitions)
	}
	j.initialize.Do(func() {
		j.shared = &sharedBuildState{
			remainingProbePartitions: int32(j.Right.Partitions),
		}
	})
	return &joinStream{
		node:      j,
		partition: partition,
	}, nil
}

type joinStream struct {
	node      *HashJoin
	partition int

	table   *hashtable.JoinTable
	source  execution.RecordStream
	pending []execution.Record
	opened  bool
	done    bool
	closed  bool
}

func (s *joinStream) Next(ctx execution.Context) (execution.Record, error) {
	if record, ok := s.pop(); ok {
		return record, nil
	}
	if s.done {
		return execution.Record{}, execution.ErrEndOfStream
	}
	if !s.opened {
		if err := s.open(ctx); err != nil {
			return execution.Record{}, err
		}
		s.opened = true
	}

	for {
		record, err := s.source.Next(ctx)
		if err == execution.ErrEndOfStream {
			if err := s.finish(); err != nil {
				return execution.Record{}, err
			}
			if record, ok := s.pop(); ok {
				return record, nil
			}
			return execution.Record{}, execution.ErrEndOfStream
		} else if err != nil {
			return execution.Record{}, err
		}
		if record.NumRows() == 0 {
			continue
		}

		if err := s.table.ProbeBatch(record, s.node.RightKeyIndices, s.produce); err != nil {
			return execution.Record{}, fmt.Errorf("couldn't probe join table: %w", err)
		}
		if record, ok := s.pop(); ok {
			return record, nil
		}
	}
}

func (s *joinStream) produce(record execution.Record) error {
	s.pending = append(s.pending, record)
	return nil
}

func (s *joinStream) pop() (execution.Record, bool) {
	if len(s.pending) == 0 {
		return execution.Record{}, false
	}
	record := s.pending[0]
	s.pending = s.pending[1:]
	return record, true
}

// open materializes the build side and starts the probe stream. In CollectLeft mode
// the first partition to get here does the build for everyone.
func (s *joinStream) open(ctx execution.Context) error {
	switch s.node.Mode {
	case CollectLeft:
		shared := s.node.shared
		shared.buildOnce.Do(func() {
			records, err := execution.Collect(ctx, s.node.Left)
			if err != nil {
				shared.buildErr = fmt.Errorf("couldn't collect join build side: %w", err)
				return
			}
			shared.table = hashtable.BuildJoinTable(
				records,
				s.node.Left.Schema,
				s.node.OutSchema,
				s.node.LeftKeyIndices,
				s.node.JoinType,
				s.node.NullEqualsNull,
				true,
			)
		})
		if shared.buildErr != nil {
			return shared.buildErr
		}
		s.table = shared.table

	case Partitioned:
		stream, err := s.node.Left.Node.Stream(ctx, s.partition)
		if err != nil {
			return fmt.Errorf("couldn't stream join build side partition %d: %w", s.partition, err)
		}
		var records []execution.Record
		if err := execution.DrainStream(ctx, stream, func(record execution.Record) error {
			records = append(records, record)
			return nil
		}); err != nil {
			return fmt.Errorf("couldn't collect join build side partition %d: %w", s.partition, err)
		}
		s.table = hashtable.BuildJoinTable(
			records,
			s.node.Left.Schema,
			s.node.OutSchema,
			s.node.LeftKeyIndices,
			s.node.JoinType,
			s.node.NullEqualsNull,
			false,
		)

	default:
		return fmt.Errorf("invalid join mode: %d", s.node.Mode)
	}

	source, err := s.node.Right.Node.Stream(ctx, s.partition)
	if err != nil {
		return fmt.Errorf("couldn't stream join probe side partition %d: %w", s.partition, err)
	}
	s.source = source
	return nil
}

// finish runs when the probe stream is exhausted. The build-side drain happens once:
// immediately for a Partitioned join, and after the last probe partition finishes for
// a CollectLeft join.
func (s *joinStream) finish() error {
	s.done = true
	s.source.Close()
	s.source = nil

	switch s.node.Mode {
	case CollectLeft:
		if atomic.AddInt32(&s.node.shared.remainingProbePartitions, -1) != 0 {
			return nil
		}
	case Partitioned:
	}
	if err := s.table.DrainBuildSide(s.produce); err != nil {
		return fmt.Errorf("couldn't drain join build side: %w", err)
	}
	return nil
}

// Close counts an abandoned probe partition as finished so a shared build side
// doesn't wait for it forever. Rows owed by the drain are dropped if every partition
// is abandoned before exhaustion, which is fine: nobody is reading anymore.
func (s *joinStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.source != nil {
		s.source.Close()
		s.source = nil
	}
	if !s.done && s.node.Mode == CollectLeft && s.node.shared != nil {
		atomic.AddInt32(&s.node.shared.remainingProbePartitions, -1)
	}
	return nil
}
