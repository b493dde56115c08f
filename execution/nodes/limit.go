package nodes

import (
	"github.com/quiverdb/quiver/execution"
)

// NoFetchLimit disables the fetch bound of Limit, Sort and SortPreservingMerge.
const NoFetchLimit = -1

// Limit skips Skip rows, then emits up to Fetch rows and stops pulling from its
// upstream. It operates on a single ordered partition; the planner merges
// partitioned input first.
type Limit struct {
	Source execution.NodeWithMeta
	Skip   int
	Fetch  int
}

func (l *Limit) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	source, err := l.Source.Node.Stream(ctx, partition)
	if err != nil {
		return nil, err
	}
	return &limitStream{
		node:      l,
		source:    source,
		skipLeft:  l.Skip,
		fetchLeft: l.Fetch,
	}, nil
}

type limitStream struct {
	node      *Limit
	source    execution.RecordStream
	skipLeft  int
	fetchLeft int
	done      bool
}

func (s *limitStream) Next(ctx execution.Context) (execution.Record, error) {
	if s.done {
		return execution.Record{}, execution.ErrEndOfStream
	}

	for {
		record, err := s.source.Next(ctx)
		if err == execution.ErrEndOfStream {
			s.done = true
			return execution.Record{}, execution.ErrEndOfStream
		} else if err != nil {
			return execution.Record{}, err
		}
		rows := int(record.NumRows())

		if s.skipLeft > 0 {
			if rows <= s.skipLeft {
				s.skipLeft -= rows
				continue
			}
			record = execution.Record{Record: record.NewSlice(int64(s.skipLeft), int64(rows))}
			rows -= s.skipLeft
			s.skipLeft = 0
		}

		if s.node.Fetch == NoFetchLimit {
			return record, nil
		}

		if rows < s.fetchLeft {
			s.fetchLeft -= rows
			return record, nil
		}

		// The limit is satisfied with this batch; cease pulling and release the
		// upstream partition early.
		record = execution.Record{Record: record.NewSlice(0, int64(s.fetchLeft))}
		s.fetchLeft = 0
		s.done = true
		s.source.Close()
		if record.NumRows() == 0 {
			return execution.Record{}, execution.ErrEndOfStream
		}
		return record, nil
	}
}

func (s *limitStream) Close() error {
	return s.source.Close()
}
