package nodes

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/brentp/intintmap"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
	"github.com/quiverdb/quiver/execution/helpers"
)

// AggregateMode is the phase of a two-phase grouped aggregation.
type AggregateMode int

const (
	// Partial accumulates raw input rows into per-partition partial states. It runs
	// on the source's own partitioning, so the same group may appear in several
	// partitions.
	Partial AggregateMode = iota
	// FinalPartitioned merges partial states into final values. Its input must be
	// hash partitioned on the group keys, so each group lives in exactly one
	// partition.
	FinalPartitioned
)

func (m AggregateMode) String() string {
	switch m {
	case Partial:
		return "Partial"
	case FinalPartitioned:
		return "FinalPartitioned"
	default:
		return fmt.Sprintf("AggregateMode(%d)", int(m))
	}
}

// GroupBy aggregates each partition independently. Groups are identified by the key
// columns; a null key value groups together with other nulls. The output columns are
// the key columns followed by one column per aggregate, as described by OutSchema.
// The whole partition is consumed before the first output batch.
type GroupBy struct {
	OutSchema *arrow.Schema
	Source    execution.NodeWithMeta

	KeyIndices             []int
	AggregateFunctions     []aggregates.Function
	AggregateColumnIndices []int
	Mode                   AggregateMode
}

func (g *GroupBy) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	source, err := g.Source.Node.Stream(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("couldn't stream group by source partition %d: %w", partition, err)
	}

	aggs := make([]aggregates.Aggregate, len(g.AggregateFunctions))
	for i, function := range g.AggregateFunctions {
		dt := g.Source.Schema.Field(g.AggregateColumnIndices[i]).Type
		switch g.Mode {
		case Partial:
			aggs[i], err = function.NewAccumulator(dt)
		case FinalPartitioned:
			aggs[i], err = function.NewMerger(dt)
		default:
			err = fmt.Errorf("invalid aggregate mode: %d", g.Mode)
		}
		if err != nil {
			return nil, fmt.Errorf("couldn't create %s aggregate: %w", function, err)
		}
	}

	keys := make([]groupKey, len(g.KeyIndices))
	for i, keyIndex := range g.KeyIndices {
		keys[i], err = makeGroupKey(g.Source.Schema.Field(keyIndex).Type)
		if err != nil {
			return nil, err
		}
	}

	return &groupByStream{
		node:       g,
		source:     source,
		keys:       keys,
		aggregates: aggs,
	}, nil
}

type groupByStream struct {
	node   *GroupBy
	source execution.RecordStream

	keys       []groupKey
	aggregates []aggregates.Aggregate

	entryCount int
	emitted    int
	started    bool
}

func (s *groupByStream) Next(ctx execution.Context) (execution.Record, error) {
	if !s.started {
		if err := s.run(ctx); err != nil {
			return execution.Record{}, err
		}
		s.started = true
	}

	remaining := s.entryCount - s.emitted
	if remaining == 0 {
		return execution.Record{}, execution.ErrEndOfStream
	}
	length := remaining
	if length > execution.IdealBatchSize {
		length = execution.IdealBatchSize
	}

	columns := make([]arrow.Array, len(s.node.OutSchema.Fields()))
	for i, key := range s.keys {
		columns[i] = key.GetBatch(length, s.emitted)
	}
	for i, agg := range s.aggregates {
		columns[len(s.keys)+i] = agg.GetBatch(length, s.emitted)
	}
	s.emitted += length

	return execution.Record{Record: array.NewRecord(s.node.OutSchema, columns, int64(length))}, nil
}

// run consumes the whole partition, routing every row to its group entry. Group
// entries are found through an open addressed hash index: a colliding hash probes
// forward to the next slot until the stored key matches or an empty slot is found.
func (s *groupByStream) run(ctx execution.Context) error {
	entryIndices := intintmap.New(1024, 0.6)

	return execution.DrainStream(ctx, s.source, func(record execution.Record) error {
		getKeyHash := helpers.MakeRecordKeyHasher(record, s.node.KeyIndices)

		newKeyAdders := make([]func(rowIndex int), len(s.keys))
		keyEqualityCheckers := make([]func(entryIndex, rowIndex int) bool, len(s.keys))
		for i, key := range s.keys {
			column := record.Column(s.node.KeyIndices[i])
			newKeyAdders[i] = key.MakeNewKeyAdder(column)
			keyEqualityCheckers[i] = key.MakeKeyEqualityChecker(column)
		}
		aggColumnConsumers := make([]func(entryIndex, rowIndex int), len(s.aggregates))
		for i, agg := range s.aggregates {
			aggColumnConsumers[i] = agg.MakeColumnConsumer(record.Column(s.node.AggregateColumnIndices[i]))
		}

		rows := int(record.NumRows())
		for rowIndex := 0; rowIndex < rows; rowIndex++ {
			hash := getKeyHash(rowIndex)

			var entryIndex int
			for {
				storedIndex, ok := entryIndices.Get(int64(hash))
				if !ok {
					entryIndex = s.entryCount
					s.entryCount++
					entryIndices.Put(int64(hash), int64(entryIndex))
					for _, addKey := range newKeyAdders {
						addKey(rowIndex)
					}
					break
				}
				equal := true
				for _, checkKey := range keyEqualityCheckers {
					if !checkKey(int(storedIndex), rowIndex) {
						equal = false
						break
					}
				}
				if equal {
					entryIndex = int(storedIndex)
					break
				}
				hash++
			}

			for _, consume := range aggColumnConsumers {
				consume(entryIndex, rowIndex)
			}
		}
		return nil
	})
}

func (s *groupByStream) Close() error {
	if !s.started {
		return s.source.Close()
	}
	return nil
}
