package nodes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/helpers"
)

type PartitioningKind int

const (
	RoundRobin PartitioningKind = iota
	HashKeys
)

type Partitioning struct {
	Kind       PartitioningKind
	KeyIndices []int
}

// repartitionBufferSize bounds the per-output-partition buffer. Producers stall once
// a consumer falls this many batches behind, which keeps memory bounded under skewed
// partition speeds.
const repartitionBufferSize = 8

// Repartition redistributes an N-partition stream across OutputPartitions partitions.
// RoundRobin rotates whole batches; HashKeys routes each row by the hash of its key
// columns, so equal keys always land in the same output partition. Every output
// partition may need input from every input partition, which makes this the
// synchronization point of the pipeline: input partitions are driven by their own
// producer goroutines, started when the first output partition is streamed.
type Repartition struct {
	Source           execution.NodeWithMeta
	OutputPartitions int
	Partitioning     Partitioning

	initialize sync.Once
	state      *repartitionState
}

type repartitionState struct {
	outputs []chan execution.Record
	cancel  context.CancelFunc

	// err is set before outputs are closed, so consumers that see a closed channel
	// observe it reliably.
	err error

	earlyStop       atomic.Bool
	closedConsumers int32
}

func (r *Repartition) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	if partition < 0 || partition >= r.OutputPartitions {
		return nil, fmt.Errorf("invalid repartition output partition: %d", partition)
	}
	r.initialize.Do(func() {
		r.start(ctx)
	})
	return &repartitionStream{
		node:      r,
		partition: partition,
	}, nil
}

func (r *Repartition) start(ctx execution.Context) {
	producerCtx, cancel := context.WithCancel(ctx.Context)
	state := &repartitionState{
		outputs: make([]chan execution.Record, r.OutputPartitions),
		cancel:  cancel,
	}
	for i := range state.outputs {
		state.outputs[i] = make(chan execution.Record, repartitionBufferSize)
	}
	r.state = state

	g, groupCtx := errgroup.WithContext(producerCtx)
	for inputPartition := 0; inputPartition < r.Source.Partitions; inputPartition++ {
		inputPartition := inputPartition
		g.Go(func() error {
			return r.runProducer(execution.Context{Context: groupCtx}, inputPartition)
		})
	}
	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) && state.earlyStop.Load() {
			// All consumers stopped pulling; not an error.
			err = nil
		}
		state.err = err
		for i := range state.outputs {
			close(state.outputs[i])
		}
	}()
}

func (r *Repartition) runProducer(ctx execution.Context, inputPartition int) error {
	source, err := r.Source.Node.Stream(ctx, inputPartition)
	if err != nil {
		return fmt.Errorf("couldn't stream repartition source partition %d: %w", inputPartition, err)
	}
	defer source.Close()

	switch r.Partitioning.Kind {
	case RoundRobin:
		return r.runRoundRobinProducer(ctx, inputPartition, source)
	case HashKeys:
		return r.runHashProducer(ctx, inputPartition, source)
	default:
		return fmt.Errorf("invalid partitioning kind: %d", r.Partitioning.Kind)
	}
}

func (r *Repartition) runRoundRobinProducer(ctx execution.Context, inputPartition int, source execution.RecordStream) error {
	// Offsetting by the input partition index spreads the first batches of all
	// inputs instead of stacking them onto output partition 0.
	next := inputPartition
	for {
		record, err := source.Next(ctx)
		if err == execution.ErrEndOfStream {
			return nil
		} else if err != nil {
			return err
		}
		if err := r.send(ctx, next%r.OutputPartitions, record); err != nil {
			return err
		}
		next++
	}
}

func (r *Repartition) runHashProducer(ctx execution.Context, inputPartition int, source execution.RecordStream) error {
	builders := make([]*array.RecordBuilder, r.OutputPartitions)
	for i := range builders {
		builders[i] = array.NewRecordBuilder(memory.NewGoAllocator(), r.Source.Schema)
	}

	for {
		record, err := source.Next(ctx)
		if err == execution.ErrEndOfStream {
			return nil
		} else if err != nil {
			return err
		}

		getKeyHash := helpers.MakeRecordKeyHasher(record, r.Partitioning.KeyIndices)
		rewriters := make([][]func(rowIndex int), r.OutputPartitions)
		for outputPartition := range rewriters {
			rewriters[outputPartition] = make([]func(rowIndex int), len(record.Columns()))
			for i, column := range record.Columns() {
				rewriters[outputPartition][i] = helpers.MakeColumnRewriter(builders[outputPartition].Field(i), column)
			}
		}

		rowCounts := make([]int, r.OutputPartitions)
		rows := int(record.NumRows())
		for rowIndex := 0; rowIndex < rows; rowIndex++ {
			outputPartition := int(getKeyHash(rowIndex) % uint64(r.OutputPartitions))
			for _, rewrite := range rewriters[outputPartition] {
				rewrite(rowIndex)
			}
			rowCounts[outputPartition]++
		}

		for outputPartition := range builders {
			if rowCounts[outputPartition] == 0 {
				continue
			}
			out := execution.Record{Record: builders[outputPartition].NewRecord()}
			if err := r.send(ctx, outputPartition, out); err != nil {
				return err
			}
		}
	}
}

func (r *Repartition) send(ctx execution.Context, outputPartition int, record execution.Record) error {
	select {
	case r.state.outputs[outputPartition] <- record:
		return nil
	case <-ctx.Context.Done():
		return ctx.Context.Err()
	}
}

type repartitionStream struct {
	node      *Repartition
	partition int
	closed    bool
}

func (s *repartitionStream) Next(ctx execution.Context) (execution.Record, error) {
	select {
	case record, ok := <-s.node.state.outputs[s.partition]:
		if !ok {
			if err := s.node.state.err; err != nil {
				return execution.Record{}, err
			}
			return execution.Record{}, execution.ErrEndOfStream
		}
		return record, nil
	case <-ctx.Context.Done():
		return execution.Record{}, ctx.Context.Err()
	}
}

// Close marks this output partition as abandoned. Its channel keeps being drained so
// producers never block on it; once every output partition is closed the producers
// are cancelled altogether.
func (s *repartitionStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	state := s.node.state
	ch := state.outputs[s.partition]
	go func() {
		for range ch {
		}
	}()

	if atomic.AddInt32(&state.closedConsumers, 1) == int32(s.node.OutputPartitions) {
		state.earlyStop.Store(true)
		state.cancel()
	}
	return nil
}
