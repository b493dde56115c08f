package execution

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DrainStream pulls the stream to completion, invoking produce for every batch.
func DrainStream(ctx Context, stream RecordStream, produce func(Record) error) error {
	defer stream.Close()
	for {
		record, err := stream.Next(ctx)
		if err == ErrEndOfStream {
			return nil
		} else if err != nil {
			return err
		}
		if err := produce(record); err != nil {
			return err
		}
	}
}

// CollectPartitioned runs every partition of the node concurrently and gathers the
// produced batches per partition. The first error cancels all partition tasks and is
// returned as the single terminal failure.
func CollectPartitioned(ctx Context, node NodeWithMeta) ([][]Record, error) {
	out := make([][]Record, node.Partitions)

	g, groupCtx := errgroup.WithContext(ctx.Context)
	for partition := 0; partition < node.Partitions; partition++ {
		partition := partition
		g.Go(func() error {
			stream, err := node.Node.Stream(Context{Context: groupCtx}, partition)
			if err != nil {
				return fmt.Errorf("couldn't get stream for partition %d: %w", partition, err)
			}
			return DrainStream(Context{Context: groupCtx}, stream, func(record Record) error {
				out[partition] = append(out[partition], record)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// Collect gathers all batches of all partitions into a single slice. The relative
// order of batches from different partitions is unspecified.
func Collect(ctx Context, node NodeWithMeta) ([]Record, error) {
	partitioned, err := CollectPartitioned(ctx, node)
	if err != nil {
		return nil, err
	}
	var out []Record
	for i := range partitioned {
		out = append(out, partitioned[i]...)
	}
	return out, nil
}
