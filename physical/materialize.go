package physical

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
	"github.com/quiverdb/quiver/execution/nodes"
)

// Environment carries materialization settings.
type Environment struct {
	// TargetPartitions is the partition count of exchanges inserted during
	// materialization. Zero keeps the respective source's partition count.
	//
	// A non-zero value can widen the tree downstream of an inserted exchange beyond
	// the partition counts the plan metadata reports; operators that require a fixed
	// partition count re-validate against the materialized count.
	TargetPartitions int
}

// Materialize turns the physical plan into a runnable execution tree, inserting the
// hash exchanges a Partitioned join and a grouped aggregation need.
func (node *Node) Materialize(ctx context.Context, env Environment) (execution.NodeWithMeta, error) {
	switch node.NodeType {
	case NodeTypeDatasource:
		impl := node.Datasource.Implementation
		source, err := impl.Materialize(ctx)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrapf(err, "couldn't materialize datasource %s", node.Datasource.Name)
		}
		return execution.NodeWithMeta{
			Node:       source,
			Schema:     impl.Schema(),
			Partitions: impl.Partitions(),
		}, nil

	case NodeTypeFilter:
		source, err := node.Filter.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize filter source")
		}
		predicate, err := node.Filter.Predicate.Materialize()
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize filter predicate")
		}
		return execution.NodeWithMeta{
			Node:       &nodes.Filter{Source: source, Predicate: predicate},
			Schema:     node.Schema,
			Partitions: source.Partitions,
		}, nil

	case NodeTypeMap:
		source, err := node.Map.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize map source")
		}
		exprs := make([]execution.Expression, len(node.Map.Expressions))
		for i := range node.Map.Expressions {
			if exprs[i], err = node.Map.Expressions[i].Materialize(); err != nil {
				return execution.NodeWithMeta{}, errors.Wrapf(err, "couldn't materialize map expression %d", i)
			}
		}
		return execution.NodeWithMeta{
			Node:       &nodes.Map{OutSchema: node.Schema, Source: source, Exprs: exprs},
			Schema:     node.Schema,
			Partitions: source.Partitions,
		}, nil

	case NodeTypeRepartition:
		source, err := node.Repartition.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize repartition source")
		}
		partitioning := nodes.Partitioning{Kind: node.Repartition.Kind, KeyIndices: node.Repartition.KeyIndices}
		return execution.NodeWithMeta{
			Node: &nodes.Repartition{
				Source:           source,
				OutputPartitions: node.Repartition.OutputCount,
				Partitioning:     partitioning,
			},
			Schema:     node.Schema,
			Partitions: node.Repartition.OutputCount,
		}, nil

	case NodeTypeCoalesceBatches:
		source, err := node.CoalesceBatches.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize coalesce batches source")
		}
		return execution.NodeWithMeta{
			Node:       &nodes.CoalesceBatches{Source: source, TargetBatchSize: node.CoalesceBatches.TargetBatchSize},
			Schema:     node.Schema,
			Partitions: source.Partitions,
		}, nil

	case NodeTypeHashJoin:
		return node.materializeHashJoin(ctx, env)

	case NodeTypeGroupBy:
		return node.materializeGroupBy(ctx, env)

	case NodeTypeSort:
		source, err := node.Sort.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize sort source")
		}
		return execution.NodeWithMeta{
			Node:       &nodes.Sort{Source: source, SortKeys: node.Sort.SortKeys, Fetch: node.Sort.Fetch},
			Schema:     node.Schema,
			Partitions: source.Partitions,
		}, nil

	case NodeTypeSortPreservingMerge:
		merge := node.SortPreservingMerge
		source, err := merge.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize merge source")
		}
		return execution.NodeWithMeta{
			Node:       &nodes.SortPreservingMerge{Source: source, SortKeys: merge.SortKeys, Fetch: merge.Fetch},
			Schema:     node.Schema,
			Partitions: 1,
		}, nil

	case NodeTypeLimit:
		source, err := node.Limit.Source.Materialize(ctx, env)
		if err != nil {
			return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize limit source")
		}
		// TargetPartitions may have widened the source past the single partition the
		// plan promised; silently reading only partition 0 would drop rows.
		if source.Partitions != 1 {
			return execution.NodeWithMeta{}, errors.Errorf("limit requires a single input partition, got %d after exchange insertion", source.Partitions)
		}
		return execution.NodeWithMeta{
			Node:       &nodes.Limit{Source: source, Skip: node.Limit.Skip, Fetch: node.Limit.Fetch},
			Schema:     node.Schema,
			Partitions: 1,
		}, nil

	default:
		return execution.NodeWithMeta{}, errors.Errorf("invalid node type: %d", node.NodeType)
	}
}

func (node *Node) materializeHashJoin(ctx context.Context, env Environment) (execution.NodeWithMeta, error) {
	join := node.HashJoin

	left, err := join.Left.Materialize(ctx, env)
	if err != nil {
		return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize join build side")
	}
	right, err := join.Right.Materialize(ctx, env)
	if err != nil {
		return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize join probe side")
	}

	if join.Mode == nodes.Partitioned {
		target := env.TargetPartitions
		if target == 0 {
			target = right.Partitions
		}
		left = insertHashExchange(left, join.LeftKeyIndices, target, join.Left.Partitioning)
		right = insertHashExchange(right, join.RightKeyIndices, target, join.Right.Partitioning)
	}

	return execution.NodeWithMeta{
		Node: &nodes.HashJoin{
			Left:            left,
			Right:           right,
			LeftKeyIndices:  join.LeftKeyIndices,
			RightKeyIndices: join.RightKeyIndices,
			JoinType:        join.JoinType,
			Mode:            join.Mode,
			NullEqualsNull:  join.NullEqualsNull,
			OutSchema:       node.Schema,
		},
		Schema:     node.Schema,
		Partitions: right.Partitions,
	}, nil
}

func (node *Node) materializeGroupBy(ctx context.Context, env Environment) (execution.NodeWithMeta, error) {
	groupBy := node.GroupBy

	source, err := groupBy.Source.Materialize(ctx, env)
	if err != nil {
		return execution.NodeWithMeta{}, errors.Wrap(err, "couldn't materialize group by source")
	}

	functions := make([]aggregates.Function, len(groupBy.Aggregates))
	columnIndices := make([]int, len(groupBy.Aggregates))
	for i, aggregate := range groupBy.Aggregates {
		functions[i] = aggregate.Function
		columnIndices[i] = aggregate.ColumnIndex
	}

	partial := execution.NodeWithMeta{
		Node: &nodes.GroupBy{
			OutSchema:              node.Schema,
			Source:                 source,
			KeyIndices:             groupBy.KeyIndices,
			AggregateFunctions:     functions,
			AggregateColumnIndices: columnIndices,
			Mode:                   nodes.Partial,
		},
		Schema:     node.Schema,
		Partitions: source.Partitions,
	}

	// A single partition already holds each group exactly once; the partial phase is
	// the whole aggregation then.
	if source.Partitions == 1 {
		return partial, nil
	}

	// Key columns come first in the partial output, state columns follow.
	outKeyIndices := make([]int, len(groupBy.KeyIndices))
	for i := range outKeyIndices {
		outKeyIndices[i] = i
	}
	stateColumnIndices := make([]int, len(groupBy.Aggregates))
	for i := range stateColumnIndices {
		stateColumnIndices[i] = len(groupBy.KeyIndices) + i
	}

	target := env.TargetPartitions
	if target == 0 {
		target = source.Partitions
	}
	exchange := execution.NodeWithMeta{
		Node: &nodes.Repartition{
			Source:           partial,
			OutputPartitions: target,
			Partitioning:     nodes.Partitioning{Kind: nodes.HashKeys, KeyIndices: outKeyIndices},
		},
		Schema:     node.Schema,
		Partitions: target,
	}

	return execution.NodeWithMeta{
		Node: &nodes.GroupBy{
			OutSchema:              node.Schema,
			Source:                 exchange,
			KeyIndices:             outKeyIndices,
			AggregateFunctions:     functions,
			AggregateColumnIndices: stateColumnIndices,
			Mode:                   nodes.FinalPartitioned,
		},
		Schema:     node.Schema,
		Partitions: target,
	}, nil
}

// insertHashExchange repartitions the side of a Partitioned join unless it is
// already hash partitioned on the join keys into the target partition count.
func insertHashExchange(source execution.NodeWithMeta, keyIndices []int, target int, partitioning Partitioning) execution.NodeWithMeta {
	if source.Partitions == target && partitioning.SatisfiesHash(keyIndices) {
		return source
	}
	return execution.NodeWithMeta{
		Node: &nodes.Repartition{
			Source:           source,
			OutputPartitions: target,
			Partitioning:     nodes.Partitioning{Kind: nodes.HashKeys, KeyIndices: keyIndices},
		},
		Schema:     source.Schema,
		Partitions: target,
	}
}
