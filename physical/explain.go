package physical

import (
	"fmt"
	"strings"

	"github.com/quiverdb/quiver/execution/nodes"
	"github.com/quiverdb/quiver/helpers/graph"
)

// Explain renders the plan as a graph for graphviz visualization.
func Explain(node Node) *graph.Node {
	var out *graph.Node
	switch node.NodeType {
	case NodeTypeDatasource:
		out = graph.NewNode(node.Datasource.Name)
		out.AddField("partitions", fmt.Sprintf("%d", node.Partitioning.Count))
		if node.Unbounded {
			out.AddField("unbounded", "true")
		}

	case NodeTypeFilter:
		out = graph.NewNode("filter")
		out.AddField("predicate", node.Filter.Predicate.String())
		out.AddChild("source", Explain(node.Filter.Source))

	case NodeTypeMap:
		out = graph.NewNode("map")
		for i := range node.Map.Expressions {
			out.AddField(node.Map.Names[i], node.Map.Expressions[i].String())
		}
		out.AddChild("source", Explain(node.Map.Source))

	case NodeTypeRepartition:
		out = graph.NewNode("repartition")
		switch node.Repartition.Kind {
		case nodes.HashKeys:
			out.AddField("partitioning", fmt.Sprintf("hash([%s], %d)",
				columnList(node.Repartition.Source.Schema, node.Repartition.KeyIndices), node.Repartition.OutputCount))
		default:
			out.AddField("partitioning", fmt.Sprintf("round_robin(%d)", node.Repartition.OutputCount))
		}
		out.AddChild("source", Explain(node.Repartition.Source))

	case NodeTypeCoalesceBatches:
		out = graph.NewNode("coalesce batches")
		out.AddField("target_batch_size", fmt.Sprintf("%d", node.CoalesceBatches.TargetBatchSize))
		out.AddChild("source", Explain(node.CoalesceBatches.Source))

	case NodeTypeHashJoin:
		out = graph.NewNode("hash join")
		out.AddField("mode", node.HashJoin.Mode.String())
		out.AddField("join_type", node.HashJoin.JoinType.String())
		out.AddField("left_key", columnList(node.HashJoin.Left.Schema, node.HashJoin.LeftKeyIndices))
		out.AddField("right_key", columnList(node.HashJoin.Right.Schema, node.HashJoin.RightKeyIndices))
		if node.HashJoin.NullEqualsNull {
			out.AddField("null_equals_null", "true")
		}
		out.AddChild("left", Explain(node.HashJoin.Left))
		out.AddChild("right", Explain(node.HashJoin.Right))

	case NodeTypeGroupBy:
		out = graph.NewNode("group by")
		out.AddField("key", columnList(node.GroupBy.Source.Schema, node.GroupBy.KeyIndices))
		aggrs := make([]string, len(node.GroupBy.Aggregates))
		for i, aggregate := range node.GroupBy.Aggregates {
			aggrs[i] = fmt.Sprintf("%s(%s)", aggregate.Function, columnRef(node.GroupBy.Source.Schema, aggregate.ColumnIndex))
		}
		out.AddField("aggregates", strings.Join(aggrs, ", "))
		out.AddChild("source", Explain(node.GroupBy.Source))

	case NodeTypeSort:
		out = graph.NewNode("sort")
		out.AddField("by", sortKeyList(node.Sort.Source.Schema, node.Sort.SortKeys))
		if node.Sort.Fetch != NoFetchLimit {
			out.AddField("fetch", fmt.Sprintf("%d", node.Sort.Fetch))
		}
		out.AddChild("source", Explain(node.Sort.Source))

	case NodeTypeSortPreservingMerge:
		out = graph.NewNode("sort preserving merge")
		out.AddField("by", sortKeyList(node.SortPreservingMerge.Source.Schema, node.SortPreservingMerge.SortKeys))
		if node.SortPreservingMerge.Fetch != NoFetchLimit {
			out.AddField("fetch", fmt.Sprintf("%d", node.SortPreservingMerge.Fetch))
		}
		out.AddChild("source", Explain(node.SortPreservingMerge.Source))

	case NodeTypeLimit:
		out = graph.NewNode("limit")
		out.AddField("skip", fmt.Sprintf("%d", node.Limit.Skip))
		if node.Limit.Fetch != NoFetchLimit {
			out.AddField("fetch", fmt.Sprintf("%d", node.Limit.Fetch))
		}
		out.AddChild("source", Explain(node.Limit.Source))

	default:
		out = graph.NewNode(fmt.Sprintf("unknown(%d)", node.NodeType))
	}
	return out
}
