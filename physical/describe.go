package physical

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v13/arrow"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/nodes"
)

// Describe renders the plan as a stable indented tree, one line per operator.
func Describe(node Node) string {
	var sb strings.Builder
	describeNode(&sb, node, 0)
	return sb.String()
}

func describeNode(sb *strings.Builder, node Node, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(describeLine(node))
	sb.WriteString("\n")
	for _, child := range children(node) {
		describeNode(sb, child, depth+1)
	}
}

func children(node Node) []Node {
	switch node.NodeType {
	case NodeTypeDatasource:
		return nil
	case NodeTypeFilter:
		return []Node{node.Filter.Source}
	case NodeTypeMap:
		return []Node{node.Map.Source}
	case NodeTypeRepartition:
		return []Node{node.Repartition.Source}
	case NodeTypeCoalesceBatches:
		return []Node{node.CoalesceBatches.Source}
	case NodeTypeHashJoin:
		return []Node{node.HashJoin.Left, node.HashJoin.Right}
	case NodeTypeGroupBy:
		return []Node{node.GroupBy.Source}
	case NodeTypeSort:
		return []Node{node.Sort.Source}
	case NodeTypeSortPreservingMerge:
		return []Node{node.SortPreservingMerge.Source}
	case NodeTypeLimit:
		return []Node{node.Limit.Source}
	default:
		return nil
	}
}

func describeLine(node Node) string {
	switch node.NodeType {
	case NodeTypeDatasource:
		return fmt.Sprintf("DatasourceExec: %s, partitions=%d", node.Datasource.Name, node.Partitioning.Count)

	case NodeTypeFilter:
		return fmt.Sprintf("FilterExec: %s", node.Filter.Predicate)

	case NodeTypeMap:
		exprs := make([]string, len(node.Map.Expressions))
		for i := range node.Map.Expressions {
			exprs[i] = fmt.Sprintf("%s as %s", node.Map.Expressions[i], node.Map.Names[i])
		}
		return fmt.Sprintf("ProjectionExec: expr=[%s]", strings.Join(exprs, ", "))

	case NodeTypeRepartition:
		switch node.Repartition.Kind {
		case nodes.HashKeys:
			return fmt.Sprintf("RepartitionExec: partitioning=Hash([%s], %d)",
				columnList(node.Repartition.Source.Schema, node.Repartition.KeyIndices), node.Repartition.OutputCount)
		default:
			return fmt.Sprintf("RepartitionExec: partitioning=RoundRobinBatch(%d)", node.Repartition.OutputCount)
		}

	case NodeTypeCoalesceBatches:
		return fmt.Sprintf("CoalesceBatchesExec: target_batch_size=%d", node.CoalesceBatches.TargetBatchSize)

	case NodeTypeHashJoin:
		join := node.HashJoin
		pairs := make([]string, len(join.LeftKeyIndices))
		for i := range join.LeftKeyIndices {
			pairs[i] = fmt.Sprintf("(%s, %s)",
				columnRef(join.Left.Schema, join.LeftKeyIndices[i]),
				columnRef(join.Right.Schema, join.RightKeyIndices[i]))
		}
		out := fmt.Sprintf("HashJoinExec: mode=%s, join_type=%s, on=[%s]", join.Mode, join.JoinType, strings.Join(pairs, ", "))
		if join.NullEqualsNull {
			out += ", null_equals_null=true"
		}
		return out

	case NodeTypeGroupBy:
		groupBy := node.GroupBy
		aggrs := make([]string, len(groupBy.Aggregates))
		for i, aggregate := range groupBy.Aggregates {
			aggrs[i] = fmt.Sprintf("%s(%s)", aggregate.Function, columnRef(groupBy.Source.Schema, aggregate.ColumnIndex))
		}
		return fmt.Sprintf("AggregateExec: gby=[%s], aggr=[%s]",
			columnList(groupBy.Source.Schema, groupBy.KeyIndices), strings.Join(aggrs, ", "))

	case NodeTypeSort:
		out := fmt.Sprintf("SortExec: expr=[%s]", sortKeyList(node.Sort.Source.Schema, node.Sort.SortKeys))
		if node.Sort.Fetch != NoFetchLimit {
			out += fmt.Sprintf(", fetch=%d", node.Sort.Fetch)
		}
		return out

	case NodeTypeSortPreservingMerge:
		merge := node.SortPreservingMerge
		out := fmt.Sprintf("SortPreservingMergeExec: [%s]", sortKeyList(merge.Source.Schema, merge.SortKeys))
		if merge.Fetch != NoFetchLimit {
			out += fmt.Sprintf(", fetch=%d", merge.Fetch)
		}
		return out

	case NodeTypeLimit:
		if node.Limit.Fetch == NoFetchLimit {
			return fmt.Sprintf("GlobalLimitExec: skip=%d", node.Limit.Skip)
		}
		return fmt.Sprintf("GlobalLimitExec: skip=%d, fetch=%d", node.Limit.Skip, node.Limit.Fetch)

	default:
		return fmt.Sprintf("UnknownExec(%d)", node.NodeType)
	}
}

func columnRef(schema *arrow.Schema, index int) string {
	return fmt.Sprintf("%s@%d", schema.Field(index).Name, index)
}

func columnList(schema *arrow.Schema, indices []int) string {
	parts := make([]string, len(indices))
	for i, index := range indices {
		parts[i] = columnRef(schema, index)
	}
	return strings.Join(parts, ", ")
}

func sortKeyList(schema *arrow.Schema, sortKeys []execution.SortKey) string {
	parts := make([]string, len(sortKeys))
	for i, key := range sortKeys {
		direction := "ASC"
		if key.Descending {
			direction = "DESC"
		}
		nulls := "NULLS LAST"
		if key.NullsFirst {
			nulls = "NULLS FIRST"
		}
		parts[i] = fmt.Sprintf("%s %s %s", columnRef(schema, key.ColumnIndex), direction, nulls)
	}
	return strings.Join(parts, ", ")
}
