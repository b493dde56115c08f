package physical

import (
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/scalar"

	"github.com/quiverdb/quiver/datasources/memory"
	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
	"github.com/quiverdb/quiver/execution/functions"
	"github.com/quiverdb/quiver/execution/nodes"
)

var eventsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "group", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func eventsTable(t *testing.T, partitions int, options ...memory.Option) Node {
	t.Helper()
	table := memory.NewTable(eventsSchema, make([][]execution.Record, partitions), options...)
	node, err := NewDatasource("events", table)
	if err != nil {
		t.Fatal(err)
	}
	return node
}

func column(t *testing.T, source Node, index int) Expression {
	t.Helper()
	expr, err := NewColumn(source.Schema, index)
	if err != nil {
		t.Fatal(err)
	}
	return expr
}

func TestNewFilterRejectsNonBooleanPredicate(t *testing.T) {
	source := eventsTable(t, 2)
	if _, err := NewFilter(source, column(t, source, 1)); err == nil {
		t.Error("expected an error for an int64 predicate")
	}
}

func TestNewComparisonRejectsMismatchedTypes(t *testing.T) {
	source := eventsTable(t, 1)
	_, err := NewComparison(functions.Equal, column(t, source, 0), column(t, source, 1))
	if err == nil {
		t.Error("expected an error comparing a string to an int64")
	}
}

func TestNewComparisonBooleanOperandsSupportEqualityOnly(t *testing.T) {
	source := eventsTable(t, 1)
	predicate, err := NewComparison(functions.Greater, column(t, source, 1), NewConstant(scalar.NewInt64Scalar(10)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewComparison(functions.Equal, predicate, predicate); err != nil {
		t.Errorf("boolean equality should be supported, got: %s", err)
	}
	if _, err := NewComparison(functions.Less, predicate, predicate); err == nil {
		t.Error("expected an error ordering booleans")
	}
}

func TestNewSortElidesRedundantSort(t *testing.T) {
	ordering := []execution.SortKey{{ColumnIndex: 1}}
	source := eventsTable(t, 2, memory.WithOrdering(ordering))

	node, err := NewSort(source, ordering, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	if node.NodeType != NodeTypeDatasource {
		t.Errorf("a sort matching the source ordering should be elided, got node type %d", node.NodeType)
	}

	// A longer actual ordering still satisfies a prefix request.
	source = eventsTable(t, 2, memory.WithOrdering([]execution.SortKey{{ColumnIndex: 1}, {ColumnIndex: 0}}))
	node, err = NewSort(source, ordering, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	if node.NodeType != NodeTypeDatasource {
		t.Errorf("a sort requesting a prefix of the source ordering should be elided, got node type %d", node.NodeType)
	}

	// A fetch makes the sort a top-k operator even over sorted input.
	node, err = NewSort(source, ordering, 10)
	if err != nil {
		t.Fatal(err)
	}
	if node.NodeType != NodeTypeSort {
		t.Errorf("a sort with a fetch must be kept, got node type %d", node.NodeType)
	}

	// A different direction is not satisfied.
	node, err = NewSort(source, []execution.SortKey{{ColumnIndex: 1, Descending: true}}, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	if node.NodeType != NodeTypeSort {
		t.Errorf("a sort with a flipped direction must be kept, got node type %d", node.NodeType)
	}
}

func TestOrderingSatisfies(t *testing.T) {
	asc := execution.SortKey{ColumnIndex: 0}
	desc := execution.SortKey{ColumnIndex: 0, Descending: true}
	second := execution.SortKey{ColumnIndex: 1}

	cases := []struct {
		name             string
		actual, required []execution.SortKey
		want             bool
	}{
		{"exact", []execution.SortKey{asc, second}, []execution.SortKey{asc, second}, true},
		{"prefix", []execution.SortKey{asc, second}, []execution.SortKey{asc}, true},
		{"longer required", []execution.SortKey{asc}, []execution.SortKey{asc, second}, false},
		{"direction mismatch", []execution.SortKey{asc}, []execution.SortKey{desc}, false},
		{"unordered actual", nil, []execution.SortKey{asc}, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := OrderingSatisfies(tt.actual, tt.required); got != tt.want {
				t.Errorf("got %t, want %t", got, tt.want)
			}
		})
	}
}

func TestNewSortRejectsUnbounded(t *testing.T) {
	source := eventsTable(t, 1, memory.WithUnbounded())
	if _, err := NewSort(source, []execution.SortKey{{ColumnIndex: 1}}, NoFetchLimit); err == nil {
		t.Error("expected an error sorting an unbounded source")
	}
}

func TestNewSortElidesOverUnboundedOrderedSource(t *testing.T) {
	ordering := []execution.SortKey{{ColumnIndex: 1}, {ColumnIndex: 0}}
	source := eventsTable(t, 1, memory.WithUnbounded(), memory.WithOrdering(ordering))

	// Filtering on a non-leading sort column keeps the ordering, so a sort by the
	// leading prefix needs no buffering and must not hit the unbounded rejection.
	predicate, err := NewComparison(functions.Equal, column(t, source, 0), NewConstant(scalar.NewStringScalar("a")))
	if err != nil {
		t.Fatal(err)
	}
	filtered, err := NewFilter(source, predicate)
	if err != nil {
		t.Fatal(err)
	}

	node, err := NewSort(filtered, []execution.SortKey{{ColumnIndex: 1}}, NoFetchLimit)
	if err != nil {
		t.Fatalf("expected the already-satisfied sort to be elided, got error: %s", err)
	}
	if node.NodeType != NodeTypeFilter {
		t.Errorf("expected the filter returned unchanged, got node type %d", node.NodeType)
	}
	if !node.Unbounded {
		t.Error("eliding the sort must keep the source's unboundedness")
	}
}

func TestNewGroupByRejectsUnbounded(t *testing.T) {
	source := eventsTable(t, 1, memory.WithUnbounded())
	_, err := NewGroupBy(source, []int{0}, []AggregateExpression{{Function: aggregates.Sum, ColumnIndex: 1}})
	if err == nil {
		t.Error("expected an error aggregating an unbounded source")
	}
}

func TestNewHashJoinBoundednessRules(t *testing.T) {
	bounded := eventsTable(t, 2)
	unbounded := eventsTable(t, 2, memory.WithUnbounded())

	if _, err := NewHashJoin(unbounded, bounded, []int{0}, []int{0}, execution.InnerJoin, nodes.CollectLeft, false); err == nil {
		t.Error("expected an error building against an unbounded side")
	}

	// An unbounded probe side is fine for join types that never drain the build side.
	node, err := NewHashJoin(bounded, unbounded, []int{0}, []int{0}, execution.InnerJoin, nodes.CollectLeft, false)
	if err != nil {
		t.Fatal(err)
	}
	if !node.Unbounded {
		t.Error("a join over an unbounded probe side must be unbounded")
	}

	if _, err := NewHashJoin(bounded, unbounded, []int{0}, []int{0}, execution.FullOuterJoin, nodes.CollectLeft, false); err == nil {
		t.Error("expected an error: a full join never finishes probing an unbounded side")
	}
}

func TestNewHashJoinRejectsMismatchedKeyTypes(t *testing.T) {
	left := eventsTable(t, 1)
	right := eventsTable(t, 1)
	if _, err := NewHashJoin(left, right, []int{0}, []int{1}, execution.InnerJoin, nodes.CollectLeft, false); err == nil {
		t.Error("expected an error joining a string key to an int64 key")
	}
}

func TestNewHashJoinPartitionedOutputPartitioning(t *testing.T) {
	left := eventsTable(t, 2)
	right := eventsTable(t, 3)

	node, err := NewHashJoin(left, right, []int{0}, []int{0}, execution.InnerJoin, nodes.Partitioned, false)
	if err != nil {
		t.Fatal(err)
	}
	if node.Partitioning.Count != 3 {
		t.Errorf("expected the probe side partition count, got %d", node.Partitioning.Count)
	}
	// The probe key sits after the build side columns in the output.
	if !node.Partitioning.SatisfiesHash([]int{2}) {
		t.Errorf("expected hash partitioning on the remapped probe key, got %v", node.Partitioning)
	}
}

func TestNewLimitRequiresSinglePartition(t *testing.T) {
	source := eventsTable(t, 3)
	if _, err := NewLimit(source, 0, 10); err == nil {
		t.Error("expected an error limiting a multi-partition source")
	}
	if _, err := NewLimit(eventsTable(t, 1), -1, 10); err == nil {
		t.Error("expected an error for a negative skip")
	}
}

func TestNewSortPreservingMergeRequiresSortedInput(t *testing.T) {
	keys := []execution.SortKey{{ColumnIndex: 1}}

	if _, err := NewSortPreservingMerge(eventsTable(t, 2), keys, NoFetchLimit); err == nil {
		t.Error("expected an error merging unsorted partitions")
	}

	node, err := NewSortPreservingMerge(eventsTable(t, 2, memory.WithOrdering(keys)), keys, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	if node.Partitioning.Count != 1 {
		t.Errorf("expected a single output partition, got %d", node.Partitioning.Count)
	}
}

func TestNewMapRemapsOrderingThroughColumns(t *testing.T) {
	ordering := []execution.SortKey{{ColumnIndex: 1}}
	source := eventsTable(t, 1, memory.WithOrdering(ordering))

	// value comes through as the first output column, so the ordering follows it.
	node, err := NewMap(source, []string{"v", "g"}, []Expression{column(t, source, 1), column(t, source, 0)})
	if err != nil {
		t.Fatal(err)
	}
	want := []execution.SortKey{{ColumnIndex: 0}}
	if len(node.Ordering) != 1 || node.Ordering[0] != want[0] {
		t.Errorf("expected ordering remapped to column 0, got %v", node.Ordering)
	}

	// Projecting the ordering column away loses the ordering.
	node, err = NewMap(source, []string{"g"}, []Expression{column(t, source, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(node.Ordering) != 0 {
		t.Errorf("expected no ordering, got %v", node.Ordering)
	}
}

func TestNewRepartitionOrdering(t *testing.T) {
	ordering := []execution.SortKey{{ColumnIndex: 1}}

	// A single input partition fans out without interleaving, so order survives.
	node, err := NewRepartition(eventsTable(t, 1, memory.WithOrdering(ordering)), 4, nodes.RoundRobin, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(node.Ordering) != 1 {
		t.Errorf("expected ordering preserved for a single input partition, got %v", node.Ordering)
	}

	node, err = NewRepartition(eventsTable(t, 2, memory.WithOrdering(ordering)), 4, nodes.RoundRobin, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(node.Ordering) != 0 {
		t.Errorf("expected no ordering after interleaving input partitions, got %v", node.Ordering)
	}
}
