package physical

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	arrowmemory "github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/arrow/scalar"

	"github.com/quiverdb/quiver/datasources/memory"
	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
	"github.com/quiverdb/quiver/execution/functions"
	"github.com/quiverdb/quiver/execution/nodes"
)

func makeRecord(schema *arrow.Schema, build func(*array.RecordBuilder)) execution.Record {
	recordBuilder := array.NewRecordBuilder(arrowmemory.NewGoAllocator(), schema)
	build(recordBuilder)
	return execution.Record{Record: recordBuilder.NewRecord()}
}

func recordRows(record execution.Record) []string {
	rows := int(record.NumRows())
	out := make([]string, rows)
	for rowIndex := 0; rowIndex < rows; rowIndex++ {
		cells := make([]string, len(record.Columns()))
		for i, col := range record.Columns() {
			if col.IsNull(rowIndex) {
				cells[i] = "NULL"
				continue
			}
			switch typed := col.(type) {
			case *array.Int64:
				cells[i] = fmt.Sprintf("%d", typed.Value(rowIndex))
			case *array.String:
				cells[i] = typed.Value(rowIndex)
			default:
				cells[i] = fmt.Sprintf("unsupported(%s)", col.DataType())
			}
		}
		out[rowIndex] = strings.Join(cells, "|")
	}
	return out
}

// runPlan materializes and executes the plan, returning all rows. Ordered keeps the
// stream order; otherwise rows are sorted for multiset comparison.
func runPlan(t *testing.T, node Node, env Environment, ordered bool) []string {
	t.Helper()
	materialized, err := node.Materialize(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	records, err := execution.Collect(execution.Context{Context: context.Background()}, materialized)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, record := range records {
		out = append(out, recordRows(record)...)
	}
	if !ordered {
		sort.Strings(out)
	}
	return out
}

func expectPlanRows(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d\ngot: %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMaterializeAggregationEndToEnd(t *testing.T) {
	table := memory.NewTable(eventsSchema, [][]execution.Record{
		{
			makeRecord(eventsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "b", "a"}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{5, 20, 15}, nil)
			}),
		},
		{
			makeRecord(eventsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"b", "c", "a"}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{30, 25, 10}, nil)
			}),
		},
	})
	source, err := NewDatasource("events", table)
	if err != nil {
		t.Fatal(err)
	}

	predicate, err := NewComparison(functions.Greater, column(t, source, 1), NewConstant(scalar.NewInt64Scalar(10)))
	if err != nil {
		t.Fatal(err)
	}
	filter, err := NewFilter(source, predicate)
	if err != nil {
		t.Fatal(err)
	}
	groupBy, err := NewGroupBy(filter, []int{0}, []AggregateExpression{
		{Function: aggregates.Sum, ColumnIndex: 1},
		{Function: aggregates.Count, ColumnIndex: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	sortKeys := []execution.SortKey{{ColumnIndex: 1, Descending: true}}
	sorted, err := NewSort(groupBy, sortKeys, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	merged, err := NewSortPreservingMerge(sorted, sortKeys, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}

	// The two-phase aggregation behind the exchange must produce the same result for
	// any target partition count.
	for _, targetPartitions := range []int{1, 2, 7} {
		got := runPlan(t, merged, Environment{TargetPartitions: targetPartitions}, true)
		expectPlanRows(t, got, []string{
			"b|50|2",
			"c|25|1",
			"a|15|1",
		})
	}
}

func TestMaterializeJoinEndToEnd(t *testing.T) {
	groupsSchema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	ordersSchema := arrow.NewSchema([]arrow.Field{
		{Name: "group_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	groups, err := NewDatasource("groups", memory.NewTable(groupsSchema, [][]execution.Record{
		{
			makeRecord(groupsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
				b.Field(1).(*array.StringBuilder).AppendValues([]string{"red", "green", "blue"}, nil)
			}),
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	orders, err := NewDatasource("orders", memory.NewTable(ordersSchema, [][]execution.Record{
		{
			makeRecord(ordersSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 4}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{10, 20, 40}, nil)
			}),
		},
		{
			makeRecord(ordersSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 3}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{11, 30}, nil)
			}),
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	join, err := NewHashJoin(groups, orders, []int{0}, []int{0}, execution.InnerJoin, nodes.Partitioned, false)
	if err != nil {
		t.Fatal(err)
	}
	coalesced, err := NewCoalesceBatches(join, 8192)
	if err != nil {
		t.Fatal(err)
	}
	sortKeys := []execution.SortKey{{ColumnIndex: 3}}
	sorted, err := NewSort(coalesced, sortKeys, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	merged, err := NewSortPreservingMerge(sorted, sortKeys, NoFetchLimit)
	if err != nil {
		t.Fatal(err)
	}
	limited, err := NewLimit(merged, 1, 3)
	if err != nil {
		t.Fatal(err)
	}

	got := runPlan(t, limited, Environment{}, true)
	expectPlanRows(t, got, []string{
		"1|red|1|11",
		"2|green|2|20",
		"3|blue|3|30",
	})
}

func TestMaterializeGroupBySinglePartitionSkipsExchange(t *testing.T) {
	table := memory.NewTable(eventsSchema, [][]execution.Record{
		{
			makeRecord(eventsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "b", "a"}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
			}),
		},
	})
	source, err := NewDatasource("events", table)
	if err != nil {
		t.Fatal(err)
	}
	groupBy, err := NewGroupBy(source, []int{0}, []AggregateExpression{{Function: aggregates.Sum, ColumnIndex: 1}})
	if err != nil {
		t.Fatal(err)
	}

	materialized, err := groupBy.Materialize(context.Background(), Environment{TargetPartitions: 4})
	if err != nil {
		t.Fatal(err)
	}
	// One partition already holds every group once, so no exchange or final phase
	// gets inserted.
	partial, ok := materialized.Node.(*nodes.GroupBy)
	if !ok {
		t.Fatalf("expected a single group by, got %T", materialized.Node)
	}
	if partial.Mode != nodes.Partial {
		t.Errorf("expected the partial mode, got %s", partial.Mode)
	}
	if materialized.Partitions != 1 {
		t.Errorf("expected one output partition, got %d", materialized.Partitions)
	}

	got := runPlan(t, groupBy, Environment{TargetPartitions: 4}, false)
	expectPlanRows(t, got, []string{"a|4", "b|2"})
}

func TestMaterializeLimitRequiresSinglePartitionAfterExchanges(t *testing.T) {
	left, err := NewDatasource("left", memory.NewTable(eventsSchema, [][]execution.Record{
		{
			makeRecord(eventsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "b"}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{1, 2}, nil)
			}),
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	right, err := NewDatasource("right", memory.NewTable(eventsSchema, [][]execution.Record{
		{
			makeRecord(eventsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"a"}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{10}, nil)
			}),
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	join, err := NewHashJoin(left, right, []int{0}, []int{0}, execution.InnerJoin, nodes.Partitioned, false)
	if err != nil {
		t.Fatal(err)
	}
	// The single-partition probe side makes the limit valid at plan time.
	limited, err := NewLimit(join, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	// A target partition count widens the join's exchanges past the plan's count, so
	// the limit has to be rejected at materialization instead of dropping rows.
	if _, err := limited.Materialize(context.Background(), Environment{TargetPartitions: 4}); err == nil {
		t.Error("expected an error materializing a limit over a widened join")
	}

	got := runPlan(t, limited, Environment{}, true)
	expectPlanRows(t, got, []string{"a|1|a|10"})
}

func TestMaterializeUnboundedLimit(t *testing.T) {
	table := memory.NewTable(eventsSchema, [][]execution.Record{
		{
			makeRecord(eventsSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "b", "c"}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
			}),
		},
	}, memory.WithUnbounded())
	source, err := NewDatasource("events", table)
	if err != nil {
		t.Fatal(err)
	}
	limited, err := NewLimit(source, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if limited.Unbounded {
		t.Error("a limit with a fetch bounds its output")
	}

	// The unbounded table cycles through its batch until the limit stops pulling.
	got := runPlan(t, limited, Environment{}, true)
	expectPlanRows(t, got, []string{"c|3", "a|1", "b|2", "c|3", "a|1"})
}
