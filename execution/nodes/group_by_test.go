package nodes

import (
	"fmt"
	"math"
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
)

var (
	groupByInSchema = arrow.NewSchema([]arrow.Field{
		{Name: "group", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	groupByOutSchema = arrow.NewSchema([]arrow.Field{
		{Name: "group", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "sum(value)", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "count(value)", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
)

func TestGroupByPartialSinglePartition(t *testing.T) {
	source := &testSource{
		schema: groupByInSchema,
		partitions: [][]execution.Record{{
			makeRecord(groupByInSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "b", "a", ""}, []bool{true, true, true, false})
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4}, nil)
			}),
			makeRecord(groupByInSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues([]string{"b", "", "c"}, []bool{true, false, true})
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{10, 20, 0}, []bool{true, true, false})
			}),
		}},
	}

	groupBy := &GroupBy{
		OutSchema:              groupByOutSchema,
		Source:                 source.Node(),
		KeyIndices:             []int{0},
		AggregateFunctions:     []aggregates.Function{aggregates.Sum, aggregates.Count},
		AggregateColumnIndices: []int{1, 1},
		Mode:                   Partial,
	}
	rows := collectRows(t, execution.NodeWithMeta{Node: groupBy, Schema: groupByOutSchema, Partitions: 1})

	// Null keys group together; null values are skipped by both aggregates, so
	// group "c" sums to null and counts 0.
	expectRows(t, flattenSorted(rows), []string{
		"NULL|24|2",
		"a|4|2",
		"b|12|2",
		"c|NULL|0",
	})
}

func TestGroupByTwoPhase(t *testing.T) {
	const (
		inputPartitions  = 3
		outputPartitions = 4
		rows             = 1000
		groups           = 17
	)

	source := &testSource{schema: groupByInSchema, partitions: make([][]execution.Record, inputPartitions)}
	sums := make(map[string]int64)
	counts := make(map[string]int64)
	for i := 0; i < rows; i++ {
		key := fmt.Sprintf("group-%d", i%groups)
		sums[key] += int64(i)
		counts[key]++
		i := i
		source.partitions[i%inputPartitions] = append(source.partitions[i%inputPartitions],
			makeRecord(groupByInSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).Append(key)
				b.Field(1).(*array.Int64Builder).Append(int64(i))
			}))
	}

	partial := &GroupBy{
		OutSchema:              groupByOutSchema,
		Source:                 source.Node(),
		KeyIndices:             []int{0},
		AggregateFunctions:     []aggregates.Function{aggregates.Sum, aggregates.Count},
		AggregateColumnIndices: []int{1, 1},
		Mode:                   Partial,
	}
	exchange := &Repartition{
		Source:           execution.NodeWithMeta{Node: partial, Schema: groupByOutSchema, Partitions: inputPartitions},
		OutputPartitions: outputPartitions,
		Partitioning:     Partitioning{Kind: HashKeys, KeyIndices: []int{0}},
	}
	final := &GroupBy{
		OutSchema:              groupByOutSchema,
		Source:                 execution.NodeWithMeta{Node: exchange, Schema: groupByOutSchema, Partitions: outputPartitions},
		KeyIndices:             []int{0},
		AggregateFunctions:     []aggregates.Function{aggregates.Sum, aggregates.Count},
		AggregateColumnIndices: []int{1, 2},
		Mode:                   FinalPartitioned,
	}
	got := collectRows(t, execution.NodeWithMeta{Node: final, Schema: groupByOutSchema, Partitions: outputPartitions})

	want := make([]string, 0, groups)
	for key, sum := range sums {
		want = append(want, fmt.Sprintf("%s|%d|%d", key, sum, counts[key]))
	}
	expectRows(t, flattenSorted(got), flattenSorted([][]string{want}))

	// The exchange hash partitions on the group key, so each group is finalized in
	// exactly one partition.
	total := 0
	for _, partitionRows := range got {
		total += len(partitionRows)
	}
	if total != groups {
		t.Errorf("expected %d group rows across partitions, got %d", groups, total)
	}
}

func TestGroupByEmptyInput(t *testing.T) {
	source := &testSource{
		schema:     groupByInSchema,
		partitions: [][]execution.Record{{}},
	}

	groupBy := &GroupBy{
		OutSchema:              groupByOutSchema,
		Source:                 source.Node(),
		KeyIndices:             []int{0},
		AggregateFunctions:     []aggregates.Function{aggregates.Sum, aggregates.Count},
		AggregateColumnIndices: []int{1, 1},
		Mode:                   Partial,
	}
	rows := collectRows(t, execution.NodeWithMeta{Node: groupBy, Schema: groupByOutSchema, Partitions: 1})
	if len(rows[0]) != 0 {
		t.Errorf("expected no rows for empty input, got %v", rows[0])
	}
}

func TestGroupByNaNKeysGroupTogether(t *testing.T) {
	inSchema := arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	outSchema := arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "count(value)", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	source := &testSource{
		schema: inSchema,
		partitions: [][]execution.Record{{
			makeRecord(inSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Float64Builder).AppendValues([]float64{math.NaN(), math.NaN(), 1}, nil)
				b.Field(1).(*array.Int64Builder).AppendValues([]int64{10, 20, 30}, nil)
			}),
		}},
	}

	groupBy := &GroupBy{
		OutSchema:              outSchema,
		Source:                 source.Node(),
		KeyIndices:             []int{0},
		AggregateFunctions:     []aggregates.Function{aggregates.Count},
		AggregateColumnIndices: []int{1},
		Mode:                   Partial,
	}
	rows := collectRows(t, execution.NodeWithMeta{Node: groupBy, Schema: outSchema, Partitions: 1})
	expectRows(t, flattenSorted(rows), []string{
		"1|1",
		"NaN|2",
	})
}

func TestGroupByMinMax(t *testing.T) {
	inSchema := arrow.NewSchema([]arrow.Field{
		{Name: "group", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	outSchema := arrow.NewSchema([]arrow.Field{
		{Name: "group", Type: arrow.PrimitiveTypes.Int64},
		{Name: "min(name)", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "max(name)", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	source := &testSource{
		schema: inSchema,
		partitions: [][]execution.Record{{
			makeRecord(inSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 1, 2, 1, 2}, nil)
				b.Field(1).(*array.StringBuilder).AppendValues([]string{"pear", "apple", "fig", "", "kiwi"}, []bool{true, true, true, false, true})
			}),
		}},
	}

	groupBy := &GroupBy{
		OutSchema:              outSchema,
		Source:                 source.Node(),
		KeyIndices:             []int{0},
		AggregateFunctions:     []aggregates.Function{aggregates.Min, aggregates.Max},
		AggregateColumnIndices: []int{1, 1},
		Mode:                   Partial,
	}
	rows := collectRows(t, execution.NodeWithMeta{Node: groupBy, Schema: outSchema, Partitions: 1})
	expectRows(t, flattenSorted(rows), []string{
		"1|apple|pear",
		"2|fig|kiwi",
	})
}
