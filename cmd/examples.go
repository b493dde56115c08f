package cmd

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	arrowmem "github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/arrow/scalar"

	"github.com/quiverdb/quiver/datasources/memory"
	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
	"github.com/quiverdb/quiver/execution/functions"
	"github.com/quiverdb/quiver/execution/nodes"
	"github.com/quiverdb/quiver/physical"
)

// examplePipelines are the built-in demo plans, keyed by the name the run command
// takes. Data is generated with a fixed seed so repeated runs print the same result.
var examplePipelines = map[string]func(partitions int) (physical.Node, error){
	"group_by": groupByExample,
	"join":     joinExample,
	"top_k":    topKExample,
}

func exampleNames() []string {
	names := make([]string, 0, len(examplePipelines))
	for name := range examplePipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// groupByExample: filter the events table, aggregate per group, return groups sorted
// by descending sum.
func groupByExample(partitions int) (physical.Node, error) {
	table := eventsTable(partitions, 100_000)
	source, err := physical.NewDatasource("events", table)
	if err != nil {
		return physical.Node{}, err
	}

	value, err := physical.NewColumnByName(source.Schema, "value")
	if err != nil {
		return physical.Node{}, err
	}
	predicate, err := physical.NewComparison(functions.Greater, value, physical.NewConstant(scalar.NewInt64Scalar(10)))
	if err != nil {
		return physical.Node{}, err
	}
	filtered, err := physical.NewFilter(source, predicate)
	if err != nil {
		return physical.Node{}, err
	}

	grouped, err := physical.NewGroupBy(filtered, []int{0}, []physical.AggregateExpression{
		{Function: aggregates.Sum, ColumnIndex: 1},
		{Function: aggregates.Count, ColumnIndex: 1},
	})
	if err != nil {
		return physical.Node{}, err
	}

	sorted, err := physical.NewSort(grouped, []execution.SortKey{{ColumnIndex: 1, Descending: true}}, physical.NoFetchLimit)
	if err != nil {
		return physical.Node{}, err
	}
	return physical.NewSortPreservingMerge(sorted, []execution.SortKey{{ColumnIndex: 1, Descending: true}}, physical.NoFetchLimit)
}

// joinExample: partitioned inner join of events against a small groups dimension
// table, first 20 rows ordered by event value.
func joinExample(partitions int) (physical.Node, error) {
	groups, err := physical.NewDatasource("groups", groupsTable())
	if err != nil {
		return physical.Node{}, err
	}
	events, err := physical.NewDatasource("events", eventsTable(partitions, 100_000))
	if err != nil {
		return physical.Node{}, err
	}

	joined, err := physical.NewHashJoin(groups, events, []int{0}, []int{0}, execution.InnerJoin, nodes.Partitioned, false)
	if err != nil {
		return physical.Node{}, err
	}
	coalesced, err := physical.NewCoalesceBatches(joined, execution.IdealBatchSize)
	if err != nil {
		return physical.Node{}, err
	}

	sortKeys := []execution.SortKey{{ColumnIndex: 3, Descending: true}}
	sorted, err := physical.NewSort(coalesced, sortKeys, 20)
	if err != nil {
		return physical.Node{}, err
	}
	merged, err := physical.NewSortPreservingMerge(sorted, sortKeys, 20)
	if err != nil {
		return physical.Node{}, err
	}
	return physical.NewLimit(merged, 0, 20)
}

// topKExample: top 10 events by value without a full global sort.
func topKExample(partitions int) (physical.Node, error) {
	source, err := physical.NewDatasource("events", eventsTable(partitions, 1_000_000))
	if err != nil {
		return physical.Node{}, err
	}
	sortKeys := []execution.SortKey{{ColumnIndex: 1, Descending: true}}
	sorted, err := physical.NewSort(source, sortKeys, 10)
	if err != nil {
		return physical.Node{}, err
	}
	merged, err := physical.NewSortPreservingMerge(sorted, sortKeys, 10)
	if err != nil {
		return physical.Node{}, err
	}
	return physical.NewLimit(merged, 0, 10)
}

var eventsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "group", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

var groupNames = []string{"red", "green", "blue", "yellow", "purple"}

func eventsTable(partitions, rowsPerPartition int) *memory.Table {
	random := rand.New(rand.NewSource(42))

	out := make([][]execution.Record, partitions)
	for partition := range out {
		for generated := 0; generated < rowsPerPartition; generated += execution.IdealBatchSize {
			rows := rowsPerPartition - generated
			if rows > execution.IdealBatchSize {
				rows = execution.IdealBatchSize
			}
			builder := array.NewRecordBuilder(arrowmem.NewGoAllocator(), eventsSchema)
			groupBuilder := builder.Field(0).(*array.StringBuilder)
			valueBuilder := builder.Field(1).(*array.Int64Builder)
			for i := 0; i < rows; i++ {
				groupBuilder.Append(groupNames[random.Intn(len(groupNames))])
				valueBuilder.Append(int64(random.Intn(1000)))
			}
			out[partition] = append(out[partition], execution.Record{Record: builder.NewRecord()})
		}
	}
	return memory.NewTable(eventsSchema, out)
}

func groupsTable() *memory.Table {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "priority", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	builder := array.NewRecordBuilder(arrowmem.NewGoAllocator(), schema)
	nameBuilder := builder.Field(0).(*array.StringBuilder)
	priorityBuilder := builder.Field(1).(*array.Int64Builder)
	for i, name := range groupNames {
		nameBuilder.Append(name)
		priorityBuilder.Append(int64(i))
	}
	record := execution.Record{Record: builder.NewRecord()}

	return memory.NewTable(schema, [][]execution.Record{{record}})
}

func lookupExample(name string) (func(partitions int) (physical.Node, error), error) {
	pipeline, ok := examplePipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown example %q, available: %v", name, exampleNames())
	}
	return pipeline, nil
}
