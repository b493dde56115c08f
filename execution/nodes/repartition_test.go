package nodes

import (
	"fmt"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"

	"github.com/quiverdb/quiver/execution"
)

var repartitionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "k", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "v", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func makeRepartitionSource(inputPartitions, batchesPerPartition, rowsPerBatch int) (*testSource, []string) {
	var allRows []string
	partitions := make([][]execution.Record, inputPartitions)
	next := 0
	for partition := 0; partition < inputPartitions; partition++ {
		for batch := 0; batch < batchesPerPartition; batch++ {
			keys := make([]string, rowsPerBatch)
			valid := make([]bool, rowsPerBatch)
			values := make([]int64, rowsPerBatch)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%d", next%7)
				valid[i] = next%11 != 0
				values[i] = int64(next)
				if !valid[i] {
					allRows = append(allRows, fmt.Sprintf("NULL|%d", next))
				} else {
					allRows = append(allRows, fmt.Sprintf("%s|%d", keys[i], next))
				}
				next++
			}
			partitions[partition] = append(partitions[partition], makeRecord(repartitionSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.StringBuilder).AppendValues(keys, valid)
				b.Field(1).(*array.Int64Builder).AppendValues(values, nil)
			}))
		}
	}
	return &testSource{schema: repartitionSchema, partitions: partitions}, allRows
}

func TestRepartitionRoundRobinPreservesRows(t *testing.T) {
	source, allRows := makeRepartitionSource(2, 3, 5)

	repartition := &Repartition{
		Source:           source.Node(),
		OutputPartitions: 3,
		Partitioning:     Partitioning{Kind: RoundRobin},
	}
	got := collectRows(t, execution.NodeWithMeta{Node: repartition, Schema: repartitionSchema, Partitions: 3})

	expectRows(t, flattenSorted(got), flattenSorted([][]string{allRows}))
}

func TestRepartitionHashColocatesKeys(t *testing.T) {
	source, allRows := makeRepartitionSource(3, 4, 8)

	repartition := &Repartition{
		Source:           source.Node(),
		OutputPartitions: 4,
		Partitioning:     Partitioning{Kind: HashKeys, KeyIndices: []int{0}},
	}
	got := collectRows(t, execution.NodeWithMeta{Node: repartition, Schema: repartitionSchema, Partitions: 4})

	expectRows(t, flattenSorted(got), flattenSorted([][]string{allRows}))

	// Each key, the null key included, must land in exactly one output partition.
	keyPartition := map[string]int{}
	for partition, rows := range got {
		for _, row := range rows {
			key := strings.SplitN(row, "|", 2)[0]
			if existing, ok := keyPartition[key]; ok && existing != partition {
				t.Errorf("key %q found in partitions %d and %d", key, existing, partition)
			}
			keyPartition[key] = partition
		}
	}
}

func TestRepartitionSinglePartitionRoundRobinKeepsOrder(t *testing.T) {
	source := &testSource{
		schema: coalesceSchema,
		partitions: [][]execution.Record{{
			int64Batch(0, 1),
			int64Batch(2, 3),
		}},
	}

	repartition := &Repartition{
		Source:           source.Node(),
		OutputPartitions: 1,
		Partitioning:     Partitioning{Kind: RoundRobin},
	}
	got := collectRows(t, execution.NodeWithMeta{Node: repartition, Schema: coalesceSchema, Partitions: 1})
	expectRows(t, got[0], []string{"0", "1", "2", "3"})
}
