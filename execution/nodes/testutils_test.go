package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"

	"github.com/quiverdb/quiver/execution"
)

func testContext() execution.Context {
	return execution.Context{Context: context.Background()}
}

func makeRecord(schema *arrow.Schema, build func(*array.RecordBuilder)) execution.Record {
	recordBuilder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	build(recordBuilder)
	return execution.Record{Record: recordBuilder.NewRecord()}
}

// testSource is an in-memory execution.Node that hands out its partitions' batches
// and remembers whether each stream got closed.
type testSource struct {
	schema     *arrow.Schema
	partitions [][]execution.Record

	closedStreams int
}

func (s *testSource) Node() execution.NodeWithMeta {
	return execution.NodeWithMeta{
		Node:       s,
		Schema:     s.schema,
		Partitions: len(s.partitions),
	}
}

func (s *testSource) Stream(ctx execution.Context, partition int) (execution.RecordStream, error) {
	if partition < 0 || partition >= len(s.partitions) {
		return nil, fmt.Errorf("invalid test source partition: %d", partition)
	}
	return &testSourceStream{source: s, batches: s.partitions[partition]}, nil
}

type testSourceStream struct {
	source  *testSource
	batches []execution.Record
	index   int
	closed  bool
}

func (s *testSourceStream) Next(ctx execution.Context) (execution.Record, error) {
	if err := ctx.Context.Err(); err != nil {
		return execution.Record{}, err
	}
	if s.index >= len(s.batches) {
		return execution.Record{}, execution.ErrEndOfStream
	}
	record := s.batches[s.index]
	s.index++
	return record, nil
}

func (s *testSourceStream) Close() error {
	if !s.closed {
		s.closed = true
		s.source.closedStreams++
	}
	return nil
}

// rowStrings renders every row of the record as a pipe-separated string, nulls as
// NULL, for order-sensitive and multiset comparisons.
func rowStrings(record execution.Record) []string {
	rows := int(record.NumRows())
	out := make([]string, rows)
	for rowIndex := 0; rowIndex < rows; rowIndex++ {
		cells := make([]string, len(record.Columns()))
		for i, column := range record.Columns() {
			cells[i] = cellString(column, rowIndex)
		}
		out[rowIndex] = strings.Join(cells, "|")
	}
	return out
}

func cellString(column arrow.Array, rowIndex int) string {
	if column.IsNull(rowIndex) {
		return "NULL"
	}
	switch typed := column.(type) {
	case *array.Int64:
		return fmt.Sprintf("%d", typed.Value(rowIndex))
	case *array.Float64:
		return fmt.Sprintf("%g", typed.Value(rowIndex))
	case *array.String:
		return typed.Value(rowIndex)
	case *array.Boolean:
		return fmt.Sprintf("%t", typed.Value(rowIndex))
	default:
		return fmt.Sprintf("unsupported(%s)", column.DataType())
	}
}

// collectRows drains every partition and returns the rows per partition, in stream
// order.
func collectRows(t *testing.T, node execution.NodeWithMeta) [][]string {
	t.Helper()
	partitioned, err := execution.CollectPartitioned(testContext(), node)
	if err != nil {
		t.Fatal(err)
	}
	out := make([][]string, len(partitioned))
	for partition, records := range partitioned {
		for _, record := range records {
			out[partition] = append(out[partition], rowStrings(record)...)
		}
	}
	return out
}

func flattenSorted(partitioned [][]string) []string {
	var out []string
	for _, rows := range partitioned {
		out = append(out, rows...)
	}
	sort.Strings(out)
	return out
}

func expectRows(t *testing.T, got, want []string) {
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
