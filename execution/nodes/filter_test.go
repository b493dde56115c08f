package nodes

import (
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/scalar"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/functions"
)

var filterSchema = arrow.NewSchema([]arrow.Field{
	{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "b", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func TestFilterDropsFalseAndNullRows(t *testing.T) {
	source := &testSource{
		schema: filterSchema,
		partitions: [][]execution.Record{{
			makeRecord(filterSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 5, 0, 7}, []bool{true, true, false, true})
				b.Field(1).(*array.StringBuilder).AppendValues([]string{"one", "five", "null", "seven"}, nil)
			}),
		}},
	}

	predicate := execution.NewComparison(
		functions.Greater,
		execution.NewColumnReference(0),
		execution.NewConstant(scalar.NewInt64Scalar(2)),
	)
	filter := &Filter{Source: source.Node(), Predicate: predicate}

	rows := collectRows(t, execution.NodeWithMeta{Node: filter, Schema: filterSchema, Partitions: 1})
	// The null row is dropped like a false row.
	expectRows(t, rows[0], []string{"5|five", "7|seven"})
}

func TestFilterSkipsFullyFilteredBatches(t *testing.T) {
	source := &testSource{
		schema: filterSchema,
		partitions: [][]execution.Record{{
			makeRecord(filterSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2}, nil)
				b.Field(1).(*array.StringBuilder).AppendValues([]string{"x", "y"}, nil)
			}),
			makeRecord(filterSchema, func(b *array.RecordBuilder) {
				b.Field(0).(*array.Int64Builder).AppendValues([]int64{10}, nil)
				b.Field(1).(*array.StringBuilder).AppendValues([]string{"z"}, nil)
			}),
		}},
	}

	predicate := execution.NewComparison(
		functions.GreaterEqual,
		execution.NewColumnReference(0),
		execution.NewConstant(scalar.NewInt64Scalar(10)),
	)
	filter := &Filter{Source: source.Node(), Predicate: predicate}

	stream, err := filter.Stream(testContext(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	record, err := stream.Next(testContext())
	if err != nil {
		t.Fatal(err)
	}
	expectRows(t, rowStrings(record), []string{"10|z"})

	if _, err := stream.Next(testContext()); err != execution.ErrEndOfStream {
		t.Fatalf("expected end of stream, got %v", err)
	}
}
