package helpers

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"

	"github.com/quiverdb/quiver/execution"
)

// CompareRows lexicographically compares a row of the left record against a row of
// the right record under the given sort keys. Nulls are placed per each key's
// NullsFirst flag; Descending inverts the value order but not the null placement.
func CompareRows(sortKeys []execution.SortKey, left execution.Record, leftRowIndex int, right execution.Record, rightRowIndex int) int {
	for _, key := range sortKeys {
		leftColumn := left.Column(key.ColumnIndex)
		rightColumn := right.Column(key.ColumnIndex)
		if comparison := compareCell(key, leftColumn, leftRowIndex, rightColumn, rightRowIndex); comparison != 0 {
			return comparison
		}
	}
	return 0
}

// MakeRecordRowComparator returns a closure comparing two rows of a single record
// under the given sort keys, with column accessors resolved up front.
func MakeRecordRowComparator(sortKeys []execution.SortKey, record execution.Record) func(leftRowIndex, rightRowIndex int) int {
	keyComparators := make([]func(leftRowIndex, rightRowIndex int) int, len(sortKeys))
	for i, key := range sortKeys {
		key := key
		column := record.Column(key.ColumnIndex)
		keyComparators[i] = func(leftRowIndex, rightRowIndex int) int {
			return compareCell(key, column, leftRowIndex, column, rightRowIndex)
		}
	}
	return func(leftRowIndex, rightRowIndex int) int {
		for _, compare := range keyComparators {
			if comparison := compare(leftRowIndex, rightRowIndex); comparison != 0 {
				return comparison
			}
		}
		return 0
	}
}

func compareCell(key execution.SortKey, left arrow.Array, leftRowIndex int, right arrow.Array, rightRowIndex int) int {
	leftNull := left.IsNull(leftRowIndex)
	rightNull := right.IsNull(rightRowIndex)
	if leftNull || rightNull {
		switch {
		case leftNull && rightNull:
			return 0
		case leftNull:
			if key.NullsFirst {
				return -1
			}
			return 1
		default:
			if key.NullsFirst {
				return 1
			}
			return -1
		}
	}

	comparison := compareValues(left, leftRowIndex, right, rightRowIndex)
	if key.Descending {
		comparison = -comparison
	}
	return comparison
}

func compareValues(left arrow.Array, leftRowIndex int, right arrow.Array, rightRowIndex int) int {
	switch left.DataType().ID() {
	case arrow.INT64:
		return compareOrdered(left.(*array.Int64).Value(leftRowIndex), right.(*array.Int64).Value(rightRowIndex))
	case arrow.FLOAT64:
		return compareOrdered(left.(*array.Float64).Value(leftRowIndex), right.(*array.Float64).Value(rightRowIndex))
	case arrow.STRING:
		return compareOrdered(left.(*array.String).Value(leftRowIndex), right.(*array.String).Value(rightRowIndex))
	case arrow.BOOL:
		leftValue := left.(*array.Boolean).Value(leftRowIndex)
		rightValue := right.(*array.Boolean).Value(rightRowIndex)
		switch {
		case leftValue == rightValue:
			return 0
		case !leftValue:
			return -1
		default:
			return 1
		}
	default:
		panic(fmt.Errorf("unsupported type for row comparison: %v", left.DataType()))
	}
}

func compareOrdered[T interface{ ~int64 | ~float64 | ~string }](left, right T) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}
