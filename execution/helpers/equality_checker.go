package helpers

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
)

// MakeRowEqualityChecker returns a closure comparing a row of the left key columns
// against a row of the right key columns. nullEqualsNull selects the semantics for
// null elements: joins default to null-never-matches-null, grouping treats nulls as
// equal so null keys form one group.
func MakeRowEqualityChecker(leftKeys, rightKeys []arrow.Array, nullEqualsNull bool) func(leftRowIndex, rightRowIndex int) bool {
	if len(leftKeys) != len(rightKeys) {
		panic(fmt.Errorf("key column count mismatch in equality checker: %d != %d", len(leftKeys), len(rightKeys)))
	}
	keyColumnCount := len(leftKeys)

	columnEqualityCheckers := make([]func(leftRowIndex, rightRowIndex int) bool, keyColumnCount)
	for i := 0; i < keyColumnCount; i++ {
		switch leftKeys[i].DataType().ID() {
		case arrow.INT64:
			columnEqualityCheckers[i] = equalityCheckerForType[int64](leftKeys[i].(*array.Int64), rightKeys[i].(*array.Int64), nullEqualsNull)
		case arrow.FLOAT64:
			columnEqualityCheckers[i] = equalityCheckerForType[float64](leftKeys[i].(*array.Float64), rightKeys[i].(*array.Float64), nullEqualsNull)
		case arrow.STRING:
			columnEqualityCheckers[i] = equalityCheckerForType[string](leftKeys[i].(*array.String), rightKeys[i].(*array.String), nullEqualsNull)
		case arrow.BOOL:
			columnEqualityCheckers[i] = equalityCheckerForType[bool](leftKeys[i].(*array.Boolean), rightKeys[i].(*array.Boolean), nullEqualsNull)
		default:
			panic("unsupported type for equality checker")
		}
	}

	return func(leftRowIndex, rightRowIndex int) bool {
		for i := 0; i < keyColumnCount; i++ {
			if !columnEqualityCheckers[i](leftRowIndex, rightRowIndex) {
				return false
			}
		}
		return true
	}
}

func equalityCheckerForType[T comparable](left, right valueArray[T], nullEqualsNull bool) func(leftRowIndex, rightRowIndex int) bool {
	return func(leftRowIndex, rightRowIndex int) bool {
		leftNull := left.IsNull(leftRowIndex)
		rightNull := right.IsNull(rightRowIndex)
		if leftNull || rightNull {
			return nullEqualsNull && leftNull && rightNull
		}
		return left.Value(leftRowIndex) == right.Value(rightRowIndex)
	}
}
