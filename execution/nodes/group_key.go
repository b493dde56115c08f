package nodes

import (
	"fmt"
	"math"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
)

// groupKey stores the distinct key values of one grouping column, indexed by group
// entry. A null key is a regular grouping value: two null keys belong to the same
// group.
type groupKey interface {
	MakeNewKeyAdder(arr arrow.Array) func(rowIndex int)
	MakeKeyEqualityChecker(arr arrow.Array) func(entryIndex int, rowIndex int) bool
	GetBatch(length int, offset int) arrow.Array
}

func makeGroupKey(dt arrow.DataType) (groupKey, error) {
	switch dt.ID() {
	case arrow.INT64:
		return &keyState[int64]{
			getBatch: int64KeyBatch,
		}, nil
	case arrow.FLOAT64:
		// Bit-pattern comparison matches the key hash (which also uses Float64bits),
		// so NaN keys form one group instead of failing equality against themselves.
		return &keyState[float64]{
			equal: func(left, right float64) bool {
				return math.Float64bits(left) == math.Float64bits(right)
			},
			getBatch: float64KeyBatch,
		}, nil
	case arrow.STRING:
		return &keyState[string]{
			getBatch: stringKeyBatch,
		}, nil
	case arrow.BOOL:
		return &keyState[bool]{
			getBatch: boolKeyBatch,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported group key type: %s", dt)
	}
}

type keyValueArray[T comparable] interface {
	IsNull(i int) bool
	Value(i int) T
}

type keyState[T comparable] struct {
	values []T
	nulls  []bool

	// equal overrides the key comparison; nil means native ==.
	equal    func(left, right T) bool
	getBatch func(values []T, nulls []bool, length, offset int) arrow.Array
}

func (key *keyState[T]) MakeNewKeyAdder(arr arrow.Array) func(rowIndex int) {
	typedArr := arr.(keyValueArray[T])
	return func(rowIndex int) {
		var value T
		null := typedArr.IsNull(rowIndex)
		if !null {
			value = typedArr.Value(rowIndex)
		}
		key.values = append(key.values, value)
		key.nulls = append(key.nulls, null)
	}
}

func (key *keyState[T]) MakeKeyEqualityChecker(arr arrow.Array) func(entryIndex int, rowIndex int) bool {
	typedArr := arr.(keyValueArray[T])
	equal := key.equal
	if equal == nil {
		equal = func(left, right T) bool { return left == right }
	}
	return func(entryIndex int, rowIndex int) bool {
		if typedArr.IsNull(rowIndex) {
			return key.nulls[entryIndex]
		}
		if key.nulls[entryIndex] {
			return false
		}
		return equal(typedArr.Value(rowIndex), key.values[entryIndex])
	}
}

func (key *keyState[T]) GetBatch(length int, offset int) arrow.Array {
	return key.getBatch(key.values, key.nulls, length, offset)
}

func int64KeyBatch(values []int64, nulls []bool, length, offset int) arrow.Array {
	builder := array.NewInt64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.Reserve(length)
	for i := offset; i < offset+length; i++ {
		if nulls[i] {
			builder.AppendNull()
		} else {
			builder.UnsafeAppend(values[i])
		}
	}
	return builder.NewInt64Array()
}

func float64KeyBatch(values []float64, nulls []bool, length, offset int) arrow.Array {
	builder := array.NewFloat64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.Reserve(length)
	for i := offset; i < offset+length; i++ {
		if nulls[i] {
			builder.AppendNull()
		} else {
			builder.UnsafeAppend(values[i])
		}
	}
	return builder.NewFloat64Array()
}

func stringKeyBatch(values []string, nulls []bool, length, offset int) arrow.Array {
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	for i := offset; i < offset+length; i++ {
		if nulls[i] {
			builder.AppendNull()
		} else {
			builder.Append(values[i])
		}
	}
	return builder.NewStringArray()
}

func boolKeyBatch(values []bool, nulls []bool, length, offset int) arrow.Array {
	builder := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer builder.Release()
	for i := offset; i < offset+length; i++ {
		if nulls[i] {
			builder.AppendNull()
		} else {
			builder.Append(values[i])
		}
	}
	return builder.NewBooleanArray()
}
