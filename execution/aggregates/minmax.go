package aggregates

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
)

func newMinMax(dt arrow.DataType, min bool) (Aggregate, error) {
	switch dt.ID() {
	case arrow.INT64:
		return &minMax[int64]{min: min, getBatch: int64StateBatch}, nil
	case arrow.FLOAT64:
		return &minMax[float64]{min: min, getBatch: float64StateBatch}, nil
	case arrow.STRING:
		return &minMax[string]{min: min, getBatch: stringStateBatch}, nil
	default:
		if min {
			return nil, fmt.Errorf("min is not supported for type %s", dt)
		}
		return nil, fmt.Errorf("max is not supported for type %s", dt)
	}
}

// minMax keeps slice-backed state; entries start unseen and unseen entries extract
// as nulls. Merging partial states goes through the same consumer, because the
// extreme of extremes is the overall extreme.
type minMax[T interface{ ~int64 | ~float64 | ~string }] struct {
	min      bool
	state    []T
	seen     []bool
	getBatch func(state []T, seen []bool) arrow.Array
}

func (agg *minMax[T]) grow(entryCount int) {
	for len(agg.state) < entryCount {
		agg.state = append(agg.state, *new(T))
		agg.seen = append(agg.seen, false)
	}
}

func (agg *minMax[T]) MakeColumnConsumer(arr arrow.Array) func(entryIndex int, rowIndex int) {
	typedArr := arr.(valueArray[T])
	return func(entryIndex int, rowIndex int) {
		agg.grow(entryIndex + 1)
		if typedArr.IsNull(rowIndex) {
			return
		}
		value := typedArr.Value(rowIndex)
		if !agg.seen[entryIndex] {
			agg.state[entryIndex] = value
			agg.seen[entryIndex] = true
			return
		}
		if agg.min {
			if value < agg.state[entryIndex] {
				agg.state[entryIndex] = value
			}
		} else {
			if value > agg.state[entryIndex] {
				agg.state[entryIndex] = value
			}
		}
	}
}

func (agg *minMax[T]) GetBatch(length int, offset int) arrow.Array {
	agg.grow(offset + length)
	return agg.getBatch(agg.state[offset:offset+length], agg.seen[offset:offset+length])
}

type valueArray[T any] interface {
	IsNull(i int) bool
	Value(i int) T
}

func int64StateBatch(state []int64, seen []bool) arrow.Array {
	builder := array.NewInt64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.Reserve(len(state))
	for i := range state {
		if !seen[i] {
			builder.AppendNull()
			continue
		}
		builder.Append(state[i])
	}
	return builder.NewInt64Array()
}

func float64StateBatch(state []float64, seen []bool) arrow.Array {
	builder := array.NewFloat64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.Reserve(len(state))
	for i := range state {
		if !seen[i] {
			builder.AppendNull()
			continue
		}
		builder.Append(state[i])
	}
	return builder.NewFloat64Array()
}

func stringStateBatch(state []string, seen []bool) arrow.Array {
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	for i := range state {
		if !seen[i] {
			builder.AppendNull()
			continue
		}
		builder.Append(state[i])
	}
	return builder.NewStringArray()
}
