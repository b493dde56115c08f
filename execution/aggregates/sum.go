package aggregates

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/bitutil"
	"github.com/apache/arrow/go/v13/arrow/memory"
)

func newSum(dt arrow.DataType) (Aggregate, error) {
	switch dt.ID() {
	case arrow.INT64:
		return &SumInt64{
			data:     memory.NewResizableBuffer(memory.NewGoAllocator()),
			validity: memory.NewResizableBuffer(memory.NewGoAllocator()),
		}, nil
	case arrow.FLOAT64:
		return &SumFloat64{
			data:     memory.NewResizableBuffer(memory.NewGoAllocator()),
			validity: memory.NewResizableBuffer(memory.NewGoAllocator()),
		}, nil
	default:
		return nil, fmt.Errorf("sum is not supported for type %s", dt)
	}
}

// SumInt64 keeps its state directly in an Arrow-compatible buffer, so state windows
// can be handed out as arrays without copying. The validity bitmap starts zeroed;
// a bit is set the first time a non-null input reaches its entry.
type SumInt64 struct {
	data     *memory.Buffer
	state    []int64 // Backed by data.
	validity *memory.Buffer
}

func (agg *SumInt64) grow(entryCount int) {
	if entryCount <= len(agg.state) {
		return
	}
	capacity := bitutil.NextPowerOf2(entryCount)
	agg.data.Resize(arrow.Int64Traits.BytesRequired(capacity))
	agg.state = arrow.Int64Traits.CastFromBytes(agg.data.Bytes())
	agg.validity.Resize(int(bitutil.BytesForBits(int64(capacity))))
}

func (agg *SumInt64) MakeColumnConsumer(arr arrow.Array) func(entryIndex int, rowIndex int) {
	typedArr := arr.(*array.Int64)
	return func(entryIndex int, rowIndex int) {
		agg.grow(entryIndex + 1)
		if typedArr.IsNull(rowIndex) {
			return
		}
		agg.state[entryIndex] += typedArr.Value(rowIndex)
		bitutil.SetBit(agg.validity.Bytes(), entryIndex)
	}
}

func (agg *SumInt64) GetBatch(length int, offset int) arrow.Array {
	agg.grow(offset + length)
	nullCount := length - bitutil.CountSetBits(agg.validity.Bytes(), offset, length)
	return array.NewInt64Data(array.NewData(arrow.PrimitiveTypes.Int64, length, []*memory.Buffer{agg.validity, agg.data}, nil, nullCount, offset))
}

type SumFloat64 struct {
	data     *memory.Buffer
	state    []float64 // Backed by data.
	validity *memory.Buffer
}

func (agg *SumFloat64) grow(entryCount int) {
	if entryCount <= len(agg.state) {
		return
	}
	capacity := bitutil.NextPowerOf2(entryCount)
	agg.data.Resize(arrow.Float64Traits.BytesRequired(capacity))
	agg.state = arrow.Float64Traits.CastFromBytes(agg.data.Bytes())
	agg.validity.Resize(int(bitutil.BytesForBits(int64(capacity))))
}

func (agg *SumFloat64) MakeColumnConsumer(arr arrow.Array) func(entryIndex int, rowIndex int) {
	typedArr := arr.(*array.Float64)
	return func(entryIndex int, rowIndex int) {
		agg.grow(entryIndex + 1)
		if typedArr.IsNull(rowIndex) {
			return
		}
		agg.state[entryIndex] += typedArr.Value(rowIndex)
		bitutil.SetBit(agg.validity.Bytes(), entryIndex)
	}
}

func (agg *SumFloat64) GetBatch(length int, offset int) arrow.Array {
	agg.grow(offset + length)
	nullCount := length - bitutil.CountSetBits(agg.validity.Bytes(), offset, length)
	return array.NewFloat64Data(array.NewData(arrow.PrimitiveTypes.Float64, length, []*memory.Buffer{agg.validity, agg.data}, nil, nullCount, offset))
}
