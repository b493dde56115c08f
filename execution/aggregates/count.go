package aggregates

import (
	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/bitutil"
	"github.com/apache/arrow/go/v13/arrow/memory"
)

func newCount() Aggregate {
	return &CountRows{
		data: memory.NewResizableBuffer(memory.NewGoAllocator()),
	}
}

// CountRows counts non-null inputs per group. A group with only null inputs counts 0,
// which is a valid value, so count output carries no validity bitmap.
type CountRows struct {
	data  *memory.Buffer
	state []int64 // Backed by data.
}

func (agg *CountRows) grow(entryCount int) {
	if entryCount <= len(agg.state) {
		return
	}
	agg.data.Resize(arrow.Int64Traits.BytesRequired(bitutil.NextPowerOf2(entryCount)))
	agg.state = arrow.Int64Traits.CastFromBytes(agg.data.Bytes())
}

func (agg *CountRows) MakeColumnConsumer(arr arrow.Array) func(entryIndex int, rowIndex int) {
	return func(entryIndex int, rowIndex int) {
		agg.grow(entryIndex + 1)
		if arr.IsNull(rowIndex) {
			return
		}
		agg.state[entryIndex]++
	}
}

func (agg *CountRows) GetBatch(length int, offset int) arrow.Array {
	agg.grow(offset + length)
	return array.NewInt64Data(array.NewData(arrow.PrimitiveTypes.Int64, length, []*memory.Buffer{nil, agg.data}, nil, 0, offset))
}
