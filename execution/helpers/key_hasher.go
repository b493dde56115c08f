package helpers

import (
	"math"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/segmentio/fasthash/fnv1a"

	"github.com/quiverdb/quiver/execution"
)

// nullHashTag feeds the hash for null key elements, so rows with null keys hash
// consistently and co-locate after a hash repartition.
const nullHashTag = 0x9e3779b97f4a7c15

func MakeRecordKeyHasher(record execution.Record, keyIndices []int) func(rowIndex int) uint64 {
	columns := make([]arrow.Array, len(keyIndices))
	for i := range columns {
		columns[i] = record.Column(keyIndices[i])
	}
	return MakeRowHasher(columns)
}

// MakeRowHasher returns a closure hashing the i-th row of the given key columns.
// The hash depends only on the cell values (and their validity), never on the
// position, so equal keys hash equally across batches and partitions.
func MakeRowHasher(columns []arrow.Array) func(rowIndex int) uint64 {
	subHashers := make([]func(hash uint64, rowIndex int) uint64, len(columns))
	for i := range columns {
		switch columns[i].DataType().ID() {
		case arrow.INT64:
			typedArr := columns[i].(*array.Int64)
			subHashers[i] = func(hash uint64, rowIndex int) uint64 {
				if typedArr.IsNull(rowIndex) {
					return fnv1a.AddUint64(hash, nullHashTag)
				}
				return fnv1a.AddUint64(hash, uint64(typedArr.Value(rowIndex)))
			}
		case arrow.FLOAT64:
			typedArr := columns[i].(*array.Float64)
			subHashers[i] = func(hash uint64, rowIndex int) uint64 {
				if typedArr.IsNull(rowIndex) {
					return fnv1a.AddUint64(hash, nullHashTag)
				}
				return fnv1a.AddUint64(hash, math.Float64bits(typedArr.Value(rowIndex)))
			}
		case arrow.STRING:
			typedArr := columns[i].(*array.String)
			subHashers[i] = func(hash uint64, rowIndex int) uint64 {
				if typedArr.IsNull(rowIndex) {
					return fnv1a.AddUint64(hash, nullHashTag)
				}
				return fnv1a.AddString64(hash, typedArr.Value(rowIndex))
			}
		case arrow.BOOL:
			typedArr := columns[i].(*array.Boolean)
			subHashers[i] = func(hash uint64, rowIndex int) uint64 {
				if typedArr.IsNull(rowIndex) {
					return fnv1a.AddUint64(hash, nullHashTag)
				}
				if typedArr.Value(rowIndex) {
					return fnv1a.AddUint64(hash, 1)
				}
				return fnv1a.AddUint64(hash, 0)
			}
		default:
			panic("unsupported type for key hashing")
		}
	}
	return func(rowIndex int) uint64 {
		hash := fnv1a.Init64
		for _, hasher := range subHashers {
			hash = hasher(hash, rowIndex)
		}
		return hash
	}
}
