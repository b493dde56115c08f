package helpers

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
)

// MakeColumnRewriter returns a closure appending single rows of arr to the builder,
// carrying validity over. Value accessors are resolved once, outside the hot loop.
func MakeColumnRewriter(builder array.Builder, arr arrow.Array) func(rowIndex int) {
	switch builder.Type().ID() {
	case arrow.INT64:
		return rewriterForType[int64](builder.(*array.Int64Builder), arr.(*array.Int64))
	case arrow.FLOAT64:
		return rewriterForType[float64](builder.(*array.Float64Builder), arr.(*array.Float64))
	case arrow.STRING:
		return rewriterForType[string](builder.(*array.StringBuilder), arr.(*array.String))
	case arrow.BOOL:
		return rewriterForType[bool](builder.(*array.BooleanBuilder), arr.(*array.Boolean))
	default:
		panic(fmt.Errorf("unsupported type for rewriting: %v", builder.Type()))
	}
}

type valueBuilder[T any] interface {
	Append(v T)
	AppendNull()
}

type valueArray[T any] interface {
	IsNull(i int) bool
	Value(i int) T
}

func rewriterForType[T any](builder valueBuilder[T], arr valueArray[T]) func(rowIndex int) {
	return func(rowIndex int) {
		if arr.IsNull(rowIndex) {
			builder.AppendNull()
			return
		}
		builder.Append(arr.Value(rowIndex))
	}
}

// MakeNullRewriter returns a closure appending a null row to the builder, used to pad
// the missing side of outer join output.
func MakeNullRewriter(builder array.Builder) func() {
	return func() {
		builder.AppendNull()
	}
}
