package functions

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
)

// Boolean connectives with SQL three-valued logic. A null operand stays null unless
// the other operand alone decides the result (false for AND, true for OR).

func And(allocator memory.Allocator, left, right *array.Boolean) (*array.Boolean, error) {
	if left.Len() != right.Len() {
		return nil, fmt.Errorf("AND input length mismatch: %d != %d", left.Len(), right.Len())
	}

	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(left.Len())
	for i := 0; i < left.Len(); i++ {
		leftFalse := !left.IsNull(i) && !left.Value(i)
		rightFalse := !right.IsNull(i) && !right.Value(i)
		switch {
		case leftFalse || rightFalse:
			builder.Append(false)
		case left.IsNull(i) || right.IsNull(i):
			builder.AppendNull()
		default:
			builder.Append(true)
		}
	}
	return builder.NewBooleanArray(), nil
}

func Or(allocator memory.Allocator, left, right *array.Boolean) (*array.Boolean, error) {
	if left.Len() != right.Len() {
		return nil, fmt.Errorf("OR input length mismatch: %d != %d", left.Len(), right.Len())
	}

	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(left.Len())
	for i := 0; i < left.Len(); i++ {
		leftTrue := !left.IsNull(i) && left.Value(i)
		rightTrue := !right.IsNull(i) && right.Value(i)
		switch {
		case leftTrue || rightTrue:
			builder.Append(true)
		case left.IsNull(i) || right.IsNull(i):
			builder.AppendNull()
		default:
			builder.Append(false)
		}
	}
	return builder.NewBooleanArray(), nil
}

func Not(allocator memory.Allocator, arg *array.Boolean) *array.Boolean {
	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(arg.Len())
	for i := 0; i < arg.Len(); i++ {
		if arg.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(!arg.Value(i))
	}
	return builder.NewBooleanArray()
}
