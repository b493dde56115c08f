package functions

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/arrow/scalar"
)

type ComparisonOperator int

const (
	Equal ComparisonOperator = iota
	NotEqual
	Greater
	GreaterEqual
	Less
	LessEqual
)

func (op ComparisonOperator) String() string {
	switch op {
	case Equal:
		return "="
	case NotEqual:
		return "!="
	case Greater:
		return ">"
	case GreaterEqual:
		return ">="
	case Less:
		return "<"
	case LessEqual:
		return "<="
	default:
		return fmt.Sprintf("ComparisonOperator(%d)", int(op))
	}
}

// Flipped returns the operator with its operands swapped, so that
// `a op b` == `b Flipped(op) a`.
func (op ComparisonOperator) Flipped() ComparisonOperator {
	switch op {
	case Greater:
		return Less
	case GreaterEqual:
		return LessEqual
	case Less:
		return Greater
	case LessEqual:
		return GreaterEqual
	default:
		return op
	}
}

// ComparisonSupported reports whether the given operator/type pair has a kernel.
// Callers check this while constructing the plan; the kernels themselves assume
// supported inputs.
func ComparisonSupported(op ComparisonOperator, dt arrow.DataType) error {
	switch dt.ID() {
	case arrow.INT64, arrow.FLOAT64, arrow.STRING:
		return nil
	case arrow.BOOL:
		if op == Equal || op == NotEqual {
			return nil
		}
		return fmt.Errorf("operator %s is not supported for type %s", op, dt)
	default:
		return fmt.Errorf("comparison is not supported for type %s", dt)
	}
}

type ordered interface {
	~int64 | ~float64 | ~string
}

type valueArray[T any] interface {
	Len() int
	IsNull(i int) bool
	Value(i int) T
}

// CompareArrays evaluates `left op right` element-wise. If either element is null,
// the result element is null. Inputs must be of equal length and like types.
func CompareArrays(allocator memory.Allocator, op ComparisonOperator, left, right arrow.Array) (*array.Boolean, error) {
	if left.Len() != right.Len() {
		return nil, fmt.Errorf("comparison input length mismatch: %d != %d", left.Len(), right.Len())
	}
	if !arrow.TypeEqual(left.DataType(), right.DataType()) {
		return nil, fmt.Errorf("comparison input type mismatch: %s != %s", left.DataType(), right.DataType())
	}

	switch left.DataType().ID() {
	case arrow.INT64:
		return compareArraysForType[int64](allocator, op, left.(*array.Int64), right.(*array.Int64)), nil
	case arrow.FLOAT64:
		return compareArraysForType[float64](allocator, op, left.(*array.Float64), right.(*array.Float64)), nil
	case arrow.STRING:
		return compareArraysForType[string](allocator, op, left.(*array.String), right.(*array.String)), nil
	case arrow.BOOL:
		return compareBooleanArrays(allocator, op, left.(*array.Boolean), right.(*array.Boolean))
	default:
		return nil, fmt.Errorf("comparison is not supported for type %s", left.DataType())
	}
}

// CompareArrayScalar evaluates `left op right` with the scalar broadcast against
// every position of the array. A null scalar yields an all-null result of the
// array's length, for every operator.
func CompareArrayScalar(allocator memory.Allocator, op ComparisonOperator, left arrow.Array, right scalar.Scalar) (*array.Boolean, error) {
	if !right.IsValid() {
		return allNullBooleanArray(allocator, left.Len()), nil
	}
	if !arrow.TypeEqual(left.DataType(), right.DataType()) {
		return nil, fmt.Errorf("comparison input type mismatch: %s != %s", left.DataType(), right.DataType())
	}

	switch left.DataType().ID() {
	case arrow.INT64:
		return compareArrayScalarForType[int64](allocator, op, left.(*array.Int64), right.(*scalar.Int64).Value), nil
	case arrow.FLOAT64:
		return compareArrayScalarForType[float64](allocator, op, left.(*array.Float64), right.(*scalar.Float64).Value), nil
	case arrow.STRING:
		return compareArrayScalarForType[string](allocator, op, left.(*array.String), string(right.(*scalar.String).Value.Bytes())), nil
	case arrow.BOOL:
		return compareBooleanArrayScalar(allocator, op, left.(*array.Boolean), right.(*scalar.Boolean).Value)
	default:
		return nil, fmt.Errorf("comparison is not supported for type %s", left.DataType())
	}
}

func compareArraysForType[T ordered](allocator memory.Allocator, op ComparisonOperator, left, right valueArray[T]) *array.Boolean {
	evaluate := orderedEvaluator[T](op)

	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(left.Len())
	for i := 0; i < left.Len(); i++ {
		if left.IsNull(i) || right.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(evaluate(left.Value(i), right.Value(i)))
	}
	return builder.NewBooleanArray()
}

func compareArrayScalarForType[T ordered](allocator memory.Allocator, op ComparisonOperator, left valueArray[T], right T) *array.Boolean {
	evaluate := orderedEvaluator[T](op)

	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(left.Len())
	for i := 0; i < left.Len(); i++ {
		if left.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(evaluate(left.Value(i), right))
	}
	return builder.NewBooleanArray()
}

// orderedEvaluator uses the language-native comparison operators, so floating point
// comparisons keep IEEE-754 semantics (NaN compares false against everything, except
// with !=).
func orderedEvaluator[T ordered](op ComparisonOperator) func(a, b T) bool {
	switch op {
	case Equal:
		return func(a, b T) bool { return a == b }
	case NotEqual:
		return func(a, b T) bool { return a != b }
	case Greater:
		return func(a, b T) bool { return a > b }
	case GreaterEqual:
		return func(a, b T) bool { return a >= b }
	case Less:
		return func(a, b T) bool { return a < b }
	case LessEqual:
		return func(a, b T) bool { return a <= b }
	default:
		panic(fmt.Sprintf("invalid comparison operator: %d", int(op)))
	}
}

func compareBooleanArrays(allocator memory.Allocator, op ComparisonOperator, left, right *array.Boolean) (*array.Boolean, error) {
	evaluate, err := booleanEvaluator(op)
	if err != nil {
		return nil, err
	}

	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(left.Len())
	for i := 0; i < left.Len(); i++ {
		if left.IsNull(i) || right.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(evaluate(left.Value(i), right.Value(i)))
	}
	return builder.NewBooleanArray(), nil
}

func compareBooleanArrayScalar(allocator memory.Allocator, op ComparisonOperator, left *array.Boolean, right bool) (*array.Boolean, error) {
	evaluate, err := booleanEvaluator(op)
	if err != nil {
		return nil, err
	}

	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(left.Len())
	for i := 0; i < left.Len(); i++ {
		if left.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(evaluate(left.Value(i), right))
	}
	return builder.NewBooleanArray(), nil
}

func booleanEvaluator(op ComparisonOperator) (func(a, b bool) bool, error) {
	switch op {
	case Equal:
		return func(a, b bool) bool { return a == b }, nil
	case NotEqual:
		return func(a, b bool) bool { return a != b }, nil
	default:
		return nil, fmt.Errorf("operator %s is not supported for booleans", op)
	}
}

func allNullBooleanArray(allocator memory.Allocator, length int) *array.Boolean {
	builder := array.NewBooleanBuilder(allocator)
	defer builder.Release()
	builder.Reserve(length)
	for i := 0; i < length; i++ {
		builder.AppendNull()
	}
	return builder.NewBooleanArray()
}
