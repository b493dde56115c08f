package execution

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/arrow/scalar"

	"github.com/quiverdb/quiver/execution/functions"
)

type Expression interface {
	Evaluate(ctx Context, record Record) (arrow.Array, error)
}

// ColumnReference evaluates to the referenced column of the input record.
type ColumnReference struct {
	index int
}

func NewColumnReference(index int) *ColumnReference {
	return &ColumnReference{index: index}
}

func (c *ColumnReference) Evaluate(ctx Context, record Record) (arrow.Array, error) {
	return record.Column(c.index), nil
}

// Constant broadcasts a scalar to the length of the input record. A null scalar
// broadcasts to an all-null array.
type Constant struct {
	Value scalar.Scalar
}

func NewConstant(value scalar.Scalar) *Constant {
	return &Constant{Value: value}
}

func (c *Constant) Evaluate(ctx Context, record Record) (arrow.Array, error) {
	return scalar.MakeArrayFromScalar(c.Value, int(record.NumRows()), memory.NewGoAllocator())
}

// Comparison evaluates both sides and applies a comparison kernel. If the right side
// is a Constant, the scalar-broadcast kernel is used directly, without materializing
// the constant into an array.
type Comparison struct {
	Operator    functions.ComparisonOperator
	Left, Right Expression
}

func NewComparison(op functions.ComparisonOperator, left, right Expression) *Comparison {
	return &Comparison{Operator: op, Left: left, Right: right}
}

func (c *Comparison) Evaluate(ctx Context, record Record) (arrow.Array, error) {
	left, err := c.Left.Evaluate(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("couldn't evaluate comparison left side: %w", err)
	}

	if constant, ok := c.Right.(*Constant); ok {
		out, err := functions.CompareArrayScalar(memory.NewGoAllocator(), c.Operator, left, constant.Value)
		if err != nil {
			return nil, fmt.Errorf("couldn't compare array against scalar: %w", err)
		}
		return out, nil
	}

	right, err := c.Right.Evaluate(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("couldn't evaluate comparison right side: %w", err)
	}
	out, err := functions.CompareArrays(memory.NewGoAllocator(), c.Operator, left, right)
	if err != nil {
		return nil, fmt.Errorf("couldn't compare arrays: %w", err)
	}
	return out, nil
}

type And struct {
	Left, Right Expression
}

func (a *And) Evaluate(ctx Context, record Record) (arrow.Array, error) {
	left, right, err := evaluateBooleanPair(ctx, record, a.Left, a.Right)
	if err != nil {
		return nil, err
	}
	out, err := functions.And(memory.NewGoAllocator(), left, right)
	if err != nil {
		return nil, fmt.Errorf("couldn't evaluate AND: %w", err)
	}
	return out, nil
}

type Or struct {
	Left, Right Expression
}

func (o *Or) Evaluate(ctx Context, record Record) (arrow.Array, error) {
	left, right, err := evaluateBooleanPair(ctx, record, o.Left, o.Right)
	if err != nil {
		return nil, err
	}
	out, err := functions.Or(memory.NewGoAllocator(), left, right)
	if err != nil {
		return nil, fmt.Errorf("couldn't evaluate OR: %w", err)
	}
	return out, nil
}

type Not struct {
	Source Expression
}

func (n *Not) Evaluate(ctx Context, record Record) (arrow.Array, error) {
	arg, err := n.Source.Evaluate(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("couldn't evaluate NOT argument: %w", err)
	}
	argTyped, ok := arg.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("NOT argument is not a boolean array: %s", arg.DataType())
	}
	return functions.Not(memory.NewGoAllocator(), argTyped), nil
}

func evaluateBooleanPair(ctx Context, record Record, left, right Expression) (*array.Boolean, *array.Boolean, error) {
	leftValue, err := left.Evaluate(ctx, record)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't evaluate left side: %w", err)
	}
	rightValue, err := right.Evaluate(ctx, record)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't evaluate right side: %w", err)
	}
	leftTyped, ok := leftValue.(*array.Boolean)
	if !ok {
		return nil, nil, fmt.Errorf("left side is not a boolean array: %s", leftValue.DataType())
	}
	rightTyped, ok := rightValue.(*array.Boolean)
	if !ok {
		return nil, nil, fmt.Errorf("right side is not a boolean array: %s", rightValue.DataType())
	}
	return leftTyped, rightTyped, nil
}
