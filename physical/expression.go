package physical

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v13/arrow"
	arrowscalar "github.com/apache/arrow/go/v13/arrow/scalar"
	"github.com/pkg/errors"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/functions"
)

// Expression is a typed scalar expression over the fields of one input schema. All
// type checking happens in the constructors, so a successfully built expression
// materializes and evaluates without type errors.
type Expression struct {
	Type arrow.DataType

	ExpressionType ExpressionType
	// Only one of the below may be non-nil.
	Column     *Column
	Constant   *Constant
	Comparison *Comparison
	And        *And
	Or         *Or
	Not        *Not
}

type ExpressionType int

const (
	ExpressionTypeColumn ExpressionType = iota
	ExpressionTypeConstant
	ExpressionTypeComparison
	ExpressionTypeAnd
	ExpressionTypeOr
	ExpressionTypeNot
)

type Column struct {
	Name  string
	Index int
}

type Constant struct {
	Value arrowscalar.Scalar
}

type Comparison struct {
	Operator    functions.ComparisonOperator
	Left, Right Expression
}

type And struct {
	Left, Right Expression
}

type Or struct {
	Left, Right Expression
}

type Not struct {
	Source Expression
}

func NewColumn(schema *arrow.Schema, index int) (Expression, error) {
	if index < 0 || index >= len(schema.Fields()) {
		return Expression{}, errors.Errorf("column index %d out of range for schema with %d fields", index, len(schema.Fields()))
	}
	field := schema.Field(index)
	return Expression{
		Type:           field.Type,
		ExpressionType: ExpressionTypeColumn,
		Column: &Column{
			Name:  field.Name,
			Index: index,
		},
	}, nil
}

func NewColumnByName(schema *arrow.Schema, name string) (Expression, error) {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return Expression{}, errors.Errorf("no column named %s", name)
	}
	if len(indices) > 1 {
		return Expression{}, errors.Errorf("ambiguous column name %s", name)
	}
	return NewColumn(schema, indices[0])
}

func NewConstant(value arrowscalar.Scalar) Expression {
	return Expression{
		Type:           value.DataType(),
		ExpressionType: ExpressionTypeConstant,
		Constant: &Constant{
			Value: value,
		},
	}
}

// NewComparison type checks the comparison at plan time: both sides must have the
// same type and the operator must be supported for it.
func NewComparison(op functions.ComparisonOperator, left, right Expression) (Expression, error) {
	if !arrow.TypeEqual(left.Type, right.Type) {
		return Expression{}, errors.Errorf("comparison operands have mismatched types: %s and %s", left.Type, right.Type)
	}
	if err := functions.ComparisonSupported(op, left.Type); err != nil {
		return Expression{}, errors.Wrap(err, "unsupported comparison")
	}
	return Expression{
		Type:           arrow.FixedWidthTypes.Boolean,
		ExpressionType: ExpressionTypeComparison,
		Comparison: &Comparison{
			Operator: op,
			Left:     left,
			Right:    right,
		},
	}, nil
}

func NewAnd(left, right Expression) (Expression, error) {
	if err := requireBoolean("AND", left, right); err != nil {
		return Expression{}, err
	}
	return Expression{
		Type:           arrow.FixedWidthTypes.Boolean,
		ExpressionType: ExpressionTypeAnd,
		And:            &And{Left: left, Right: right},
	}, nil
}

func NewOr(left, right Expression) (Expression, error) {
	if err := requireBoolean("OR", left, right); err != nil {
		return Expression{}, err
	}
	return Expression{
		Type:           arrow.FixedWidthTypes.Boolean,
		ExpressionType: ExpressionTypeOr,
		Or:             &Or{Left: left, Right: right},
	}, nil
}

func NewNot(source Expression) (Expression, error) {
	if err := requireBoolean("NOT", source); err != nil {
		return Expression{}, err
	}
	return Expression{
		Type:           arrow.FixedWidthTypes.Boolean,
		ExpressionType: ExpressionTypeNot,
		Not:            &Not{Source: source},
	}, nil
}

func requireBoolean(operator string, args ...Expression) error {
	for _, arg := range args {
		if arg.Type.ID() != arrow.BOOL {
			return errors.Errorf("%s argument must be a boolean, got %s", operator, arg.Type)
		}
	}
	return nil
}

func (expr *Expression) Materialize() (execution.Expression, error) {
	switch expr.ExpressionType {
	case ExpressionTypeColumn:
		return execution.NewColumnReference(expr.Column.Index), nil

	case ExpressionTypeConstant:
		return execution.NewConstant(expr.Constant.Value), nil

	case ExpressionTypeComparison:
		left, err := expr.Comparison.Left.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize comparison left side")
		}
		right, err := expr.Comparison.Right.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize comparison right side")
		}
		return execution.NewComparison(expr.Comparison.Operator, left, right), nil

	case ExpressionTypeAnd:
		left, err := expr.And.Left.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize AND left side")
		}
		right, err := expr.And.Right.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize AND right side")
		}
		return &execution.And{Left: left, Right: right}, nil

	case ExpressionTypeOr:
		left, err := expr.Or.Left.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize OR left side")
		}
		right, err := expr.Or.Right.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize OR right side")
		}
		return &execution.Or{Left: left, Right: right}, nil

	case ExpressionTypeNot:
		source, err := expr.Not.Source.Materialize()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't materialize NOT argument")
		}
		return &execution.Not{Source: source}, nil

	default:
		return nil, errors.Errorf("invalid expression type: %d", expr.ExpressionType)
	}
}

// String renders the expression the way plan descriptions show it.
func (expr Expression) String() string {
	switch expr.ExpressionType {
	case ExpressionTypeColumn:
		return fmt.Sprintf("%s@%d", expr.Column.Name, expr.Column.Index)
	case ExpressionTypeConstant:
		if !expr.Constant.Value.IsValid() {
			return "NULL"
		}
		return strings.TrimSpace(expr.Constant.Value.String())
	case ExpressionTypeComparison:
		return fmt.Sprintf("%s %s %s", expr.Comparison.Left, expr.Comparison.Operator, expr.Comparison.Right)
	case ExpressionTypeAnd:
		return fmt.Sprintf("(%s AND %s)", expr.And.Left, expr.And.Right)
	case ExpressionTypeOr:
		return fmt.Sprintf("(%s OR %s)", expr.Or.Left, expr.Or.Right)
	case ExpressionTypeNot:
		return fmt.Sprintf("NOT %s", expr.Not.Source)
	default:
		return fmt.Sprintf("Expression(%d)", expr.ExpressionType)
	}
}

// columnIndices returns the input column indices the expression reads.
func (expr *Expression) columnIndices() []int {
	var out []int
	expr.visitColumns(func(index int) {
		out = append(out, index)
	})
	return out
}

func (expr *Expression) visitColumns(visit func(index int)) {
	switch expr.ExpressionType {
	case ExpressionTypeColumn:
		visit(expr.Column.Index)
	case ExpressionTypeComparison:
		expr.Comparison.Left.visitColumns(visit)
		expr.Comparison.Right.visitColumns(visit)
	case ExpressionTypeAnd:
		expr.And.Left.visitColumns(visit)
		expr.And.Right.visitColumns(visit)
	case ExpressionTypeOr:
		expr.Or.Left.visitColumns(visit)
		expr.Or.Right.visitColumns(visit)
	case ExpressionTypeNot:
		expr.Not.Source.visitColumns(visit)
	}
}
