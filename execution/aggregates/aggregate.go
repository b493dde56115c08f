package aggregates

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
)

// Aggregate accumulates one function's running state, indexed by group entry.
// Consumers are created per input batch; GetBatch extracts a window of the final
// state as an Arrow array. Null input rows are skipped; a group with no non-null
// inputs yields a null state (except count, which yields 0).
type Aggregate interface {
	MakeColumnConsumer(arr arrow.Array) func(entryIndex int, rowIndex int)
	GetBatch(length int, offset int) arrow.Array
}

type Function int

const (
	Sum Function = iota
	Count
	Min
	Max
)

func (f Function) String() string {
	switch f {
	case Sum:
		return "sum"
	case Count:
		return "count"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("Function(%d)", int(f))
	}
}

// StateType is the type of the partial accumulator state (and of the final output)
// for the function over the given input type. Unsupported combinations are reported
// here, at plan construction time.
func (f Function) StateType(dt arrow.DataType) (arrow.DataType, error) {
	switch f {
	case Sum:
		switch dt.ID() {
		case arrow.INT64, arrow.FLOAT64:
			return dt, nil
		}
		return nil, fmt.Errorf("sum is not supported for type %s", dt)
	case Count:
		return arrow.PrimitiveTypes.Int64, nil
	case Min, Max:
		switch dt.ID() {
		case arrow.INT64, arrow.FLOAT64, arrow.STRING:
			return dt, nil
		}
		return nil, fmt.Errorf("%s is not supported for type %s", f, dt)
	default:
		return nil, fmt.Errorf("unknown aggregate function: %d", int(f))
	}
}

// NewAccumulator returns the raw-input accumulator used by the partial phase.
func (f Function) NewAccumulator(dt arrow.DataType) (Aggregate, error) {
	switch f {
	case Sum:
		return newSum(dt)
	case Count:
		return newCount(), nil
	case Min:
		return newMinMax(dt, true)
	case Max:
		return newMinMax(dt, false)
	default:
		return nil, fmt.Errorf("unknown aggregate function: %d", int(f))
	}
}

// NewMerger returns the accumulator merging partial states in the final phase. Its
// input type is the function's state type. Merging is associative and commutative,
// so the final result is independent of partition count and row order.
func (f Function) NewMerger(dt arrow.DataType) (Aggregate, error) {
	stateType, err := f.StateType(dt)
	if err != nil {
		return nil, err
	}
	switch f {
	case Sum, Count:
		// Partial counts merge by summation.
		return newSum(stateType)
	case Min:
		return newMinMax(stateType, true)
	case Max:
		return newMinMax(stateType, false)
	default:
		return nil, fmt.Errorf("unknown aggregate function: %d", int(f))
	}
}
