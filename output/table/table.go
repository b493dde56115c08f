package table

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/olekukonko/tablewriter"

	"github.com/quiverdb/quiver/execution"
)

// Formatter renders records as a text table. Rows are appended per batch; Close
// renders the accumulated table.
type Formatter struct {
	table *tablewriter.Table
}

func NewFormatter(w io.Writer, schema *arrow.Schema) *Formatter {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(24)
	table.SetRowLine(false)
	table.SetAutoFormatHeaders(false)

	header := make([]string, len(schema.Fields()))
	for i, field := range schema.Fields() {
		header[i] = field.Name
	}
	table.SetHeader(header)

	return &Formatter{
		table: table,
	}
}

func (f *Formatter) Write(record execution.Record) error {
	rows := int(record.NumRows())
	for rowIndex := 0; rowIndex < rows; rowIndex++ {
		row := make([]string, len(record.Columns()))
		for i, column := range record.Columns() {
			value, err := formatValue(column, rowIndex)
			if err != nil {
				return err
			}
			row[i] = value
		}
		f.table.Append(row)
	}
	return nil
}

func (f *Formatter) Close() error {
	f.table.Render()
	return nil
}

func formatValue(column arrow.Array, rowIndex int) (string, error) {
	if column.IsNull(rowIndex) {
		return "NULL", nil
	}
	switch typed := column.(type) {
	case *array.Int64:
		return strconv.FormatInt(typed.Value(rowIndex), 10), nil
	case *array.Float64:
		return strconv.FormatFloat(typed.Value(rowIndex), 'g', -1, 64), nil
	case *array.String:
		return typed.Value(rowIndex), nil
	case *array.Boolean:
		return strconv.FormatBool(typed.Value(rowIndex)), nil
	default:
		return "", fmt.Errorf("unsupported output column type: %s", column.DataType())
	}
}
