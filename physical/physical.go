package physical

import (
	"context"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/pkg/errors"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/aggregates"
	"github.com/quiverdb/quiver/execution/nodes"
)

// NoFetchLimit marks an absent fetch bound.
const NoFetchLimit = nodes.NoFetchLimit

// Node is one operator of a physical plan, with the static metadata every operator
// exposes: output schema, output partitioning, the per-partition output ordering it
// guarantees (nil when unordered) and whether its output is unbounded. Construction
// goes through the New* functions, which validate types and derive the metadata, so
// a built plan materializes without type errors.
type Node struct {
	Schema       *arrow.Schema
	Partitioning Partitioning
	Ordering     []execution.SortKey
	Unbounded    bool

	NodeType NodeType
	// Only one of the below may be non-nil.
	Datasource          *Datasource
	Filter              *Filter
	Map                 *Map
	Repartition         *Repartition
	CoalesceBatches     *CoalesceBatches
	HashJoin            *HashJoin
	GroupBy             *GroupBy
	Sort                *Sort
	SortPreservingMerge *SortPreservingMerge
	Limit               *Limit
}

type NodeType int

const (
	NodeTypeDatasource NodeType = iota
	NodeTypeFilter
	NodeTypeMap
	NodeTypeRepartition
	NodeTypeCoalesceBatches
	NodeTypeHashJoin
	NodeTypeGroupBy
	NodeTypeSort
	NodeTypeSortPreservingMerge
	NodeTypeLimit
)

type PartitioningKind int

const (
	// PartitioningArbitrary makes no promise about which partition a row lives in.
	PartitioningArbitrary PartitioningKind = iota
	// PartitioningHash promises rows with equal values of the key columns live in
	// the same partition.
	PartitioningHash
)

type Partitioning struct {
	Count      int
	Kind       PartitioningKind
	KeyIndices []int
}

// SatisfiesHash reports whether the partitioning already co-locates equal values of
// the given key columns.
func (p Partitioning) SatisfiesHash(keyIndices []int) bool {
	if p.Kind != PartitioningHash || len(p.KeyIndices) != len(keyIndices) {
		return false
	}
	for i := range keyIndices {
		if p.KeyIndices[i] != keyIndices[i] {
			return false
		}
	}
	return true
}

// DatasourceImplementation is the scan contract a datasource exposes to the planner.
type DatasourceImplementation interface {
	Schema() *arrow.Schema
	Partitions() int
	Ordering() []execution.SortKey
	Unbounded() bool
	Materialize(ctx context.Context) (execution.Node, error)
}

type Datasource struct {
	Name           string
	Implementation DatasourceImplementation
}

type Filter struct {
	Source    Node
	Predicate Expression
}

type Map struct {
	Source      Node
	Expressions []Expression
	Names       []string
}

type Repartition struct {
	Source      Node
	Kind        nodes.PartitioningKind
	KeyIndices  []int
	OutputCount int
}

type CoalesceBatches struct {
	Source          Node
	TargetBatchSize int
}

type HashJoin struct {
	Left  Node
	Right Node

	LeftKeyIndices  []int
	RightKeyIndices []int
	JoinType        execution.JoinType
	Mode            nodes.JoinMode
	NullEqualsNull  bool
}

type AggregateExpression struct {
	Function    aggregates.Function
	ColumnIndex int
}

type GroupBy struct {
	Source     Node
	KeyIndices []int
	Aggregates []AggregateExpression
}

type Sort struct {
	Source   Node
	SortKeys []execution.SortKey
	Fetch    int
}

type SortPreservingMerge struct {
	Source   Node
	SortKeys []execution.SortKey
	Fetch    int
}

type Limit struct {
	Source Node
	Skip   int
	Fetch  int
}

func NewDatasource(name string, implementation DatasourceImplementation) (Node, error) {
	if implementation.Partitions() < 1 {
		return Node{}, errors.Errorf("datasource %s must have at least one partition", name)
	}
	return Node{
		Schema:       implementation.Schema(),
		Partitioning: Partitioning{Count: implementation.Partitions()},
		Ordering:     implementation.Ordering(),
		Unbounded:    implementation.Unbounded(),
		NodeType:     NodeTypeDatasource,
		Datasource: &Datasource{
			Name:           name,
			Implementation: implementation,
		},
	}, nil
}

func NewFilter(source Node, predicate Expression) (Node, error) {
	if predicate.Type.ID() != arrow.BOOL {
		return Node{}, errors.Errorf("filter predicate must be a boolean, got %s", predicate.Type)
	}
	if err := validateColumnIndices(source.Schema, predicate.columnIndices()); err != nil {
		return Node{}, errors.Wrap(err, "invalid filter predicate")
	}
	return Node{
		Schema:       source.Schema,
		Partitioning: source.Partitioning,
		Ordering:     source.Ordering,
		Unbounded:    source.Unbounded,
		NodeType:     NodeTypeFilter,
		Filter: &Filter{
			Source:    source,
			Predicate: predicate,
		},
	}, nil
}

func NewMap(source Node, names []string, expressions []Expression) (Node, error) {
	if len(names) != len(expressions) {
		return Node{}, errors.Errorf("map has %d names for %d expressions", len(names), len(expressions))
	}
	fields := make([]arrow.Field, len(expressions))
	for i := range expressions {
		if err := validateColumnIndices(source.Schema, expressions[i].columnIndices()); err != nil {
			return Node{}, errors.Wrapf(err, "invalid map expression %d", i)
		}
		fields[i] = arrow.Field{
			Name:     names[i],
			Type:     expressions[i].Type,
			Nullable: true,
		}
	}
	node := Node{
		Schema:       arrow.NewSchema(fields, nil),
		Partitioning: remapPartitioning(source.Partitioning, expressions),
		Ordering:     remapOrdering(source.Ordering, expressions),
		Unbounded:    source.Unbounded,
		NodeType:     NodeTypeMap,
		Map: &Map{
			Source:      source,
			Expressions: expressions,
			Names:       names,
		},
	}
	return node, nil
}

func NewRepartition(source Node, outputCount int, kind nodes.PartitioningKind, keyIndices []int) (Node, error) {
	if outputCount < 1 {
		return Node{}, errors.Errorf("repartition must have at least one output partition, got %d", outputCount)
	}
	partitioning := Partitioning{Count: outputCount}
	switch kind {
	case nodes.RoundRobin:
	case nodes.HashKeys:
		if len(keyIndices) == 0 {
			return Node{}, errors.New("hash repartition requires at least one key column")
		}
		if err := validateKeyColumns(source.Schema, keyIndices); err != nil {
			return Node{}, errors.Wrap(err, "invalid hash repartition keys")
		}
		partitioning.Kind = PartitioningHash
		partitioning.KeyIndices = keyIndices
	default:
		return Node{}, errors.Errorf("invalid partitioning kind: %d", kind)
	}

	// Order within an output partition survives only when there is a single input
	// partition; otherwise batches of different inputs interleave nondeterministically.
	var ordering []execution.SortKey
	if source.Partitioning.Count == 1 {
		ordering = source.Ordering
	}

	return Node{
		Schema:       source.Schema,
		Partitioning: partitioning,
		Ordering:     ordering,
		Unbounded:    source.Unbounded,
		NodeType:     NodeTypeRepartition,
		Repartition: &Repartition{
			Source:      source,
			Kind:        kind,
			KeyIndices:  keyIndices,
			OutputCount: outputCount,
		},
	}, nil
}

func NewCoalesceBatches(source Node, targetBatchSize int) (Node, error) {
	if targetBatchSize < 1 {
		return Node{}, errors.Errorf("coalesce target batch size must be positive, got %d", targetBatchSize)
	}
	return Node{
		Schema:       source.Schema,
		Partitioning: source.Partitioning,
		Ordering:     source.Ordering,
		Unbounded:    source.Unbounded,
		NodeType:     NodeTypeCoalesceBatches,
		CoalesceBatches: &CoalesceBatches{
			Source:          source,
			TargetBatchSize: targetBatchSize,
		},
	}, nil
}

func NewHashJoin(left, right Node, leftKeyIndices, rightKeyIndices []int, joinType execution.JoinType, mode nodes.JoinMode, nullEqualsNull bool) (Node, error) {
	if len(leftKeyIndices) == 0 || len(leftKeyIndices) != len(rightKeyIndices) {
		return Node{}, errors.Errorf("hash join requires matching non-empty key column lists, got %d and %d", len(leftKeyIndices), len(rightKeyIndices))
	}
	if err := validateKeyColumns(left.Schema, leftKeyIndices); err != nil {
		return Node{}, errors.Wrap(err, "invalid left join keys")
	}
	if err := validateKeyColumns(right.Schema, rightKeyIndices); err != nil {
		return Node{}, errors.Wrap(err, "invalid right join keys")
	}
	for i := range leftKeyIndices {
		leftType := left.Schema.Field(leftKeyIndices[i]).Type
		rightType := right.Schema.Field(rightKeyIndices[i]).Type
		if !arrow.TypeEqual(leftType, rightType) {
			return Node{}, errors.Errorf("join key %d has mismatched types: %s and %s", i, leftType, rightType)
		}
	}
	if left.Unbounded {
		return Node{}, errors.New("hash join cannot materialize an unbounded build side")
	}
	if right.Unbounded && joinType.TracksVisitedBuildRows() {
		return Node{}, errors.Errorf("%s join over an unbounded probe side never emits its build side", joinType)
	}

	schema := joinSchema(left.Schema, right.Schema, joinType)

	outputCount := right.Partitioning.Count
	partitioning := Partitioning{Count: outputCount}
	if mode == nodes.Partitioned {
		partitioning.Kind = PartitioningHash
		switch {
		case joinType.OutputsBuildSideOnly():
			partitioning.KeyIndices = leftKeyIndices
		case joinType.OutputsProbeSideOnly():
			partitioning.KeyIndices = rightKeyIndices
		default:
			partitioning.KeyIndices = shiftIndices(rightKeyIndices, len(left.Schema.Fields()))
		}
	}

	// Matched and unmatched probe rows come out in probe order; only the terminal
	// build side drain breaks it.
	var ordering []execution.SortKey
	if !joinType.TracksVisitedBuildRows() && !joinType.OutputsBuildSideOnly() {
		offset := 0
		if joinType.OutputsBothSides() {
			offset = len(left.Schema.Fields())
		}
		ordering = shiftOrdering(right.Ordering, offset)
	}

	return Node{
		Schema:       schema,
		Partitioning: partitioning,
		Ordering:     ordering,
		Unbounded:    right.Unbounded,
		NodeType:     NodeTypeHashJoin,
		HashJoin: &HashJoin{
			Left:            left,
			Right:           right,
			LeftKeyIndices:  leftKeyIndices,
			RightKeyIndices: rightKeyIndices,
			JoinType:        joinType,
			Mode:            mode,
			NullEqualsNull:  nullEqualsNull,
		},
	}, nil
}

// joinSchema derives the output schema: both sides for the full join types, the
// retained side only for semi and anti joins. A side that gets null-padded for
// unmatched rows of the other side becomes nullable in the output.
func joinSchema(left, right *arrow.Schema, joinType execution.JoinType) *arrow.Schema {
	switch {
	case joinType.OutputsBuildSideOnly():
		return left
	case joinType.OutputsProbeSideOnly():
		return right
	}
	fields := make([]arrow.Field, 0, len(left.Fields())+len(right.Fields()))
	for _, field := range left.Fields() {
		field.Nullable = field.Nullable || joinType.EmitsUnmatchedProbeRows()
		fields = append(fields, field)
	}
	for _, field := range right.Fields() {
		field.Nullable = field.Nullable || joinType.PadsBuildSideNulls()
		fields = append(fields, field)
	}
	return arrow.NewSchema(fields, nil)
}

func NewGroupBy(source Node, keyIndices []int, aggregateExprs []AggregateExpression) (Node, error) {
	if source.Unbounded {
		return Node{}, errors.New("group by cannot aggregate an unbounded source")
	}
	if err := validateKeyColumns(source.Schema, keyIndices); err != nil {
		return Node{}, errors.Wrap(err, "invalid group by keys")
	}

	fields := make([]arrow.Field, 0, len(keyIndices)+len(aggregateExprs))
	for _, keyIndex := range keyIndices {
		field := source.Schema.Field(keyIndex)
		field.Nullable = true
		fields = append(fields, field)
	}
	for _, aggregate := range aggregateExprs {
		if aggregate.ColumnIndex < 0 || aggregate.ColumnIndex >= len(source.Schema.Fields()) {
			return Node{}, errors.Errorf("aggregate column index %d out of range", aggregate.ColumnIndex)
		}
		inputField := source.Schema.Field(aggregate.ColumnIndex)
		stateType, err := aggregate.Function.StateType(inputField.Type)
		if err != nil {
			return Node{}, errors.Wrap(err, "invalid aggregate")
		}
		fields = append(fields, arrow.Field{
			Name:     aggregate.Function.String() + "(" + inputField.Name + ")",
			Type:     stateType,
			Nullable: aggregate.Function != aggregates.Count,
		})
	}

	outKeyIndices := make([]int, len(keyIndices))
	for i := range outKeyIndices {
		outKeyIndices[i] = i
	}

	return Node{
		Schema: arrow.NewSchema(fields, nil),
		Partitioning: Partitioning{
			Count:      source.Partitioning.Count,
			Kind:       PartitioningHash,
			KeyIndices: outKeyIndices,
		},
		NodeType: NodeTypeGroupBy,
		GroupBy: &GroupBy{
			Source:     source,
			KeyIndices: keyIndices,
			Aggregates: aggregateExprs,
		},
	}, nil
}

// NewSort orders every partition by the sort keys. When the source already
// guarantees the requested ordering and no fetch is applied, the sort is redundant
// and the source is returned unchanged.
func NewSort(source Node, sortKeys []execution.SortKey, fetch int) (Node, error) {
	if err := validateSortKeys(source.Schema, sortKeys); err != nil {
		return Node{}, err
	}
	// An elided sort buffers nothing, so it is fine over an unbounded source; only a
	// sort that actually has to run must reject one.
	if fetch == NoFetchLimit && OrderingSatisfies(source.Ordering, sortKeys) {
		return source, nil
	}
	if source.Unbounded {
		return Node{}, errors.New("sort cannot buffer an unbounded source")
	}
	return Node{
		Schema:       source.Schema,
		Partitioning: source.Partitioning,
		Ordering:     sortKeys,
		NodeType:     NodeTypeSort,
		Sort: &Sort{
			Source:   source,
			SortKeys: sortKeys,
			Fetch:    fetch,
		},
	}, nil
}

func NewSortPreservingMerge(source Node, sortKeys []execution.SortKey, fetch int) (Node, error) {
	if err := validateSortKeys(source.Schema, sortKeys); err != nil {
		return Node{}, err
	}
	if !OrderingSatisfies(source.Ordering, sortKeys) {
		return Node{}, errors.New("sort preserving merge requires input partitions already sorted by the merge keys")
	}
	return Node{
		Schema:       source.Schema,
		Partitioning: Partitioning{Count: 1},
		Ordering:     sortKeys,
		Unbounded:    source.Unbounded && fetch == NoFetchLimit,
		NodeType:     NodeTypeSortPreservingMerge,
		SortPreservingMerge: &SortPreservingMerge{
			Source:   source,
			SortKeys: sortKeys,
			Fetch:    fetch,
		},
	}, nil
}

func NewLimit(source Node, skip, fetch int) (Node, error) {
	if source.Partitioning.Count != 1 {
		return Node{}, errors.Errorf("limit requires a single input partition, got %d", source.Partitioning.Count)
	}
	if skip < 0 {
		return Node{}, errors.Errorf("limit skip must be non-negative, got %d", skip)
	}
	if fetch < 0 && fetch != NoFetchLimit {
		return Node{}, errors.Errorf("invalid limit fetch: %d", fetch)
	}
	return Node{
		Schema:       source.Schema,
		Partitioning: source.Partitioning,
		Ordering:     source.Ordering,
		Unbounded:    source.Unbounded && fetch == NoFetchLimit,
		NodeType:     NodeTypeLimit,
		Limit: &Limit{
			Source: source,
			Skip:   skip,
			Fetch:  fetch,
		},
	}, nil
}

// OrderingSatisfies reports whether rows ordered by actual are also ordered by
// required, i.e. required is a prefix of actual with identical directions.
func OrderingSatisfies(actual, required []execution.SortKey) bool {
	if len(required) > len(actual) {
		return false
	}
	for i := range required {
		if actual[i] != required[i] {
			return false
		}
	}
	return true
}

func validateColumnIndices(schema *arrow.Schema, indices []int) error {
	for _, index := range indices {
		if index < 0 || index >= len(schema.Fields()) {
			return errors.Errorf("column index %d out of range for schema with %d fields", index, len(schema.Fields()))
		}
	}
	return nil
}

func validateKeyColumns(schema *arrow.Schema, indices []int) error {
	if err := validateColumnIndices(schema, indices); err != nil {
		return err
	}
	for _, index := range indices {
		switch schema.Field(index).Type.ID() {
		case arrow.INT64, arrow.FLOAT64, arrow.STRING, arrow.BOOL:
		default:
			return errors.Errorf("unsupported key column type: %s", schema.Field(index).Type)
		}
	}
	return nil
}

func validateSortKeys(schema *arrow.Schema, sortKeys []execution.SortKey) error {
	if len(sortKeys) == 0 {
		return errors.New("at least one sort key is required")
	}
	indices := make([]int, len(sortKeys))
	for i, key := range sortKeys {
		indices[i] = key.ColumnIndex
	}
	return errors.Wrap(validateKeyColumns(schema, indices), "invalid sort keys")
}

func shiftIndices(indices []int, offset int) []int {
	out := make([]int, len(indices))
	for i, index := range indices {
		out[i] = index + offset
	}
	return out
}

func shiftOrdering(ordering []execution.SortKey, offset int) []execution.SortKey {
	if len(ordering) == 0 {
		return nil
	}
	out := make([]execution.SortKey, len(ordering))
	for i, key := range ordering {
		key.ColumnIndex += offset
		out[i] = key
	}
	return out
}

// remapOrdering translates the source ordering into output column indices of a
// projection. The ordering survives only as far as its columns come through as bare
// column references.
func remapOrdering(ordering []execution.SortKey, expressions []Expression) []execution.SortKey {
	var out []execution.SortKey
	for _, key := range ordering {
		outIndex, ok := findColumnExpression(expressions, key.ColumnIndex)
		if !ok {
			break
		}
		key.ColumnIndex = outIndex
		out = append(out, key)
	}
	return out
}

// remapPartitioning translates a hash partitioning into output column indices of a
// projection, degrading to arbitrary when any key column is projected away.
func remapPartitioning(partitioning Partitioning, expressions []Expression) Partitioning {
	out := Partitioning{Count: partitioning.Count}
	if partitioning.Kind != PartitioningHash {
		return out
	}
	keyIndices := make([]int, len(partitioning.KeyIndices))
	for i, keyIndex := range partitioning.KeyIndices {
		outIndex, ok := findColumnExpression(expressions, keyIndex)
		if !ok {
			return out
		}
		keyIndices[i] = outIndex
	}
	out.Kind = PartitioningHash
	out.KeyIndices = keyIndices
	return out
}

func findColumnExpression(expressions []Expression, sourceIndex int) (int, bool) {
	for i := range expressions {
		if expressions[i].ExpressionType == ExpressionTypeColumn && expressions[i].Column.Index == sourceIndex {
			return i, true
		}
	}
	return 0, false
}
