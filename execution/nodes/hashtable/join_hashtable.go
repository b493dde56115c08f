package hashtable

import (
	"runtime"
	"sync"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/brentp/intintmap"
	"github.com/twotwotwo/sorts"
	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/execution/helpers"
)

// tablePartitionCount splits the build side by hash so table construction can run in
// parallel and probe lookups touch a smaller index each.
const tablePartitionCount = 7

// JoinTable is the materialized build (left) side of a hash join. Build rows are
// reordered so that rows with equal key hashes are adjacent; a probe looks up the
// first index for its hash and scans forward while hashes match, checking actual key
// equality on each candidate. Null keys never match unless nullEqualsNull is set;
// unmatched build rows stay in the table and are drained at the end for the join
// types that emit them.
type JoinTable struct {
	partitions []joinTablePartition

	buildSchema    *arrow.Schema
	outSchema      *arrow.Schema
	keyIndices     []int
	joinType       execution.JoinType
	nullEqualsNull bool

	// synchronized guards visited marking when multiple probe partitions share the
	// table (CollectLeft mode).
	synchronized bool
	mu           sync.Mutex
}

type joinTablePartition struct {
	hashStartIndices *intintmap.Map
	hashes           *array.Uint64
	values           execution.Record
	visited          []bool
}

func BuildJoinTable(
	records []execution.Record,
	buildSchema *arrow.Schema,
	outSchema *arrow.Schema,
	keyIndices []int,
	joinType execution.JoinType,
	nullEqualsNull bool,
	synchronized bool,
) *JoinTable {
	partitions := buildJoinTablePartitions(records, buildSchema, keyIndices)
	if joinType.TracksVisitedBuildRows() {
		for i := range partitions {
			partitions[i].visited = make([]bool, int(partitions[i].values.NumRows()))
		}
	}
	return &JoinTable{
		partitions:     partitions,
		buildSchema:    buildSchema,
		outSchema:      outSchema,
		keyIndices:     keyIndices,
		joinType:       joinType,
		nullEqualsNull: nullEqualsNull,
		synchronized:   synchronized,
	}
}

type hashRowPosition struct {
	hash        uint64
	recordIndex int
	rowIndex    int
}

func buildJoinTablePartitions(records []execution.Record, buildSchema *arrow.Schema, keyIndices []int) []joinTablePartition {
	keyHashers := make([]func(rowIndex int) uint64, len(records))
	for i, record := range records {
		keyHashers[i] = helpers.MakeRecordKeyHasher(record, keyIndices)
	}

	var overallRowCount int
	for _, record := range records {
		overallRowCount += int(record.NumRows())
	}

	hashPositionsOrdered := make([][]hashRowPosition, tablePartitionCount)
	for i := range hashPositionsOrdered {
		hashPositionsOrdered[i] = make([]hashRowPosition, 0, overallRowCount/tablePartitionCount+1)
	}

	for recordIndex, record := range records {
		numRows := int(record.NumRows())
		for rowIndex := 0; rowIndex < numRows; rowIndex++ {
			hash := keyHashers[recordIndex](rowIndex)
			partition := int(hash % uint64(tablePartitionCount))
			hashPositionsOrdered[partition] = append(hashPositionsOrdered[partition], hashRowPosition{
				hash:        hash,
				recordIndex: recordIndex,
				rowIndex:    rowIndex,
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(tablePartitionCount)
	joinTablePartitions := make([]joinTablePartition, tablePartitionCount)
	for part := 0; part < tablePartitionCount; part++ {
		part := part

		go func() {
			defer wg.Done()
			hashPositionsOrderedPartition := hashPositionsOrdered[part]
			sorts.ByUint64(sortHashPosition(hashPositionsOrderedPartition))

			joinTablePartitions[part] = joinTablePartition{
				hashStartIndices: buildHashIndex(hashPositionsOrderedPartition),
				hashes:           buildHashesArray(hashPositionsOrderedPartition),
				values:           buildRecord(records, buildSchema, hashPositionsOrderedPartition),
			}
		}()
	}
	wg.Wait()

	return joinTablePartitions
}

func buildHashIndex(hashPositionsOrdered []hashRowPosition) *intintmap.Map {
	if len(hashPositionsOrdered) == 0 {
		return intintmap.New(1, 0.6)
	}
	hashIndex := intintmap.New(1024, 0.6)
	hashIndex.Put(int64(hashPositionsOrdered[0].hash), 0)
	for i := 1; i < len(hashPositionsOrdered); i++ {
		if hashPositionsOrdered[i].hash != hashPositionsOrdered[i-1].hash {
			hashIndex.Put(int64(hashPositionsOrdered[i].hash), int64(i))
		}
	}
	return hashIndex
}

func buildHashesArray(hashPositionsOrdered []hashRowPosition) *array.Uint64 {
	hashesBuilder := array.NewUint64Builder(memory.NewGoAllocator())
	defer hashesBuilder.Release()
	hashesBuilder.Reserve(len(hashPositionsOrdered))
	for _, hashPosition := range hashPositionsOrdered {
		hashesBuilder.UnsafeAppend(hashPosition.hash)
	}
	return hashesBuilder.NewUint64Array()
}

func buildRecord(records []execution.Record, buildSchema *arrow.Schema, hashPositionsOrdered []hashRowPosition) execution.Record {
	recordBuilder := array.NewRecordBuilder(memory.NewGoAllocator(), buildSchema)
	recordBuilder.Reserve(len(hashPositionsOrdered))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	columnCount := len(recordBuilder.Fields())
	for columnIndex := 0; columnIndex < columnCount; columnIndex++ {
		columnRewriters := make([]func(rowIndex int), len(records))
		for recordIndex, record := range records {
			columnRewriters[recordIndex] = helpers.MakeColumnRewriter(recordBuilder.Field(columnIndex), record.Column(columnIndex))
		}

		g.Go(func() error {
			for _, hashPosition := range hashPositionsOrdered {
				columnRewriters[hashPosition.recordIndex](hashPosition.rowIndex)
			}
			return nil
		})
	}
	g.Wait()
	return execution.Record{Record: recordBuilder.NewRecord()}
}

type sortHashPosition []hashRowPosition

func (h sortHashPosition) Len() int {
	return len(h)
}

func (h sortHashPosition) Less(i, j int) bool {
	return h[i].hash < h[j].hash
}

func (h sortHashPosition) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h sortHashPosition) Key(i int) uint64 {
	return h[i].hash
}

func (t *JoinTable) markVisited(partitionIndex, rowIndex int) {
	if t.synchronized {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	t.partitions[partitionIndex].visited[rowIndex] = true
}

// probeEmitter accumulates output rows for one probe partition and flushes full
// batches through produce.
type probeEmitter struct {
	table         *JoinTable
	recordBuilder *array.RecordBuilder
	pendingRows   int
	produce       func(execution.Record) error

	// Offsets of the build and probe columns inside the output schema; -1 when the
	// side is not part of the output.
	buildColumnOffset int
	probeColumnOffset int
}

func (t *JoinTable) newProbeEmitter(produce func(execution.Record) error) *probeEmitter {
	buildColumnOffset := -1
	probeColumnOffset := -1
	switch {
	case t.joinType.OutputsBothSides():
		buildColumnOffset = 0
		probeColumnOffset = len(t.buildSchema.Fields())
	case t.joinType.OutputsBuildSideOnly():
		buildColumnOffset = 0
	case t.joinType.OutputsProbeSideOnly():
		probeColumnOffset = 0
	}
	return &probeEmitter{
		table:             t,
		recordBuilder:     array.NewRecordBuilder(memory.NewGoAllocator(), t.outSchema),
		produce:           produce,
		buildColumnOffset: buildColumnOffset,
		probeColumnOffset: probeColumnOffset,
	}
}

func (e *probeEmitter) rowDone() error {
	e.pendingRows++
	if e.pendingRows >= execution.IdealBatchSize {
		return e.flush()
	}
	return nil
}

func (e *probeEmitter) flush() error {
	if e.pendingRows == 0 {
		return nil
	}
	e.pendingRows = 0
	return e.produce(execution.Record{Record: e.recordBuilder.NewRecord()})
}

// ProbeBatch streams one probe-side batch against the table, emitting output rows
// according to the join type.
func (t *JoinTable) ProbeBatch(probe execution.Record, probeKeyIndices []int, produce func(execution.Record) error) error {
	emitter := t.newProbeEmitter(produce)

	probeKeyHasher := helpers.MakeRecordKeyHasher(probe, probeKeyIndices)

	probeKeys := make([]arrow.Array, len(probeKeyIndices))
	for i, keyIndex := range probeKeyIndices {
		probeKeys[i] = probe.Column(keyIndex)
	}
	partitionEqualityCheckers := make([]func(probeRowIndex, tableRowIndex int) bool, len(t.partitions))
	partitionBuildRewriters := make([][]func(rowIndex int), len(t.partitions))
	for partitionIndex := range t.partitions {
		tableKeys := make([]arrow.Array, len(t.keyIndices))
		for i, keyIndex := range t.keyIndices {
			tableKeys[i] = t.partitions[partitionIndex].values.Column(keyIndex)
		}
		partitionEqualityCheckers[partitionIndex] = helpers.MakeRowEqualityChecker(probeKeys, tableKeys, t.nullEqualsNull)
		if emitter.buildColumnOffset >= 0 {
			partitionBuildRewriters[partitionIndex] = t.makeBuildRewriters(emitter, partitionIndex)
		}
	}

	var probeRewriters []func(rowIndex int)
	var buildNullPadders []func()
	if emitter.probeColumnOffset >= 0 {
		probeRewriters = make([]func(rowIndex int), len(probe.Columns()))
		for i, column := range probe.Columns() {
			probeRewriters[i] = helpers.MakeColumnRewriter(emitter.recordBuilder.Field(emitter.probeColumnOffset+i), column)
		}
	}
	if t.joinType.EmitsUnmatchedProbeRows() {
		buildNullPadders = make([]func(), len(t.buildSchema.Fields()))
		for i := range buildNullPadders {
			buildNullPadders[i] = helpers.MakeNullRewriter(emitter.recordBuilder.Field(emitter.buildColumnOffset + i))
		}
	}

	numRows := int(probe.NumRows())
	for probeRowIndex := 0; probeRowIndex < numRows; probeRowIndex++ {
		keyHash := probeKeyHasher(probeRowIndex)
		partitionIndex := int(keyHash % uint64(len(t.partitions)))
		partition := t.partitions[partitionIndex]

		matched := false
		firstMatchingHashIndex, ok := partition.hashStartIndices.Get(int64(keyHash))
		if ok {
			for tableRowIndex := int(firstMatchingHashIndex); tableRowIndex < partition.hashes.Len(); tableRowIndex++ {
				if partition.hashes.Value(tableRowIndex) != keyHash {
					break
				}
				if !partitionEqualityCheckers[partitionIndex](probeRowIndex, tableRowIndex) {
					continue
				}
				matched = true
				if t.joinType.TracksVisitedBuildRows() {
					t.markVisited(partitionIndex, tableRowIndex)
				}

				if t.joinType.EmitsMatchedPairs() {
					for _, rewrite := range partitionBuildRewriters[partitionIndex] {
						rewrite(tableRowIndex)
					}
					for _, rewrite := range probeRewriters {
						rewrite(probeRowIndex)
					}
					if err := emitter.rowDone(); err != nil {
						return err
					}
				} else if t.joinType == execution.RightSemiJoin {
					for _, rewrite := range probeRewriters {
						rewrite(probeRowIndex)
					}
					if err := emitter.rowDone(); err != nil {
						return err
					}
					break
				} else if t.joinType.OutputsBuildSideOnly() {
					// Semi/anti on the build side only needs the visited marks.
					continue
				}
			}
		}

		if !matched {
			switch {
			case t.joinType.EmitsUnmatchedProbeRows():
				for _, pad := range buildNullPadders {
					pad()
				}
				for _, rewrite := range probeRewriters {
					rewrite(probeRowIndex)
				}
				if err := emitter.rowDone(); err != nil {
					return err
				}
			case t.joinType == execution.RightAntiJoin:
				for _, rewrite := range probeRewriters {
					rewrite(probeRowIndex)
				}
				if err := emitter.rowDone(); err != nil {
					return err
				}
			}
		}
	}

	return emitter.flush()
}

// DrainBuildSide emits the build rows owed after all probing finished: unmatched
// rows padded with probe-side nulls for Left/Full outer joins, matched rows for
// LeftSemi, unmatched rows for LeftAnti. Must be called exactly once, after the last
// ProbeBatch.
func (t *JoinTable) DrainBuildSide(produce func(execution.Record) error) error {
	if !t.joinType.TracksVisitedBuildRows() {
		return nil
	}
	emitter := t.newProbeEmitter(produce)

	var probeNullPadders []func()
	if t.joinType.PadsBuildSideNulls() {
		probeFieldCount := len(t.outSchema.Fields()) - len(t.buildSchema.Fields())
		probeNullPadders = make([]func(), probeFieldCount)
		for i := range probeNullPadders {
			probeNullPadders[i] = helpers.MakeNullRewriter(emitter.recordBuilder.Field(emitter.probeColumnOffset + i))
		}
	}

	wantVisited := t.joinType == execution.LeftSemiJoin

	for partitionIndex := range t.partitions {
		partition := &t.partitions[partitionIndex]
		buildRewriters := t.makeBuildRewriters(emitter, partitionIndex)

		numRows := int(partition.values.NumRows())
		for rowIndex := 0; rowIndex < numRows; rowIndex++ {
			if partition.visited[rowIndex] != wantVisited {
				continue
			}
			for _, rewrite := range buildRewriters {
				rewrite(rowIndex)
			}
			for _, pad := range probeNullPadders {
				pad()
			}
			if err := emitter.rowDone(); err != nil {
				return err
			}
		}
	}

	return emitter.flush()
}

func (t *JoinTable) makeBuildRewriters(emitter *probeEmitter, partitionIndex int) []func(rowIndex int) {
	values := t.partitions[partitionIndex].values
	rewriters := make([]func(rowIndex int), len(values.Columns()))
	for i, column := range values.Columns() {
		rewriters[i] = helpers.MakeColumnRewriter(emitter.recordBuilder.Field(emitter.buildColumnOffset+i), column)
	}
	return rewriters
}
