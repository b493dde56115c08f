package execution

import "fmt"

// JoinType selects which matched and unmatched rows a join emits. The left side is
// always the build side, the right side the probe side.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftOuterJoin
	RightOuterJoin
	FullOuterJoin
	LeftSemiJoin
	RightSemiJoin
	LeftAntiJoin
	RightAntiJoin
)

func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "Inner"
	case LeftOuterJoin:
		return "Left"
	case RightOuterJoin:
		return "Right"
	case FullOuterJoin:
		return "Full"
	case LeftSemiJoin:
		return "LeftSemi"
	case RightSemiJoin:
		return "RightSemi"
	case LeftAntiJoin:
		return "LeftAnti"
	case RightAntiJoin:
		return "RightAnti"
	default:
		return fmt.Sprintf("JoinType(%d)", int(t))
	}
}

// OutputsBothSides reports whether output rows carry the columns of both sides.
func (t JoinType) OutputsBothSides() bool {
	switch t {
	case InnerJoin, LeftOuterJoin, RightOuterJoin, FullOuterJoin:
		return true
	default:
		return false
	}
}

// OutputsBuildSideOnly reports whether output rows carry only the build (left) side.
func (t JoinType) OutputsBuildSideOnly() bool {
	return t == LeftSemiJoin || t == LeftAntiJoin
}

// OutputsProbeSideOnly reports whether output rows carry only the probe (right) side.
func (t JoinType) OutputsProbeSideOnly() bool {
	return t == RightSemiJoin || t == RightAntiJoin
}

// EmitsMatchedPairs reports whether each matching build/probe row pair produces an
// output row.
func (t JoinType) EmitsMatchedPairs() bool {
	return t.OutputsBothSides()
}

// EmitsUnmatchedProbeRows reports whether probe rows without a match are emitted,
// padded with nulls on the build side.
func (t JoinType) EmitsUnmatchedProbeRows() bool {
	return t == RightOuterJoin || t == FullOuterJoin
}

// TracksVisitedBuildRows reports whether the join must remember which build rows
// matched, to emit matched (semi), unmatched (anti) or null-padded unmatched (outer)
// build rows after probing finishes.
func (t JoinType) TracksVisitedBuildRows() bool {
	switch t {
	case LeftOuterJoin, FullOuterJoin, LeftSemiJoin, LeftAntiJoin:
		return true
	default:
		return false
	}
}

// PadsBuildSideNulls reports whether unmatched build rows are emitted padded with
// nulls on the probe side.
func (t JoinType) PadsBuildSideNulls() bool {
	return t == LeftOuterJoin || t == FullOuterJoin
}
