package notebook

import (
	"reflect"
	"sort"
	"strconv"
	"sync"
)

type ChangeKind int

const (
	CellInserted ChangeKind = iota
	CellDeleted
	CellMoved
	SourceChanged
	CellMetadataChanged
	OutputsChanged
	ExecutionCountChanged
	NotebookMetadataChanged
)

func (k ChangeKind) String() string {
	switch k {
	case CellInserted:
		return "cell-inserted"
	case CellDeleted:
		return "cell-deleted"
	case CellMoved:
		return "cell-moved"
	case SourceChanged:
		return "source-changed"
	case CellMetadataChanged:
		return "cell-metadata-changed"
	case OutputsChanged:
		return "outputs-changed"
	case ExecutionCountChanged:
		return "execution-count-changed"
	case NotebookMetadataChanged:
		return "notebook-metadata-changed"
	}
	return "unknown"
}

// Structural reports whether the event changed the position of cells.
func (k ChangeKind) Structural() bool {
	return k == CellInserted || k == CellDeleted || k == CellMoved
}

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// ChangeEvent describes one observed difference between the document before and after a change.
//
//   - CellInserted: After is the Cell, Index its new position
//   - CellDeleted: Before is the Cell, Index its old position
//   - CellMoved: Before and After are the old and new index
//   - SourceChanged: strings
//   - CellMetadataChanged, NotebookMetadataChanged: map[string]any
//   - OutputsChanged: []Output
//   - ExecutionCountChanged: *int64
type ChangeEvent struct {
	Kind   ChangeKind
	Origin Origin
	CellID string
	Index  int
	Before any
	After  any
}

// Subscription cancels an observer registration. Cancel is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// observed is the part of the document that observers can see change.
type observed struct {
	cells    []Cell
	metadata map[string]any
}

func cellKey(c Cell, index int) string {
	if c.ID != "" {
		return c.ID
	}
	return "#" + strconv.Itoa(index)
}

func diff(before, after *observed, origin Origin) []ChangeEvent {
	if before == nil || after == nil {
		return nil
	}
	var events []ChangeEvent

	beforeIdx := make(map[string]int, len(before.cells))
	for i, c := range before.cells {
		beforeIdx[cellKey(c, i)] = i
	}
	afterIdx := make(map[string]int, len(after.cells))
	for i, c := range after.cells {
		afterIdx[cellKey(c, i)] = i
	}

	for i, c := range before.cells {
		if _, ok := afterIdx[cellKey(c, i)]; !ok {
			events = append(events, ChangeEvent{Kind: CellDeleted, Origin: origin, CellID: c.ID, Index: i, Before: c})
		}
	}

	// cells kept in both snapshots, in their new order, with their old index
	var keptAfter []int
	var keptBefore []int
	for i, c := range after.cells {
		k := cellKey(c, i)
		if j, ok := beforeIdx[k]; ok {
			keptAfter = append(keptAfter, i)
			keptBefore = append(keptBefore, j)
		} else {
			events = append(events, ChangeEvent{Kind: CellInserted, Origin: origin, CellID: c.ID, Index: i, After: c})
		}
	}

	stable := longestIncreasing(keptBefore)
	for n, i := range keptAfter {
		j := keptBefore[n]
		b, a := before.cells[j], after.cells[i]
		if !stable[n] {
			events = append(events, ChangeEvent{Kind: CellMoved, Origin: origin, CellID: a.ID, Index: i, Before: j, After: i})
		}
		if b.Source != a.Source {
			events = append(events, ChangeEvent{Kind: SourceChanged, Origin: origin, CellID: a.ID, Index: i, Before: b.Source, After: a.Source})
		}
		if !reflect.DeepEqual(b.Metadata, a.Metadata) {
			events = append(events, ChangeEvent{Kind: CellMetadataChanged, Origin: origin, CellID: a.ID, Index: i, Before: b.Metadata, After: a.Metadata})
		}
		if !reflect.DeepEqual(b.Outputs, a.Outputs) {
			events = append(events, ChangeEvent{Kind: OutputsChanged, Origin: origin, CellID: a.ID, Index: i, Before: b.Outputs, After: a.Outputs})
		}
		if !equalCount(b.ExecutionCount, a.ExecutionCount) {
			events = append(events, ChangeEvent{Kind: ExecutionCountChanged, Origin: origin, CellID: a.ID, Index: i, Before: b.ExecutionCount, After: a.ExecutionCount})
		}
	}

	if !reflect.DeepEqual(before.metadata, after.metadata) {
		events = append(events, ChangeEvent{Kind: NotebookMetadataChanged, Origin: origin, Index: -1, Before: before.metadata, After: after.metadata})
	}
	return events
}

func equalCount(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// longestIncreasing marks the members of one longest strictly increasing subsequence of seq. Cells outside of it
// are the ones reported as moved.
func longestIncreasing(seq []int) []bool {
	// tails[k] is the index in seq of the smallest tail of an increasing run of length k+1
	var tails []int
	prev := make([]int, len(seq))
	for i, v := range seq {
		k := sort.Search(len(tails), func(k int) bool { return seq[tails[k]] >= v })
		if k > 0 {
			prev[i] = tails[k-1]
		} else {
			prev[i] = -1
		}
		if k == len(tails) {
			tails = append(tails, i)
		} else {
			tails[k] = i
		}
	}
	out := make([]bool, len(seq))
	if len(tails) == 0 {
		return out
	}
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		out[i] = true
	}
	return out
}
