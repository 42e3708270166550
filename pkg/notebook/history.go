package notebook

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// HistoryEntry describes one change in the document history and the number of cells right after it.
type HistoryEntry struct {
	Hash         string
	Dependencies []string
	ActorID      string
	Seq          uint64
	Cells        int
}

// History lists every change in causal order.
func (r *Replica) History() ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	changes, err := r.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]HistoryEntry, 0, len(changes))
	for _, change := range changes {
		docAt, err := r.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		e := HistoryEntry{
			Hash:    change.Hash().String(),
			ActorID: change.ActorID(),
			Seq:     change.ActorSeq(),
		}
		for _, dep := range change.Dependencies() {
			e.Dependencies = append(e.Dependencies, dep.String())
		}
		if v, err := docAt.Path(keyCells).Get(); err == nil && v.Kind() == automerge.KindList {
			e.Cells = v.List().Len()
		}
		out = append(out, e)
	}
	return out, nil
}
