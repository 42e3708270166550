package notebook

import (
	"fmt"
	"reflect"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

func checkIndex(l *automerge.List, index int, allowEnd bool) error {
	n := 0
	if l != nil {
		n = l.Len()
	}
	if index < 0 || index > n || (index == n && !allowEnd) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, n)
	}
	return nil
}

func requireCells(root *automerge.Map) (*automerge.List, error) {
	v, err := root.Get(keyCells)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: cells is %v, expected list", ErrSchema, v.Kind())
	}
	return v.List(), nil
}

func cellMapAt(root *automerge.Map, index int) (*automerge.Map, error) {
	cells, err := requireCells(root)
	if err != nil {
		return nil, err
	}
	if err := checkIndex(cells, index, false); err != nil {
		return nil, err
	}
	v, err := cells.Get(index)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: cell is %v, expected map", ErrSchema, v.Kind())
	}
	return v.Map(), nil
}

func writeCell(cells *automerge.List, index int, fields map[string]any) error {
	if err := cells.Insert(index, automerge.NewMap()); err != nil {
		return fmt.Errorf("failed to insert cell: %w", err)
	}
	v, err := cells.Get(index)
	if err != nil {
		return err
	}
	m := v.Map()
	for k, value := range fields {
		switch {
		case k == keySource:
			s, _ := value.(string)
			value = automerge.NewText(s)
		case k == keyMetadata:
			md, _ := value.(map[string]any)
			if err := m.Set(k, automerge.NewMap()); err != nil {
				return err
			}
			inner, err := getMap(m, k)
			if err != nil {
				return err
			}
			for mk, mv := range md {
				if err := inner.Set(mk, mv); err != nil {
					return fmt.Errorf("failed to set metadata %s: %w", mk, err)
				}
			}
			continue
		case k == keyOutputs:
			outputs, _ := value.([]any)
			if err := m.Set(k, automerge.NewList()); err != nil {
				return err
			}
			l, err := getList(m, k)
			if err != nil {
				return err
			}
			for _, o := range outputs {
				if err := l.Append(o); err != nil {
					return fmt.Errorf("failed to append output: %w", err)
				}
			}
			continue
		}
		if err := m.Set(k, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
	}
	return nil
}

// InsertCell inserts a new cell so that it ends up at index.
func (r *Replica) InsertCell(index int, cellType CellType, source string) (Cell, error) {
	if !cellType.Valid() {
		return Cell{}, fmt.Errorf("%w: unknown cell_type %q", ErrSchema, cellType)
	}
	c := Cell{ID: uuid.NewString(), Type: cellType, Source: source, Metadata: map[string]any{}}
	if cellType == CellCode {
		c.Outputs = []Output{}
	}
	err := r.mutate("insert cell", func(root *automerge.Map) (bool, error) {
		cells, err := requireCells(root)
		if err != nil {
			return false, err
		}
		if err := checkIndex(cells, index, true); err != nil {
			return false, err
		}
		return true, writeCell(cells, index, c.Dict())
	})
	if err != nil {
		return Cell{}, err
	}
	return c, nil
}

// SetCell replaces the cell at index with c. A cell without an id gets a new one, the stored cell is returned.
func (r *Replica) SetCell(index int, c Cell) (Cell, error) {
	if !c.Type.Valid() {
		return Cell{}, fmt.Errorf("%w: unknown cell_type %q", ErrSchema, c.Type)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Type == CellCode {
		if c.Outputs == nil {
			c.Outputs = []Output{}
		}
	} else {
		c.Outputs, c.ExecutionCount, c.ExecutionState = nil, nil, ""
	}
	fields := c.Dict()
	if c.ExecutionState != "" {
		fields[keyExecutionState] = c.ExecutionState
	}
	if err := checkValues("cell", fields); err != nil {
		return Cell{}, err
	}
	err := r.mutate("set cell", func(root *automerge.Map) (bool, error) {
		cells, err := requireCells(root)
		if err != nil {
			return false, err
		}
		if err := checkIndex(cells, index, false); err != nil {
			return false, err
		}
		if err := cells.Delete(index); err != nil {
			return false, err
		}
		return true, writeCell(cells, index, fields)
	})
	if err != nil {
		return Cell{}, err
	}
	return c, nil
}

// AppendCell adds a cell at the end and returns its index at the time of insertion.
func (r *Replica) AppendCell(cellType CellType, source string) (int, error) {
	if !cellType.Valid() {
		return -1, fmt.Errorf("%w: unknown cell_type %q", ErrSchema, cellType)
	}
	c := Cell{ID: uuid.NewString(), Type: cellType, Source: source, Metadata: map[string]any{}}
	index := -1
	err := r.mutate("append cell", func(root *automerge.Map) (bool, error) {
		cells, err := requireCells(root)
		if err != nil {
			return false, err
		}
		index = cells.Len()
		return true, writeCell(cells, index, c.Dict())
	})
	if err != nil {
		return -1, err
	}
	return index, nil
}

func (r *Replica) DeleteCell(index int) (Cell, error) {
	var removed Cell
	err := r.mutate("delete cell", func(root *automerge.Map) (bool, error) {
		cells, err := requireCells(root)
		if err != nil {
			return false, err
		}
		if err := checkIndex(cells, index, false); err != nil {
			return false, err
		}
		v, err := cells.Get(index)
		if err != nil {
			return false, err
		}
		if removed, err = readCell(v); err != nil {
			return false, err
		}
		return true, cells.Delete(index)
	})
	return removed, err
}

// MoveCell moves the cell at from so that it ends up at index to. The cell keeps its id but its source is
// rewritten, so concurrent character edits on the moved cell are lost.
func (r *Replica) MoveCell(from, to int) error {
	if from == to {
		return nil
	}
	return r.mutate("move cell", func(root *automerge.Map) (bool, error) {
		cells, err := requireCells(root)
		if err != nil {
			return false, err
		}
		if err := checkIndex(cells, from, false); err != nil {
			return false, err
		}
		if err := checkIndex(cells, to, false); err != nil {
			return false, err
		}
		v, err := cells.Get(from)
		if err != nil {
			return false, err
		}
		if v.Kind() != automerge.KindMap {
			return false, fmt.Errorf("%w: cell is %v, expected map", ErrSchema, v.Kind())
		}
		fields, err := mapToGo(v.Map())
		if err != nil {
			return false, err
		}
		if err := cells.Delete(from); err != nil {
			return false, err
		}
		return true, writeCell(cells, to, fields)
	})
}

// SetCellSource replaces the source of a cell, touching only the range that differs so that concurrent edits to
// the rest of the text are kept.
func (r *Replica) SetCellSource(index int, source string) error {
	return r.mutate("set source", func(root *automerge.Map) (bool, error) {
		cell, err := cellMapAt(root, index)
		if err != nil {
			return false, err
		}
		v, err := cell.Get(keySource)
		if err != nil {
			return false, err
		}
		if v.Kind() != automerge.KindText {
			// plain strings written by other clients are upgraded to text
			return true, cell.Set(keySource, automerge.NewText(source))
		}
		text := v.Text()
		current, err := text.Get()
		if err != nil {
			return false, err
		}
		if current == source {
			return false, nil
		}
		pos, del, insert := spliceRange([]rune(current), []rune(source))
		if err := text.Splice(pos, del, insert); err != nil {
			return false, fmt.Errorf("failed to splice source: %w", err)
		}
		return true, nil
	})
}

// spliceRange finds the smallest splice turning old into new, in code points.
func spliceRange(old, new []rune) (int, int, string) {
	prefix := 0
	for prefix < len(old) && prefix < len(new) && old[prefix] == new[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(new)-prefix && old[len(old)-1-suffix] == new[len(new)-1-suffix] {
		suffix++
	}
	return prefix, len(old) - prefix - suffix, string(new[prefix : len(new)-suffix])
}

func codeCellOutputs(root *automerge.Map, index int) (*automerge.Map, *automerge.List, error) {
	cell, err := cellMapAt(root, index)
	if err != nil {
		return nil, nil, err
	}
	if t, err := getString(cell, keyCellType); err != nil {
		return nil, nil, err
	} else if CellType(t) != CellCode {
		return nil, nil, fmt.Errorf("%w: cell %d is %s, outputs need a code cell", ErrSchema, index, t)
	}
	v, err := cell.Get(keyOutputs)
	if err != nil {
		return nil, nil, err
	}
	if v.Kind() == automerge.KindVoid {
		if err := cell.Set(keyOutputs, automerge.NewList()); err != nil {
			return nil, nil, err
		}
	}
	l, err := getList(cell, keyOutputs)
	return cell, l, err
}

func (r *Replica) AppendOutput(index int, output Output) error {
	if err := checkValues("output", output.Dict()); err != nil {
		return err
	}
	return r.mutate("append output", func(root *automerge.Map) (bool, error) {
		_, outputs, err := codeCellOutputs(root, index)
		if err != nil {
			return false, err
		}
		return true, outputs.Append(output.Dict())
	})
}

// SetOutput replaces the output at outputIndex, appending when outputIndex is the current length.
func (r *Replica) SetOutput(index, outputIndex int, output Output) error {
	if err := checkValues("output", output.Dict()); err != nil {
		return err
	}
	return r.mutate("set output", func(root *automerge.Map) (bool, error) {
		_, outputs, err := codeCellOutputs(root, index)
		if err != nil {
			return false, err
		}
		switch {
		case outputIndex == outputs.Len():
			return true, outputs.Append(output.Dict())
		case outputIndex >= 0 && outputIndex < outputs.Len():
			return true, outputs.Set(outputIndex, output.Dict())
		}
		return false, fmt.Errorf("%w: output %d of %d", ErrIndexOutOfRange, outputIndex, outputs.Len())
	})
}

func clearList(l *automerge.List) error {
	for i := l.Len() - 1; i >= 0; i-- {
		if err := l.Delete(i); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replica) ClearOutputs(index int) error {
	return r.mutate("clear outputs", func(root *automerge.Map) (bool, error) {
		_, outputs, err := codeCellOutputs(root, index)
		if err != nil {
			return false, err
		}
		if outputs.Len() == 0 {
			return false, nil
		}
		return true, clearList(outputs)
	})
}

func setCount(cell *automerge.Map, count *int64) error {
	if count == nil {
		return cell.Set(keyExecutionCount, nil)
	}
	return cell.Set(keyExecutionCount, *count)
}

func (r *Replica) SetExecutionCount(index int, count *int64) error {
	return r.mutate("set execution count", func(root *automerge.Map) (bool, error) {
		cell, _, err := codeCellOutputs(root, index)
		if err != nil {
			return false, err
		}
		return true, setCount(cell, count)
	})
}

func (r *Replica) SetExecutionState(index int, state string) error {
	return r.mutate("set execution state", func(root *automerge.Map) (bool, error) {
		cell, err := cellMapAt(root, index)
		if err != nil {
			return false, err
		}
		return true, cell.Set(keyExecutionState, state)
	})
}

// ResetExecution clears the outputs and execution count and marks the cell as running, in a single change.
func (r *Replica) ResetExecution(index int) error {
	return r.mutate("reset execution", func(root *automerge.Map) (bool, error) {
		cell, outputs, err := codeCellOutputs(root, index)
		if err != nil {
			return false, err
		}
		if err := clearList(outputs); err != nil {
			return false, err
		}
		if err := setCount(cell, nil); err != nil {
			return false, err
		}
		return true, cell.Set(keyExecutionState, "running")
	})
}

// FinishExecution records the execution count and marks the cell idle, in a single change.
func (r *Replica) FinishExecution(index int, count *int64) error {
	return r.mutate("finish execution", func(root *automerge.Map) (bool, error) {
		cell, _, err := codeCellOutputs(root, index)
		if err != nil {
			return false, err
		}
		if err := setCount(cell, count); err != nil {
			return false, err
		}
		return true, cell.Set(keyExecutionState, "idle")
	})
}

// replaceMap makes m hold exactly values. Keys whose value is already equal are not written again.
func replaceMap(m *automerge.Map, values map[string]any) (bool, error) {
	current, err := mapToGo(m)
	if err != nil {
		return false, err
	}
	changed := false
	for k := range current {
		if _, keep := values[k]; keep {
			continue
		}
		if err := m.Delete(k); err != nil {
			return false, err
		}
		changed = true
	}
	for k, v := range values {
		if old, ok := current[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		if err := m.Set(k, v); err != nil {
			return false, fmt.Errorf("failed to set %s: %w", k, err)
		}
		changed = true
	}
	return changed, nil
}

// setMetadataOf replaces the metadata map under parent, creating it when missing.
func setMetadataOf(parent *automerge.Map, values map[string]any) (bool, error) {
	created := false
	if v, err := parent.Get(keyMetadata); err != nil {
		return false, err
	} else if v.Kind() == automerge.KindVoid {
		if err := parent.Set(keyMetadata, automerge.NewMap()); err != nil {
			return false, err
		}
		created = true
	}
	md, err := getMap(parent, keyMetadata)
	if err != nil {
		return false, err
	}
	changed, err := replaceMap(md, values)
	return changed || created, err
}

// SetMetadata replaces the notebook level metadata.
func (r *Replica) SetMetadata(values map[string]any) error {
	if err := checkValues("metadata", values); err != nil {
		return err
	}
	return r.mutate("set metadata", func(root *automerge.Map) (bool, error) {
		meta, err := getMap(root, keyMeta)
		if err != nil {
			return false, err
		}
		return setMetadataOf(meta, values)
	})
}

func (r *Replica) SetCellMetadata(index int, values map[string]any) error {
	if err := checkValues("metadata", values); err != nil {
		return err
	}
	return r.mutate("set cell metadata", func(root *automerge.Map) (bool, error) {
		cell, err := cellMapAt(root, index)
		if err != nil {
			return false, err
		}
		return setMetadataOf(cell, values)
	})
}

// UpdateMetadata passes a copy of the metadata of the cell with the given id to fn and stores what fn leaves in
// it, in a single change. An empty cellID targets the notebook metadata. fn must not call the replica.
func (r *Replica) UpdateMetadata(cellID string, fn func(md map[string]any) error) error {
	return r.mutate("update metadata", func(root *automerge.Map) (bool, error) {
		var parent *automerge.Map
		var err error
		if cellID == "" {
			parent, err = getMap(root, keyMeta)
		} else {
			var index int
			if index, err = r.indexOfLocked(cellID); err != nil {
				return false, err
			}
			parent, err = cellMapAt(root, index)
		}
		if err != nil {
			return false, err
		}
		values := map[string]any{}
		if v, err := parent.Get(keyMetadata); err != nil {
			return false, err
		} else if v.Kind() == automerge.KindMap {
			if values, err = mapToGo(v.Map()); err != nil {
				return false, err
			}
		}
		if err := fn(values); err != nil {
			return false, err
		}
		if err := checkValues("metadata", values); err != nil {
			return false, err
		}
		return setMetadataOf(parent, values)
	})
}
