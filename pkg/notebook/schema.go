package notebook

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Keys of the document layout. The root map holds the ordered cell list and the notebook level metadata.
const (
	keyCells    = "cells"
	keyMeta     = "meta"
	keyMetadata = "metadata"

	keyID             = "id"
	keyCellType       = "cell_type"
	keySource         = "source"
	keyOutputs        = "outputs"
	keyExecutionCount = "execution_count"
	keyExecutionState = "execution_state"

	keyNbformat      = "nbformat"
	keyNbformatMinor = "nbformat_minor"
)

const (
	DefaultNbformat      = 4
	DefaultNbformatMinor = 5
)

// toGo converts an automerge value into plain go values: maps, []any, strings, numbers, bools and nil. Text
// objects become strings.
func toGo(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return nil, nil
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return v.Uint64(), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindBytes:
		return v.Bytes(), nil
	case automerge.KindTime:
		return v.Time(), nil
	case automerge.KindText:
		return v.Text().Get()
	case automerge.KindMap:
		return mapToGo(v.Map())
	case automerge.KindList:
		l := v.List()
		out := make([]any, 0, l.Len())
		for i := 0; i < l.Len(); i++ {
			item, err := l.Get(i)
			if err != nil {
				return nil, err
			}
			gv, err := toGo(item)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return v.Interface(), nil
}

func mapToGo(m *automerge.Map) (map[string]any, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		item, err := m.Get(k)
		if err != nil {
			return nil, err
		}
		gv, err := toGo(item)
		if err != nil {
			return nil, err
		}
		out[k] = gv
	}
	return out, nil
}

func getMap(parent *automerge.Map, key string) (*automerge.Map, error) {
	v, err := parent.Get(key)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: %s is %v, expected map", ErrSchema, key, v.Kind())
	}
	return v.Map(), nil
}

func getList(parent *automerge.Map, key string) (*automerge.List, error) {
	v, err := parent.Get(key)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: %s is %v, expected list", ErrSchema, key, v.Kind())
	}
	return v.List(), nil
}

func getString(parent *automerge.Map, key string) (string, error) {
	v, err := parent.Get(key)
	if err != nil {
		return "", err
	}
	switch v.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return "", nil
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindText:
		return v.Text().Get()
	}
	return "", fmt.Errorf("%w: %s is %v, expected string", ErrSchema, key, v.Kind())
}

func getOptionalMap(parent *automerge.Map, key string) (map[string]any, error) {
	v, err := parent.Get(key)
	if err != nil {
		return nil, err
	}
	switch v.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return map[string]any{}, nil
	case automerge.KindMap:
		return mapToGo(v.Map())
	}
	return nil, fmt.Errorf("%w: %s is %v, expected map", ErrSchema, key, v.Kind())
}

func getOptionalInt(parent *automerge.Map, key string) (*int64, error) {
	v, err := parent.Get(key)
	if err != nil {
		return nil, err
	}
	var n int64
	switch v.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return nil, nil
	case automerge.KindInt64:
		n = v.Int64()
	case automerge.KindUint64:
		n = int64(v.Uint64())
	case automerge.KindFloat64:
		n = int64(v.Float64())
	default:
		return nil, fmt.Errorf("%w: %s is %v, expected integer", ErrSchema, key, v.Kind())
	}
	return &n, nil
}

func readCell(v *automerge.Value) (Cell, error) {
	if v.Kind() != automerge.KindMap {
		return Cell{}, fmt.Errorf("%w: cell is %v, expected map", ErrSchema, v.Kind())
	}
	m := v.Map()
	var c Cell
	var err error
	if c.ID, err = getString(m, keyID); err != nil {
		return Cell{}, err
	}
	rawType, err := getString(m, keyCellType)
	if err != nil {
		return Cell{}, err
	}
	c.Type = CellType(rawType)
	if !c.Type.Valid() {
		return Cell{}, fmt.Errorf("%w: unknown cell_type %q", ErrSchema, rawType)
	}
	if c.Source, err = getString(m, keySource); err != nil {
		return Cell{}, err
	}
	if c.Metadata, err = getOptionalMap(m, keyMetadata); err != nil {
		return Cell{}, err
	}
	if c.ExecutionState, err = getString(m, keyExecutionState); err != nil {
		return Cell{}, err
	}
	if c.Type != CellCode {
		return c, nil
	}
	if c.ExecutionCount, err = getOptionalInt(m, keyExecutionCount); err != nil {
		return Cell{}, err
	}
	if c.Outputs, err = readOutputs(m); err != nil {
		return Cell{}, err
	}
	return c, nil
}

func readOutputs(cell *automerge.Map) ([]Output, error) {
	v, err := cell.Get(keyOutputs)
	if err != nil {
		return nil, err
	}
	switch v.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return []Output{}, nil
	case automerge.KindList:
	default:
		return nil, fmt.Errorf("%w: outputs is %v, expected list", ErrSchema, v.Kind())
	}
	raw, err := toGo(v)
	if err != nil {
		return nil, err
	}
	items := raw.([]any)
	outputs := make([]Output, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: output is %T, expected map", ErrSchema, item)
		}
		o, err := OutputFromDict(m)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, nil
}
