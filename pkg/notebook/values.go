package notebook

import (
	"fmt"
	"reflect"
	"time"

	"github.com/automerge/automerge-go"
)

var timeType = reflect.TypeOf(time.Time{})

// checkValue walks v and rejects anything automerge cannot store, so that a mutation fails before its first write.
func checkValue(path string, v any) error {
	switch v.(type) {
	case nil, *automerge.Text, *automerge.Map, *automerge.List, *automerge.Counter:
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Struct:
		if rv.Type() == timeType {
			return nil
		}
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		iter := rv.MapRange()
		for iter.Next() {
			if err := checkValue(path+"."+iter.Key().String(), iter.Value().Interface()); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s has unsupported type %T", ErrSchema, path, v)
}

func checkValues(path string, values map[string]any) error {
	for k, v := range values {
		if err := checkValue(path+"."+k, v); err != nil {
			return err
		}
	}
	return nil
}
