package notebook

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOutputFromMessage(t *testing.T) {
	out, ok, err := OutputFromMessage("stream", map[string]any{"name": "stdout", "text": "hello world\n"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, out.Dict(), map[string]any{"output_type": "stream", "name": "stdout", "text": "hello world\n"})

	out, ok, err = OutputFromMessage("execute_result", map[string]any{
		"data":            map[string]any{"text/plain": "2"},
		"metadata":        map[string]any{},
		"execution_count": float64(1),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, out.OutputType, OutputExecuteResult)
	assert.Equal(t, *out.ExecutionCount, int64(1))
	assert.Equal(t, out.Data["text/plain"], "2")

	out, ok, err = OutputFromMessage("update_display_data", map[string]any{"data": map[string]any{"text/html": "<b/>"}})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, out.OutputType, OutputDisplayData)

	out, ok, err = OutputFromMessage("error", map[string]any{
		"ename":     "ZeroDivisionError",
		"evalue":    "division by zero",
		"traceback": []any{"line 1", "line 2"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, out.Traceback, []string{"line 1", "line 2"})

	_, ok, err = OutputFromMessage("status", map[string]any{"execution_state": "idle"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestOutputFromDictRejectsUnexpectedShapes(t *testing.T) {
	_, err := OutputFromDict(map[string]any{"output_type": "nope"})
	assert.Equal(t, errors.Is(err, ErrSchema), true)

	_, err = OutputFromDict(map[string]any{"output_type": "stream", "text": 12})
	assert.Equal(t, errors.Is(err, ErrSchema), true)

	_, err = OutputFromDict(map[string]any{"output_type": "display_data", "data": "text"})
	assert.Equal(t, errors.Is(err, ErrSchema), true)

	out, err := OutputFromDict(map[string]any{"output_type": "stream", "name": "stdout", "text": []any{"a\n", "b"}})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Text, "a\nb")
}

func TestSpliceRange(t *testing.T) {
	pos, del, ins := spliceRange([]rune("hello world"), []rune("hello big world"))
	assert.Equal(t, pos, 6)
	assert.Equal(t, del, 0)
	assert.Equal(t, ins, "big ")

	pos, del, ins = spliceRange([]rune("aaa"), []rune("a"))
	assert.Equal(t, pos, 1)
	assert.Equal(t, del, 2)
	assert.Equal(t, ins, "")
}
