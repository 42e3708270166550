package notebook

import (
	"fmt"
	"strings"
)

type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
)

func (t CellType) Valid() bool {
	switch t {
	case CellCode, CellMarkdown, CellRaw:
		return true
	}
	return false
}

// Cell is a point-in-time copy of one cell. Index based addressing is only valid for the snapshot the cell was
// read from, use ID to find it again after a concurrent structural edit.
type Cell struct {
	ID             string
	Type           CellType
	Source         string
	Metadata       map[string]any
	Outputs        []Output
	ExecutionCount *int64
	ExecutionState string
}

// Dict returns the nbformat v4 representation of the cell.
func (c Cell) Dict() map[string]any {
	out := map[string]any{
		"id":        c.ID,
		"cell_type": string(c.Type),
		"source":    c.Source,
		"metadata":  copyMap(c.Metadata),
	}
	if c.Type == CellCode {
		outputs := make([]any, 0, len(c.Outputs))
		for _, o := range c.Outputs {
			outputs = append(outputs, o.Dict())
		}
		out["outputs"] = outputs
		if c.ExecutionCount != nil {
			out["execution_count"] = *c.ExecutionCount
		} else {
			out["execution_count"] = nil
		}
	}
	return out
}

type OutputType string

const (
	OutputStream        OutputType = "stream"
	OutputExecuteResult OutputType = "execute_result"
	OutputDisplayData   OutputType = "display_data"
	OutputError         OutputType = "error"
)

// Output is one nbformat output record. Which fields are meaningful depends on OutputType.
type Output struct {
	OutputType OutputType

	// stream
	Name string
	Text string

	// execute_result and display_data
	Data           map[string]any
	Metadata       map[string]any
	ExecutionCount *int64

	// error
	EName     string
	EValue    string
	Traceback []string
}

// Dict returns the nbformat representation, which is also the shape stored in the document.
func (o Output) Dict() map[string]any {
	out := map[string]any{"output_type": string(o.OutputType)}
	switch o.OutputType {
	case OutputStream:
		out["name"] = o.Name
		out["text"] = o.Text
	case OutputExecuteResult, OutputDisplayData:
		out["data"] = copyMap(o.Data)
		out["metadata"] = copyMap(o.Metadata)
		if o.OutputType == OutputExecuteResult {
			if o.ExecutionCount != nil {
				out["execution_count"] = *o.ExecutionCount
			} else {
				out["execution_count"] = nil
			}
		}
	case OutputError:
		out["ename"] = o.EName
		out["evalue"] = o.EValue
		tb := make([]any, 0, len(o.Traceback))
		for _, line := range o.Traceback {
			tb = append(tb, line)
		}
		out["traceback"] = tb
	}
	return out
}

// OutputFromDict validates and converts an nbformat output dict.
func OutputFromDict(m map[string]any) (Output, error) {
	rawType, _ := m["output_type"].(string)
	o := Output{OutputType: OutputType(rawType)}
	switch o.OutputType {
	case OutputStream:
		o.Name, _ = m["name"].(string)
		text, err := multilineString(m["text"])
		if err != nil {
			return Output{}, fmt.Errorf("%w: stream text: %v", ErrSchema, err)
		}
		o.Text = text
	case OutputExecuteResult, OutputDisplayData:
		data, err := optionalMap(m["data"])
		if err != nil {
			return Output{}, fmt.Errorf("%w: output data: %v", ErrSchema, err)
		}
		md, err := optionalMap(m["metadata"])
		if err != nil {
			return Output{}, fmt.Errorf("%w: output metadata: %v", ErrSchema, err)
		}
		o.Data, o.Metadata = data, md
		if o.OutputType == OutputExecuteResult {
			count, err := optionalInt(m["execution_count"])
			if err != nil {
				return Output{}, fmt.Errorf("%w: output execution_count: %v", ErrSchema, err)
			}
			o.ExecutionCount = count
		}
	case OutputError:
		o.EName, _ = m["ename"].(string)
		o.EValue, _ = m["evalue"].(string)
		switch tb := m["traceback"].(type) {
		case nil:
		case []string:
			o.Traceback = append([]string(nil), tb...)
		case []any:
			for _, line := range tb {
				s, ok := line.(string)
				if !ok {
					return Output{}, fmt.Errorf("%w: traceback entry is %T", ErrSchema, line)
				}
				o.Traceback = append(o.Traceback, s)
			}
		default:
			return Output{}, fmt.Errorf("%w: traceback is %T", ErrSchema, tb)
		}
	default:
		return Output{}, fmt.Errorf("%w: unknown output_type %q", ErrSchema, rawType)
	}
	return o, nil
}

// OutputFromMessage converts the content of a kernel iopub message into an output record. The boolean is false
// for message types that do not produce outputs. update_display_data is folded into display_data.
func OutputFromMessage(msgType string, content map[string]any) (Output, bool, error) {
	switch msgType {
	case "stream":
		out, err := OutputFromDict(map[string]any{
			"output_type": string(OutputStream),
			"name":        content["name"],
			"text":        content["text"],
		})
		return out, err == nil, err
	case "execute_result", "display_data", "update_display_data":
		outputType := OutputDisplayData
		if msgType == "execute_result" {
			outputType = OutputExecuteResult
		}
		out, err := OutputFromDict(map[string]any{
			"output_type":     string(outputType),
			"data":            content["data"],
			"metadata":        content["metadata"],
			"execution_count": content["execution_count"],
		})
		return out, err == nil, err
	case "error":
		out, err := OutputFromDict(map[string]any{
			"output_type": string(OutputError),
			"ename":       content["ename"],
			"evalue":      content["evalue"],
			"traceback":   content["traceback"],
		})
		return out, err == nil, err
	}
	return Output{}, false, nil
}

func multilineString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []string:
		return strings.Join(x, ""), nil
	case []any:
		var sb strings.Builder
		for _, part := range x {
			s, ok := part.(string)
			if !ok {
				return "", fmt.Errorf("list entry is %T", part)
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	}
	return "", fmt.Errorf("unexpected %T", v)
}

func optionalMap(v any) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return copyMap(x), nil
	}
	return nil, fmt.Errorf("unexpected %T", v)
}

func optionalInt(v any) (*int64, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		n = int64(x)
	case float64:
		if x != float64(int64(x)) {
			return nil, fmt.Errorf("non integer %v", x)
		}
		n = int64(x)
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
	return &n, nil
}

// copyMap deep copies maps and slices so snapshots handed to callers never alias each other.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}
