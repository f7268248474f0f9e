package primitive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.starlark.net/starlark"

	"github.com/promptobjects/promptobjects/internal/capability"
)

// StarlarkPrimitive is a runtime-authored capability compiled from Starlark
// source. The module must export name, description, parameters() returning a
// JSON-Schema object, and receive(message, context).
type StarlarkPrimitive struct {
	name        string
	description string
	parameters  json.RawMessage
	source      string
	receiveFn   starlark.Callable
}

// Compile syntax-checks and evaluates source, resolves the required exports,
// and validates the declared parameter schema. filename appears in Starlark
// error messages only.
func Compile(filename, source string) (*StarlarkPrimitive, error) {
	thread := &starlark.Thread{Name: "compile:" + filename}
	globals, err := starlark.ExecFile(thread, filename, source, nil)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", filename, err)
	}

	name, err := stringExport(thread, globals, "name")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	description, err := stringExport(thread, globals, "description")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	paramsValue, err := callExport(thread, globals, "parameters")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	paramsGo := starlarkToGo(paramsValue)
	paramsJSON, err := json.Marshal(paramsGo)
	if err != nil {
		return nil, fmt.Errorf("%s: encode parameters: %w", filename, err)
	}
	if _, err := jsonschema.CompileString(filename+"/parameters", string(paramsJSON)); err != nil {
		return nil, fmt.Errorf("%s: parameters is not a valid JSON schema: %w", filename, err)
	}

	receiveFn, ok := globals["receive"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: receive(message, context) is required", filename)
	}

	return &StarlarkPrimitive{
		name:        name,
		description: description,
		parameters:  paramsJSON,
		source:      source,
		receiveFn:   receiveFn,
	}, nil
}

func (p *StarlarkPrimitive) Name() string                { return p.name }
func (p *StarlarkPrimitive) Description() string         { return p.description }
func (p *StarlarkPrimitive) Parameters() json.RawMessage { return p.parameters }
func (p *StarlarkPrimitive) Kind() capability.Kind       { return capability.KindPrimitive }

// Source returns the backing Starlark source.
func (p *StarlarkPrimitive) Source() string { return p.source }

// Receive calls the module's receive(message, context). String results pass
// through; other values are JSON-encoded.
func (p *StarlarkPrimitive) Receive(ctx context.Context, inv *capability.Invocation) (string, error) {
	thread := &starlark.Thread{Name: "primitive:" + p.name}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	callCtx := starlark.NewDict(3)
	_ = callCtx.SetKey(starlark.String("from_po"), starlark.String(inv.FromPO))
	_ = callCtx.SetKey(starlark.String("session_id"), starlark.String(inv.SessionID))
	if inv.Payload != nil {
		_ = callCtx.SetKey(starlark.String("payload"), goToStarlark(inv.Payload))
	}

	result, err := starlark.Call(thread, p.receiveFn,
		starlark.Tuple{starlark.String(inv.Message), callCtx}, nil)
	if err != nil {
		return "", fmt.Errorf("primitive %s: %w", p.name, err)
	}

	if s, ok := starlark.AsString(result); ok {
		return s, nil
	}
	encoded, err := json.Marshal(starlarkToGo(result))
	if err != nil {
		return "", fmt.Errorf("primitive %s: encode result: %w", p.name, err)
	}
	return string(encoded), nil
}

// stringExport resolves an export that is either a string global or a
// zero-argument function returning a string.
func stringExport(thread *starlark.Thread, globals starlark.StringDict, key string) (string, error) {
	value, ok := globals[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	if fn, ok := value.(starlark.Callable); ok {
		var err error
		value, err = starlark.Call(thread, fn, nil, nil)
		if err != nil {
			return "", fmt.Errorf("call %s(): %w", key, err)
		}
	}
	s, ok := starlark.AsString(value)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}

// callExport resolves an export that is a value or a zero-argument function.
func callExport(thread *starlark.Thread, globals starlark.StringDict, key string) (starlark.Value, error) {
	value, ok := globals[key]
	if !ok {
		return nil, fmt.Errorf("%s is required", key)
	}
	if fn, ok := value.(starlark.Callable); ok {
		result, err := starlark.Call(thread, fn, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("call %s(): %w", key, err)
		}
		return result, nil
	}
	return value, nil
}

// starlarkToGo converts a Starlark value into a JSON-encodable Go value.
func starlarkToGo(v starlark.Value) any {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case starlark.String:
		return string(v)
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, starlarkToGo(v.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, starlarkToGo(item))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, _ := starlark.AsString(item[0])
			out[key] = starlarkToGo(item[1])
		}
		return out
	default:
		return v.String()
	}
}

// goToStarlark converts a decoded JSON value into a Starlark value.
func goToStarlark(v any) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case float64:
		if v == float64(int64(v)) {
			return starlark.MakeInt64(int64(v))
		}
		return starlark.Float(v)
	case int:
		return starlark.MakeInt(v)
	case int64:
		return starlark.MakeInt64(v)
	case []any:
		items := make([]starlark.Value, 0, len(v))
		for _, item := range v {
			items = append(items, goToStarlark(item))
		}
		return starlark.NewList(items)
	case map[string]any:
		dict := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			_ = dict.SetKey(starlark.String(key), goToStarlark(v[key]))
		}
		return dict
	default:
		return starlark.String(fmt.Sprintf("%v", v))
	}
}
