// Package script hosts user-supplied Starlark hooks referenced from
// attribute rules as "script:<function>". A transform function receives
// (value, direction) and returns the rewritten value; a compare function
// receives (old_values, new_values) and returns True when the sets are
// equal under its normalization.
package script

import (
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

type Engine struct {
	thread  *starlark.Thread
	globals starlark.StringDict
}

func Load(path string) (*Engine, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}

	thread := &starlark.Thread{Name: "mapping-hooks"}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	opts := &syntax.FileOptions{Set: true, While: true}
	globals, err := starlark.ExecFileOptions(opts, thread, path, content, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script file: %w", err)
	}

	return &Engine{thread: thread, globals: globals}, nil
}

func (e *Engine) Has(name string) bool {
	_, ok := e.globals[name]
	return ok
}

func (e *Engine) Transform(fn, value, direction string) (string, error) {
	result, err := e.call(fn, starlark.Tuple{
		starlark.String(value),
		starlark.String(direction),
	})
	if err != nil {
		return "", err
	}

	s, ok := starlark.AsString(result)
	if !ok {
		return "", fmt.Errorf("transform %s returned %s, want string", fn, result.Type())
	}
	return s, nil
}

func (e *Engine) Compare(fn string, oldValues, newValues []string) (bool, error) {
	result, err := e.call(fn, starlark.Tuple{
		stringList(oldValues),
		stringList(newValues),
	})
	if err != nil {
		return false, err
	}

	b, ok := result.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("compare %s returned %s, want bool", fn, result.Type())
	}
	return bool(b), nil
}

func (e *Engine) call(fn string, args starlark.Tuple) (starlark.Value, error) {
	val, ok := e.globals[fn]
	if !ok {
		return nil, fmt.Errorf("script function %q not defined", fn)
	}
	callable, ok := val.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script global %q is not callable", fn)
	}
	return starlark.Call(e.thread, callable, args, nil)
}

func stringList(values []string) *starlark.List {
	elems := make([]starlark.Value, len(values))
	for i, v := range values {
		elems[i] = starlark.String(v)
	}
	return starlark.NewList(elems)
}
