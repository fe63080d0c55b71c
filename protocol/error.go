package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
)

// SerializedError is the structural form an error is ferried across the
// host/worker boundary as: name, message, stack, plus a best-effort copy
// of the thrown value's own-enumerable fields.
type SerializedError struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (e *SerializedError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// toJSONer lets a thrown value override its serialized form, mirroring
// spec §4.6: "Errors with a toJSON method on the thrown value are
// respected."
type toJSONer interface {
	ToSerializedError() *SerializedError
}

// Serialize converts err (recovered on the worker side, possibly from a
// panic) into its wire form. It captures a best-effort stack and walks the
// error's own exported fields, breaking circular references by replacing
// repeated references with a {"_circular": true} sentinel map.
func Serialize(err error) *SerializedError {
	if err == nil {
		return nil
	}
	if t, ok := err.(toJSONer); ok {
		if se := t.ToSerializedError(); se != nil {
			return se
		}
	}

	se := &SerializedError{
		Name:    errorName(err),
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}

	if extra := walkFields(err, make(map[uintptr]bool)); len(extra) > 0 {
		se.Extra = extra
	}
	return se
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "error"
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}

// walkFields copies the own-enumerable (exported) fields of a struct error
// value into a map, skipping functions/channels and replacing values whose
// address has already been visited with a {"_circular": true} sentinel.
func walkFields(v any, visited map[uintptr]bool) map[string]any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if visited[addr] {
			return map[string]any{"_circular": true}
		}
		visited[addr] = true
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	out := make(map[string]any)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			continue
		case reflect.Struct, reflect.Ptr:
			if nested := walkFields(fv.Interface(), visited); nested != nil {
				out[f.Name] = nested
				continue
			}
		}
		if fv.CanInterface() {
			out[f.Name] = fv.Interface()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// deserializedError is reconstructed on the handler side from a
// SerializedError: a fresh error carrying the original name as a
// non-enforced tag, since the concrete thrown type cannot be reconstructed
// across the boundary.
type deserializedError struct {
	se *SerializedError
}

func (e *deserializedError) Error() string { return e.se.Error() }

// Name returns the original error's name tag, carried across the boundary
// for diagnostics only (it does not select a concrete Go error type).
func (e *deserializedError) Name() string { return e.se.Name }

// Deserialize reconstructs an error from its wire form.
func Deserialize(se *SerializedError) error {
	if se == nil {
		return nil
	}
	return &deserializedError{se: se}
}

// NameOf returns the original error name tag carried by err, if it was
// produced by Deserialize.
func NameOf(err error) (string, bool) {
	var d *deserializedError
	if errors.As(err, &d) {
		return d.Name(), true
	}
	return "", false
}
