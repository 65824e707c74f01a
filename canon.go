package lazypp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// canonicalize converts v into a tree of maps, slices and JSON leaves whose
// encoding is independent of map iteration order. Tasks, refs, entries and
// reusable files are replaced by their content identities.
func canonicalize(v reflect.Value) (any, error) {
	c := canonicalizer{onPath: make(map[uintptr]bool)}
	return c.value(v, "input")
}

type canonicalizer struct {
	onPath map[uintptr]bool
}

func invalidInput(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidInput, path, fmt.Sprintf(format, args...))
}

func (c *canonicalizer) value(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	if v.Type().Implements(nodeType) {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return nil, nil
		}
		return c.node(v.Interface().(Node), path)
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		switch v.Type().Elem() {
		case fileType:
			return c.entry(&v.Interface().(*File).entry, path)
		case dirType:
			return c.entry(&v.Interface().(*Directory).entry, path)
		case reusableType:
			h, err := v.Interface().(*ReusableFile).Hash()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			return map[string]any{"$reusable": h}, nil
		}
		ptr := v.Pointer()
		if c.onPath[ptr] {
			return nil, invalidInput(path, "cyclic reference")
		}
		c.onPath[ptr] = true
		defer delete(c.onPath, ptr)
		return c.value(v.Elem(), path)

	case reflect.Struct:
		switch v.Type() {
		case fileType:
			e := v.Interface().(File)
			return c.entry(&e.entry, path)
		case dirType:
			e := v.Interface().(Directory)
			return c.entry(&e.entry, path)
		case reusableType:
			return nil, invalidInput(path, "reusable files must be passed by pointer")
		}
		if reflect.PointerTo(v.Type()).Implements(nodeType) {
			return nil, invalidInput(path, "%s must be passed by pointer", v.Type())
		}
		if v.Type().Implements(marshalerType) {
			return c.marshaled(v, path)
		}
		return c.structure(v, path)

	case reflect.Map:
		if v.Type().Implements(marshalerType) {
			return c.marshaled(v, path)
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		for _, k := range v.MapKeys() {
			ks, err := mapKey(k)
			if err != nil {
				return nil, invalidInput(path, "%v", err)
			}
			val, err := c.value(v.MapIndex(k), path+"["+strconv.Quote(ks)+"]")
			if err != nil {
				return nil, err
			}
			out[escapeKey(ks)] = val
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if v.Type().Implements(marshalerType) {
			return c.marshaled(v, path)
		}
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return leaf(v, path)
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			val, err := c.value(v.Index(i), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalidInput(path, "non-finite float %v", f)
		}
		fallthrough
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if v.Type().Implements(marshalerType) {
			return c.marshaled(v, path)
		}
		return leaf(v, path)
	}

	return nil, invalidInput(path, "unsupported kind %s", v.Kind())
}

func (c *canonicalizer) node(n Node, path string) (any, error) {
	h, err := n.Hash()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if r, ok := n.(interface{ refOf() (string, string, error) }); ok {
		taskHash, field, err := r.refOf()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return map[string]any{"$ref": taskHash, "field": field}, nil
	}
	return map[string]any{"$task": h}, nil
}

func (c *canonicalizer) entry(e *entry, path string) (any, error) {
	d, err := e.Digest()
	if err != nil {
		return nil, invalidInput(path, "%v", err)
	}
	// An absolute dest only records where the file was found, so it is
	// left out and moving a checkout keeps its hashes.
	if filepath.IsAbs(e.dest) {
		return map[string]any{"$entry": d}, nil
	}
	return map[string]any{"$entry": d, "dest": filepath.ToSlash(e.dest)}, nil
}

func (c *canonicalizer) structure(v reflect.Value, path string) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		val, err := c.value(v.Field(i), path+"."+f.Name)
		if err != nil {
			return nil, err
		}
		out[escapeKey(name)] = val
	}
	return out, nil
}

// marshaled canonicalizes a value through its own MarshalJSON.
func (c *canonicalizer) marshaled(v reflect.Value, path string) (any, error) {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, invalidInput(path, "%v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, invalidInput(path, "%v", err)
	}
	return escapeTree(out), nil
}

// escapeKey keeps user keys apart from the "$task", "$ref", "$entry" and
// "$reusable" placeholders by doubling a leading '$'.
func escapeKey(k string) string {
	if strings.HasPrefix(k, "$") {
		return "$" + k
	}
	return k
}

func escapeTree(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[escapeKey(k)] = escapeTree(val)
		}
		return out
	case []any:
		for i, val := range n {
			n[i] = escapeTree(val)
		}
	}
	return v
}

func leaf(v reflect.Value, path string) (any, error) {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, invalidInput(path, "%v", err)
	}
	return json.RawMessage(data), nil
}

func mapKey(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("unsupported map key kind %s", k.Kind())
}

// canonicalJSON encodes a canonical tree. encoding/json sorts map keys.
func canonicalJSON(tree any) ([]byte, error) {
	return json.Marshal(tree)
}
