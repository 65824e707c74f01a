package lazypp

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	fileType     = reflect.TypeOf(File{})
	dirType      = reflect.TypeOf(Directory{})
	reusableType = reflect.TypeOf(ReusableFile{})
	nodeType     = reflect.TypeOf((*Node)(nil)).Elem()
)

// visitor receives the entries and nodes found by walk. Either may be nil.
type visitor struct {
	entry func(*entry) error
	node  func(Node) error
}

// walk visits v in a deterministic order: struct fields in declaration
// order, map values by sorted key, slice elements by index. It does not
// descend into nodes or reusable files. Entries reached through a pointer
// or an addressable value are visited in place; others are visited as
// copies.
func walk(v reflect.Value, vis visitor) error {
	return walkValue(v, vis, make(map[uintptr]bool))
}

func walkValue(v reflect.Value, vis visitor, seen map[uintptr]bool) error {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if v.Type().Implements(nodeType) {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return nil
		}
		if vis.node != nil {
			return vis.node(v.Interface().(Node))
		}
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		switch v.Type().Elem() {
		case fileType:
			return visitEntry(vis, &v.Interface().(*File).entry)
		case dirType:
			return visitEntry(vis, &v.Interface().(*Directory).entry)
		case reusableType:
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil
		}
		seen[ptr] = true
		return walkValue(v.Elem(), vis, seen)

	case reflect.Struct:
		switch v.Type() {
		case fileType, dirType:
			if v.CanAddr() {
				return walkValue(v.Addr(), vis, seen)
			}
			cp := reflect.New(v.Type())
			cp.Elem().Set(v)
			return walkValue(cp, vis, seen)
		case reusableType:
			return nil
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := walkValue(v.Field(i), vis, seen); err != nil {
				return err
			}
		}

	case reflect.Map:
		for _, k := range sortedKeys(v) {
			if err := walkValue(v.MapIndex(k), vis, seen); err != nil {
				return err
			}
		}

	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := walkValue(v.Index(i), vis, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReserved reports a map key or json field name in v that would be
// read back as a serialized entry. Values with their own MarshalJSON are
// not inspected.
func checkReserved(v reflect.Value, path string, seen map[uintptr]bool) error {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Type().Implements(nodeType) {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if elem := v.Type().Elem(); elem == fileType || elem == dirType || elem == reusableType {
			return nil
		}
		if v.Type().Implements(marshalerType) {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil
		}
		seen[ptr] = true
		return checkReserved(v.Elem(), path, seen)

	case reflect.Struct:
		t := v.Type()
		if t == fileType || t == dirType || t == reusableType || t.Implements(marshalerType) {
			return nil
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name == entryMarker {
				return fmt.Errorf("%s.%s: field name %q is reserved", path, f.Name, entryMarker)
			}
			if err := checkReserved(v.Field(i), path+"."+f.Name, seen); err != nil {
				return err
			}
		}

	case reflect.Map:
		if v.Type().Implements(marshalerType) {
			return nil
		}
		for _, k := range sortedKeys(v) {
			if k.Kind() == reflect.String && k.String() == entryMarker {
				return fmt.Errorf("%s: map key %q is reserved", path, entryMarker)
			}
			if err := checkReserved(v.MapIndex(k), fmt.Sprintf("%s[%v]", path, k.Interface()), seen); err != nil {
				return err
			}
		}

	case reflect.Slice, reflect.Array:
		if v.Type().Implements(marshalerType) || v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkReserved(v.Index(i), fmt.Sprintf("%s[%d]", path, i), seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func visitEntry(vis visitor, e *entry) error {
	if vis.entry == nil {
		return nil
	}
	return vis.entry(e)
}

func sortedKeys(m reflect.Value) []reflect.Value {
	keys := m.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}

// entriesOf returns the entries reachable from v, deduplicated by
// destination and source.
func entriesOf(v any) ([]*entry, error) {
	type key struct{ dest, src string }
	seen := make(map[key]bool)
	var out []*entry
	err := walk(reflect.ValueOf(v), visitor{entry: func(e *entry) error {
		k := key{e.dest, e.src}
		if !seen[k] {
			seen[k] = true
			out = append(out, e)
		}
		return nil
	}})
	return out, err
}

// nodesOf returns the nodes reachable from v in walk order.
func nodesOf(v any) ([]Node, error) {
	var out []Node
	err := walk(reflect.ValueOf(v), visitor{node: func(n Node) error {
		out = append(out, n)
		return nil
	}})
	return out, err
}
