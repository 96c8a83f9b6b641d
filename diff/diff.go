// Package diff implements component D: a pure, stable structural diff
// between two arbitrary JSON-like values (spec.md §4.D). The processor
// treats the result as an opaque deltaPayload; it never applies diffs
// itself, only computes and publishes them.
//
// The payload is a JSON Patch-flavored (RFC 6902) operation list: add,
// remove and replace ops addressed by JSON-pointer-style paths. Object
// keys are always visited in sorted order and the resulting op list is
// sorted by path, so the same (a, b) pair always serializes to the same
// bytes regardless of map iteration order.
package diff

import (
	"fmt"
	"sort"
)

// OpKind names one of the three patch operations relaykv emits. Unlike
// full RFC 6902, "move" and "copy" are never produced: every structural
// change is expressible as some combination of add/remove/replace, and
// that keeps the diff pure and order-independent to compute.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReplace OpKind = "replace"
)

// Op is a single patch operation. Value is omitted (nil) for OpRemove.
type Op struct {
	Op    OpKind `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diff computes the ordered list of operations that transform a into b.
// A nil/empty result means a and b are structurally equal.
func Diff(a, b any) []Op {
	var ops []Op
	walk("", a, b, &ops)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	return ops
}

func walk(path string, a, b any, ops *[]Op) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)

	switch {
	case aIsMap && bIsMap:
		walkMap(path, am, bm, ops)
	case aIsSlice && bIsSlice:
		walkSlice(path, as, bs, ops)
	case aIsMap || bIsMap || aIsSlice || bIsSlice:
		// mismatched shapes (map vs scalar, slice vs map, ...): whole replace.
		*ops = append(*ops, Op{Op: OpReplace, Path: rootOr(path), Value: b})
	case !equalScalar(a, b):
		*ops = append(*ops, Op{Op: OpReplace, Path: rootOr(path), Value: b})
	}
}

func walkMap(path string, a, b map[string]any, ops *[]Op) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		av, aok := a[k]
		bv, bok := b[k]
		childPath := path + "/" + escape(k)
		switch {
		case aok && !bok:
			*ops = append(*ops, Op{Op: OpRemove, Path: childPath})
		case !aok && bok:
			*ops = append(*ops, Op{Op: OpAdd, Path: childPath, Value: bv})
		default:
			walk(childPath, av, bv, ops)
		}
	}
}

func walkSlice(path string, a, b []any, ops *[]Op) {
	if len(a) != len(b) {
		*ops = append(*ops, Op{Op: OpReplace, Path: rootOr(path), Value: b})
		return
	}
	for i := range a {
		walk(fmt.Sprintf("%s/%d", path, i), a[i], b[i], ops)
	}
}

func rootOr(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func escape(k string) string {
	// JSON-pointer escaping per RFC 6901.
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, k[i])
		}
	}
	return string(out)
}

func equalScalar(a, b any) bool {
	af, aIsFloat := a.(float64)
	bf, bIsFloat := b.(float64)
	if aIsFloat && bIsFloat {
		return af == bf
	}
	return a == b
}
