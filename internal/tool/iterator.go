package tool

import (
	"context"
	"sort"

	"noetl.io/noetl/internal/condition"
	"noetl.io/noetl/internal/noetlerr"
)

// Iterator materializes the collection a step's `loop` will iterate over
// (§6 `loop: {in, where, order_by, limit, chunk}`), applied after the
// `in` expression has already been template-rendered to a concrete JSON
// array by the broker. This is a pure projection: it never touches the
// queue or loop state itself, those belong to the broker's step-enter
// transition (§4.4).
type Iterator struct{}

func NewIterator() *Iterator { return &Iterator{} }

func (i *Iterator) Kind() string { return "iterator" }

func (i *Iterator) Run(ctx context.Context, req Request) (Outcome, error) {
	raw, ok := req.Config["items"].([]any)
	if !ok {
		return Outcome{}, noetlerr.Validation("iterator: config.items must be a resolved array")
	}
	elementName, _ := req.Config["element"].(string)
	where, _ := req.Config["where"].(string)
	orderBy, _ := req.Config["order_by"].(string)
	chunk, _ := intConfig(req.Config["chunk"])
	limit, _ := intConfig(req.Config["limit"])

	items, err := ApplyLoopFilters(raw, elementName, where, orderBy, limit, chunk)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: map[string]any{"items": items, "count": len(items)}}, nil
}

// ApplyLoopFilters applies the `loop`/`iterator` where/order_by/limit/chunk
// projection (§6 `loop`) to an already-materialized collection. Shared
// between the `iterator` tool kind and the broker's loop-initialization
// transition (§4.4 transition 3), so both apply exactly the same
// filtering semantics to a loop's iteration collection.
func ApplyLoopFilters(raw []any, elementName, where, orderBy string, limit, chunk int) ([]any, error) {
	if elementName == "" {
		elementName = "item"
	}

	items := raw
	if where != "" {
		filtered := make([]any, 0, len(items))
		for _, it := range items {
			ok, err := condition.Eval(where, map[string]any{elementName: it, "item": it})
			if err != nil {
				return nil, noetlerr.Validation("iterator: evaluating where: " + err.Error())
			}
			if ok {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if orderBy != "" {
		items = sortByField(items, orderBy)
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	if chunk > 0 {
		items = chunked(items, chunk)
	}
	return items, nil
}

func intConfig(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func sortByField(items []any, field string) []any {
	out := make([]any, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		mi, oki := out[i].(map[string]any)
		mj, okj := out[j].(map[string]any)
		if !oki || !okj {
			return false
		}
		return lessAny(mi[field], mj[field])
	})
	return out
}

func lessAny(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	default:
		return false
	}
}

func chunked(items []any, size int) []any {
	var out []any
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
