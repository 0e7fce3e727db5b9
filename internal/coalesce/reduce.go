// Package coalesce reduces a queued operation sequence into an equivalent
// but shorter one before egress (C4, §4.4). Reduce is a pure function over
// an in-memory slice; the caller is responsible for persisting the result
// inside one localstore transaction (step 7).
package coalesce

import (
	"sort"

	"github.com/syncmesh/syncmesh/internal/opqueue"
)

// Plan is the outcome of Reduce: the surviving operations (each still
// carrying its original SeqNo, so the caller knows which queue entry to
// overwrite) and the SeqNos of operations that must be removed entirely.
type Plan struct {
	Keep    []opqueue.Operation
	Discard []uint64
}

// groupKey identifies an (table, entity_id) coalescing group.
type groupKey struct {
	table    string
	entityID string
}

// Reduce runs the full pipeline (steps 1-6) over ops and returns the plan a
// caller applies in step 7. ops need not be sorted; Reduce sorts by SeqNo
// internally since SeqNo is the durable stand-in for enqueued_at order.
func Reduce(ops []opqueue.Operation) Plan {
	sorted := make([]opqueue.Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SeqNo < sorted[j].SeqNo })

	groups := groupByEntity(sorted)

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].table != keys[j].table {
			return keys[i].table < keys[j].table
		}
		return keys[i].entityID < keys[j].entityID
	})

	plan := Plan{}
	for _, k := range keys {
		kept, discarded := foldEntityLevel(groups[k])
		var pruned []uint64
		kept, pruned = pruneNoops(kept)
		plan.Keep = append(plan.Keep, kept...)
		plan.Discard = append(plan.Discard, discarded...)
		plan.Discard = append(plan.Discard, pruned...)
	}
	return plan
}

func groupByEntity(ops []opqueue.Operation) map[groupKey][]opqueue.Operation {
	groups := make(map[groupKey][]opqueue.Operation)
	for _, op := range ops {
		k := groupKey{table: op.Table, entityID: op.EntityID}
		groups[k] = append(groups[k], op)
	}
	return groups
}

// foldEntityLevel implements step 2 (entity-level reduction, cases 2a-2c)
// and delegates case 2d to foldFieldLevel, followed by steps 4 and 5.
func foldEntityLevel(ops []opqueue.Operation) (kept []opqueue.Operation, discarded []uint64) {
	hasCreate, hasDelete := false, false
	for _, op := range ops {
		switch op.Kind {
		case opqueue.KindCreate:
			hasCreate = true
		case opqueue.KindDelete:
			hasDelete = true
		}
	}

	switch {
	case hasCreate && hasDelete: // 2a
		for _, op := range ops {
			discarded = append(discarded, op.SeqNo)
		}
		return nil, discarded

	case hasDelete && !hasCreate: // 2b
		var del *opqueue.Operation
		for i, op := range ops {
			if op.Kind == opqueue.KindDelete && del == nil {
				del = &ops[i]
				continue
			}
			discarded = append(discarded, op.SeqNo)
		}
		return []opqueue.Operation{*del}, discarded

	case hasCreate && !hasDelete: // 2c
		return foldIntoCreate(ops)

	default: // 2d
		surviving, disc := foldFieldLevel(ops)
		discarded = append(discarded, disc...)
		surviving, disc = coalesceIncrements(surviving)
		discarded = append(discarded, disc...)
		surviving, disc = coalesceSets(surviving)
		discarded = append(discarded, disc...)
		return surviving, discarded
	}
}

// foldIntoCreate implements case 2c: fold every subsequent set/increment
// into the create's payload, chronologically, and discard them.
func foldIntoCreate(ops []opqueue.Operation) (kept []opqueue.Operation, discarded []uint64) {
	var create *opqueue.Operation
	for i, op := range ops {
		if op.Kind == opqueue.KindCreate && create == nil {
			c := ops[i]
			create = &c
			continue
		}
		switch op.Kind {
		case opqueue.KindSet:
			if op.WholeObject() {
				create.Value = shallowMerge(asMap(create.Value), asMap(op.Value))
			} else {
				m := asMap(create.Value)
				m[op.Field] = op.Value
				create.Value = m
			}
		case opqueue.KindIncrement:
			m := asMap(create.Value)
			m[op.Field] = asFloat(m[op.Field]) + asFloat(op.Value)
			create.Value = m
		}
		discarded = append(discarded, op.SeqNo)
	}
	return []opqueue.Operation{*create}, discarded
}

// foldFieldLevel implements step 3: for each field with both set and
// increment ops, discard everything strictly before the chronologically
// last set and fold trailing increments into it. Fields with only
// increments or only sets fall through unchanged (step 4/5's job). Whole-
// object sets are left untouched here; set-coalescing in step 5 merges
// them together with any field-scoped survivors.
func foldFieldLevel(ops []opqueue.Operation) (kept []opqueue.Operation, discarded []uint64) {
	var wholeSets []opqueue.Operation
	fieldOps := map[string][]opqueue.Operation{}

	for _, op := range ops {
		if op.Kind == opqueue.KindSet && op.WholeObject() {
			wholeSets = append(wholeSets, op)
			continue
		}
		fieldOps[op.Field] = append(fieldOps[op.Field], op)
	}

	fields := make([]string, 0, len(fieldOps))
	for f := range fieldOps {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		fops := fieldOps[field]
		var lastSet *opqueue.Operation
		hasIncrement := false
		for i := range fops {
			switch fops[i].Kind {
			case opqueue.KindSet:
				lastSet = &fops[i]
			case opqueue.KindIncrement:
				hasIncrement = true
			}
		}
		switch {
		case lastSet == nil:
			// increment-only group: falls through to step 4.
			kept = append(kept, fops...)
		case !hasIncrement:
			// set-only group (possibly >1 set): step 5 merges duplicates
			// entity-wide, so pass every surviving set through unchanged.
			kept = append(kept, fops...)
		default:
			// both set and increment present: discard everything strictly
			// before last_set and fold trailing increments into it.
			var sum float64
			for _, op := range fops {
				if op.SeqNo == lastSet.SeqNo {
					continue
				}
				if op.SeqNo < lastSet.SeqNo {
					discarded = append(discarded, op.SeqNo)
					continue
				}
				sum += asFloat(op.Value)
				discarded = append(discarded, op.SeqNo)
			}
			merged := *lastSet
			merged.Value = asFloat(lastSet.Value) + sum
			kept = append(kept, merged)
		}
	}

	kept = append(kept, wholeSets...)
	return kept, discarded
}

// coalesceIncrements implements step 4: for each surviving (table,
// entity_id, field) with >1 surviving increment, sum deltas into the
// oldest and discard the rest.
func coalesceIncrements(ops []opqueue.Operation) (kept []opqueue.Operation, discarded []uint64) {
	byField := map[string][]opqueue.Operation{}
	var passthrough []opqueue.Operation
	for _, op := range ops {
		if op.Kind == opqueue.KindIncrement {
			byField[op.Field] = append(byField[op.Field], op)
		} else {
			passthrough = append(passthrough, op)
		}
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		incs := byField[field]
		sort.Slice(incs, func(i, j int) bool { return incs[i].SeqNo < incs[j].SeqNo })
		oldest := incs[0]
		var sum float64
		for _, inc := range incs {
			sum += asFloat(inc.Value)
		}
		if len(incs) > 1 {
			for _, inc := range incs[1:] {
				discarded = append(discarded, inc.SeqNo)
			}
		}
		oldest.Value = sum
		kept = append(kept, oldest)
	}
	return append(kept, passthrough...), discarded
}

// coalesceSets implements step 5: for each surviving (table, entity_id)
// with >1 surviving set (field-scoped or whole-object), shallow-merge all
// values into a single whole-object set carried by the oldest, clearing
// its field.
func coalesceSets(ops []opqueue.Operation) (kept []opqueue.Operation, discarded []uint64) {
	var sets []opqueue.Operation
	var rest []opqueue.Operation
	for _, op := range ops {
		if op.Kind == opqueue.KindSet {
			sets = append(sets, op)
		} else {
			rest = append(rest, op)
		}
	}
	if len(sets) <= 1 {
		return append(append(kept, sets...), rest...), discarded
	}

	sort.Slice(sets, func(i, j int) bool { return sets[i].SeqNo < sets[j].SeqNo })
	merged := map[string]any{}
	for _, s := range sets {
		if s.WholeObject() {
			merged = shallowMerge(merged, asMap(s.Value))
		} else {
			merged[s.Field] = s.Value
		}
	}
	oldest := sets[0]
	oldest.Field = ""
	oldest.Value = merged
	for _, s := range sets[1:] {
		discarded = append(discarded, s.SeqNo)
	}
	kept = append(kept, oldest)
	return append(kept, rest...), discarded
}

// pruneNoops implements step 6: discard zero-delta increments and sets
// whose effective payload is empty, null, or only the updated_at key.
// Every op it removes from kept is returned in pruned so the caller can
// route it into Plan.Discard instead of silently losing it.
func pruneNoops(ops []opqueue.Operation) (kept []opqueue.Operation, pruned []uint64) {
	for _, op := range ops {
		switch op.Kind {
		case opqueue.KindIncrement:
			if asFloat(op.Value) == 0 {
				pruned = append(pruned, op.SeqNo)
				continue
			}
		case opqueue.KindSet:
			if op.WholeObject() {
				m := asMap(op.Value)
				delete(m, "updated_at")
				if len(m) == 0 {
					pruned = append(pruned, op.SeqNo)
					continue
				}
			} else if op.Value == nil || op.Field == "updated_at" {
				pruned = append(pruned, op.SeqNo)
				continue
			}
		}
		kept = append(kept, op)
	}
	return kept, pruned
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, vv := range m {
			out[k] = vv
		}
		return out
	}
	return map[string]any{}
}

func shallowMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
