package main

// VectorClock tracks causal history per node for chat replication. Keys
// are node identifiers, values are event counters.
type VectorClock map[string]uint64

// ClockOrdering describes how two clocks relate.
type ClockOrdering int

const (
	ClockEqual ClockOrdering = iota
	ClockBefore
	ClockAfter
	ClockConcurrent
)

func (o ClockOrdering) String() string {
	switch o {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment bumps the counter for node, returning the new value.
func (vc VectorClock) Increment(node string) uint64 {
	vc[node]++
	return vc[node]
}

// Merge folds other into vc, taking the pointwise maximum.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Compare orders vc against other. Before means every entry of vc is <=
// the corresponding entry of other and at least one is strictly less.
func (vc VectorClock) Compare(other VectorClock) ClockOrdering {
	lessSomewhere := false
	greaterSomewhere := false

	for k, v := range vc {
		ov := other[k]
		if v < ov {
			lessSomewhere = true
		} else if v > ov {
			greaterSomewhere = true
		}
	}
	for k, ov := range other {
		if _, seen := vc[k]; seen {
			continue
		}
		if ov > 0 {
			lessSomewhere = true
		}
	}

	switch {
	case lessSomewhere && greaterSomewhere:
		return ClockConcurrent
	case lessSomewhere:
		return ClockBefore
	case greaterSomewhere:
		return ClockAfter
	default:
		return ClockEqual
	}
}

// Dominates reports whether vc strictly dominates other: vc is causally
// after it.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == ClockAfter
}
