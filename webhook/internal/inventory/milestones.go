package inventory

import "sort"

// DefaultThresholds are the remaining-quantity levels that trigger notices.
var DefaultThresholds = []int{25, 15, 10, 5, 2, 0}

// Thresholds is a descending, de-duplicated list of non-negative levels.
type Thresholds []int

// NewThresholds normalises levels.
func NewThresholds(levels []int) Thresholds {
	seen := make(map[int]bool, len(levels))
	out := make(Thresholds, 0, len(levels))
	for _, l := range levels {
		if l < 0 || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// Lowest returns the lowest threshold at or above available, the deepest
// level that available has reached.
func (t Thresholds) Lowest(available int) (int, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i] >= available {
			return t[i], true
		}
	}
	return 0, false
}

// Between returns, in descending order, the thresholds reached by moving
// from previous down to current. previous of NoMilestone means nothing was
// notified before.
func (t Thresholds) Between(current, previous int) []int {
	var out []int
	for _, level := range t {
		if level < current {
			continue
		}
		if previous != NoMilestone && level >= previous {
			continue
		}
		out = append(out, level)
	}
	return out
}

// Initial returns the LastMilestone for a freshly provisioned record so
// that levels already reached are never announced.
func (t Thresholds) Initial(available int) int {
	if level, ok := t.Lowest(available); ok {
		return level
	}
	return NoMilestone
}
