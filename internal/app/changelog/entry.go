// Package changelog keeps an append-only JSON Lines history of state
// changes, one entry per changed field.
package changelog

import (
	"github.com/YoshitsuguKoike/paracle/internal/app/state"
)

// Field names used in entries besides metadata.<key>.
const (
	FieldPhase    = "phase"
	FieldProgress = "progress"
	FieldRevision = "revision"
	MetaPrefix    = "metadata."
)

// Entry is one line of the change log.
type Entry struct {
	ID       string `json:"id"`
	TS       string `json:"ts"`
	Actor    string `json:"actor"`
	PID      int    `json:"pid"`
	Field    string `json:"field"`
	Old      any    `json:"old"`
	New      any    `json:"new"`
	Revision int    `json:"revision"`
}

// Change is a single field that differs between two records.
type Change struct {
	Field string
	Old   any
	New   any
}

// Diff lists the fields that differ between old and new, phase first,
// then progress, then metadata keys in sorted order. A removed key has a
// nil New and an added key a nil Old. When nothing differs the result is
// a single revision change, so every save leaves a trace.
func Diff(old, new *state.Record) []Change {
	if old == nil {
		old = state.NewRecord("")
	}

	var changes []Change
	if old.Phase() != new.Phase() {
		changes = append(changes, Change{Field: FieldPhase, Old: old.Phase(), New: new.Phase()})
	}
	if old.Progress() != new.Progress() {
		changes = append(changes, Change{Field: FieldProgress, Old: old.Progress(), New: new.Progress()})
	}

	for _, key := range unionKeys(old, new) {
		ov, inOld := old.Meta(key)
		nv, inNew := new.Meta(key)
		if inOld && inNew && state.Equal(ov, nv) {
			continue
		}
		changes = append(changes, Change{Field: MetaPrefix + key, Old: ov, New: nv})
	}

	if len(changes) == 0 {
		changes = append(changes, Change{Field: FieldRevision, Old: old.Revision(), New: new.Revision()})
	}
	return changes
}

// unionKeys merges two sorted key lists
func unionKeys(a, b *state.Record) []string {
	ka, kb := a.MetaKeys(), b.MetaKeys()
	out := make([]string, 0, len(ka)+len(kb))
	i, j := 0, 0
	for i < len(ka) || j < len(kb) {
		switch {
		case j >= len(kb) || (i < len(ka) && ka[i] < kb[j]):
			out = append(out, ka[i])
			i++
		case i >= len(ka) || kb[j] < ka[i]:
			out = append(out, kb[j])
			j++
		default:
			out = append(out, ka[i])
			i++
			j++
		}
	}
	return out
}
