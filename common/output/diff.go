package output

import "fmt"

type ChangeKind int

const (
	Removed ChangeKind = iota
	Modified
	Added
)

func (k ChangeKind) String() string {
	switch k {
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	case Added:
		return "added"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(text []byte) error {
	for _, candidate := range []ChangeKind{Removed, Modified, Added} {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", text)
}

// ChangeEvent describes one difference between two snapshots.
//   - Added: New is set
//   - Removed: only ID is set
//   - Modified: Old and New are set
type ChangeEvent struct {
	Kind ChangeKind `json:"kind" yaml:"kind"`
	ID   string     `json:"id" yaml:"id"`
	Old  *Output    `json:"old,omitempty" yaml:"old,omitempty"`
	New  *Output    `json:"new,omitempty" yaml:"new,omitempty"`
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s", e.Kind, e.ID)
}

// Diff outer joins old and new on the output identifier. All Removed events
// come first, then Modified, then Added, each group in identifier order.
// Diff has no side effects.
func Diff(old, new Snapshot) []ChangeEvent {
	var removed, modified, added []ChangeEvent

	// Both sides are sorted by identifier, so a single merge pass is enough
	// and every group comes out already ordered.
	i, j := 0, 0
	for i < len(old.outputs) || j < len(new.outputs) {
		switch {
		case j == len(new.outputs) || (i < len(old.outputs) && old.outputs[i].ID < new.outputs[j].ID):
			removed = append(removed, ChangeEvent{Kind: Removed, ID: old.outputs[i].ID})
			i++
		case i == len(old.outputs) || new.outputs[j].ID < old.outputs[i].ID:
			o := new.outputs[j].Clone()
			added = append(added, ChangeEvent{Kind: Added, ID: o.ID, New: &o})
			j++
		default:
			if !old.outputs[i].Equal(new.outputs[j]) {
				before, after := old.outputs[i].Clone(), new.outputs[j].Clone()
				modified = append(modified, ChangeEvent{Kind: Modified, ID: before.ID, Old: &before, New: &after})
			}
			i++
			j++
		}
	}

	events := make([]ChangeEvent, 0, len(removed)+len(modified)+len(added))
	events = append(events, removed...)
	events = append(events, modified...)
	events = append(events, added...)
	if err := checkReferences(old, new, events); err != nil {
		panic(err)
	}
	return events
}

// checkReferences enforces that no event names an output unknown to both
// snapshots.
func checkReferences(old, new Snapshot, events []ChangeEvent) error {
	for _, e := range events {
		_, inOld := old.Get(e.ID)
		_, inNew := new.Get(e.ID)
		if !inOld && !inNew {
			return fmt.Errorf("output: change event %s references unknown identifier", e)
		}
	}
	return nil
}
