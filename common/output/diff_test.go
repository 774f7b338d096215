package output

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOutput(id string, width, height, refresh int) Output {
	mode := Mode{Width: width, Height: height, RefreshRate: refresh}
	return Output{
		ID:          id,
		Name:        id,
		State:       Connected,
		Active:      true,
		Geometry:    Geometry{Width: width, Height: height},
		CurrentMode: &mode,
		Modes:       []Mode{mode},
	}
}

func TestDiffOutputRemoved(t *testing.T) {
	old := MustSnapshot(testOutput("eDP-1", 1920, 1080, 60000))
	events := Diff(old, Snapshot{})

	require.Len(t, events, 1)
	assert.Equal(t, Removed, events[0].Kind)
	assert.Equal(t, "eDP-1", events[0].ID)
	assert.Nil(t, events[0].Old)
	assert.Nil(t, events[0].New)
}

func TestDiffOutputAdded(t *testing.T) {
	hdmi := testOutput("HDMI-1", 1920, 1080, 60000)
	events := Diff(Snapshot{}, MustSnapshot(hdmi))

	require.Len(t, events, 1)
	assert.Equal(t, Added, events[0].Kind)
	assert.Equal(t, "HDMI-1", events[0].ID)
	require.NotNil(t, events[0].New)
	assert.True(t, events[0].New.Equal(hdmi))
}

func TestDiffRefreshRateChange(t *testing.T) {
	before := testOutput("eDP-1", 1920, 1080, 60000)
	after := testOutput("eDP-1", 1920, 1080, 144000)
	events := Diff(MustSnapshot(before), MustSnapshot(after))

	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, Modified, e.Kind)
	assert.Equal(t, "eDP-1", e.ID)
	assert.Equal(t, 60000, e.Old.CurrentMode.RefreshRate)
	assert.Equal(t, 144000, e.New.CurrentMode.RefreshRate)

	// Nothing but the refresh rate differs.
	patched := *e.Old
	patched.CurrentMode = e.New.CurrentMode
	patched.Modes = e.New.Modes
	assert.True(t, patched.Equal(*e.New))
}

func TestDiffSameSnapshotIsEmpty(t *testing.T) {
	for _, s := range diffFixtures() {
		if events := Diff(s, s); len(events) != 0 {
			t.Errorf("Diff of a snapshot with itself produced %v", events)
		}
	}
}

func TestDiffOrdering(t *testing.T) {
	old := MustSnapshot(
		testOutput("DP-3", 2560, 1440, 60000),
		testOutput("DP-1", 2560, 1440, 60000),
		testOutput("eDP-1", 1920, 1080, 60000),
		testOutput("HDMI-2", 1920, 1080, 60000),
	)
	new := MustSnapshot(
		testOutput("HDMI-1", 1920, 1080, 60000),
		testOutput("eDP-1", 1920, 1080, 144000),
		testOutput("DP-1", 3840, 2160, 60000),
		testOutput("DP-2", 1920, 1080, 60000),
	)

	var got []string
	for _, e := range Diff(old, new) {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{
		"removed DP-3",
		"removed HDMI-2",
		"modified DP-1",
		"modified eDP-1",
		"added DP-2",
		"added HDMI-1",
	}, got)
}

func TestDiffSymmetry(t *testing.T) {
	fixtures := diffFixtures()
	for _, a := range fixtures {
		for _, b := range fixtures {
			forward := Diff(a, b)
			backward := Diff(b, a)

			assert.Equal(t, idsOf(forward, Added), idsOf(backward, Removed))
			assert.Equal(t, idsOf(forward, Removed), idsOf(backward, Added))

			fm := byKind(forward, Modified)
			bm := byKind(backward, Modified)
			require.Equal(t, len(fm), len(bm))
			for i := range fm {
				assert.Equal(t, fm[i].ID, bm[i].ID)
				assert.True(t, fm[i].Old.Equal(*bm[i].New))
				assert.True(t, fm[i].New.Equal(*bm[i].Old))
			}
		}
	}
}

func TestDiffReferencesKnownIdentifiers(t *testing.T) {
	fixtures := diffFixtures()
	for _, a := range fixtures {
		for _, b := range fixtures {
			for _, e := range Diff(a, b) {
				_, inA := a.Get(e.ID)
				_, inB := b.Get(e.ID)
				if !inA && !inB {
					t.Errorf("event %s references an identifier in neither snapshot", e)
				}
			}
		}
	}
}

func TestNewSnapshotRejectsBadIdentifiers(t *testing.T) {
	_, err := NewSnapshot([]Output{testOutput("DP-1", 1, 1, 1), testOutput("DP-1", 2, 2, 2)})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	_, err = NewSnapshot([]Output{{Name: "nameless"}})
	if !errors.Is(err, ErrEmptyID) {
		t.Errorf("expected ErrEmptyID, got %v", err)
	}
}

func TestSnapshotActive(t *testing.T) {
	off := testOutput("DP-2", 1920, 1080, 60000)
	off.Active = false
	off.CurrentMode = nil
	s := MustSnapshot(testOutput("DP-1", 1920, 1080, 60000), off)

	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "DP-1", active[0].ID)
	assert.Equal(t, 2, s.Len())
}

func TestModeString(t *testing.T) {
	m := Mode{Width: 2560, Height: 1440, RefreshRate: 59951}
	assert.Equal(t, "2560x1440@59.951Hz", m.String())
}

func diffFixtures() []Snapshot {
	rotated := testOutput("DP-1", 1080, 1920, 60000)
	rotated.Transform = "90"
	withSize := testOutput("eDP-1", 1920, 1080, 60000)
	withSize.PhysicalSize = &Size{Width: 340, Height: 190}
	return []Snapshot{
		{},
		MustSnapshot(testOutput("eDP-1", 1920, 1080, 60000)),
		MustSnapshot(withSize),
		MustSnapshot(testOutput("eDP-1", 1920, 1080, 144000), testOutput("HDMI-1", 1920, 1080, 60000)),
		MustSnapshot(testOutput("DP-1", 1920, 1080, 60000), testOutput("HDMI-1", 3840, 2160, 30000)),
		MustSnapshot(rotated, testOutput("eDP-1", 1920, 1080, 60000)),
	}
}

func byKind(events []ChangeEvent, kind ChangeKind) []ChangeEvent {
	var out []ChangeEvent
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func idsOf(events []ChangeEvent, kind ChangeKind) []string {
	ids := []string{}
	for _, e := range byKind(events, kind) {
		ids = append(ids, e.ID)
	}
	return ids
}

// Editing what a snapshot or a change event hands out leaves the snapshot
// alone
func TestSnapshotDoesNotShareModes(t *testing.T) {
	before := MustSnapshot(testOutput("eDP-1", 1920, 1080, 60000))
	after := MustSnapshot(testOutput("eDP-1", 1920, 1080, 144000), testOutput("HDMI-1", 1920, 1080, 60000))
	events := Diff(before, after)
	require.Len(t, events, 2)

	for _, e := range events {
		e.New.Modes[0].RefreshRate = 1
		e.New.CurrentMode.RefreshRate = 1
		if e.Old != nil {
			e.Old.Modes[0].RefreshRate = 1
		}
	}
	outputs := after.Outputs()
	outputs[0].Modes[0].Width = 1
	got, ok := after.Get("HDMI-1")
	require.True(t, ok)
	got.Modes[0].Height = 1

	hdmi, _ := after.Get("HDMI-1")
	assert.True(t, hdmi.Equal(testOutput("HDMI-1", 1920, 1080, 60000)))
	edp, _ := after.Get("eDP-1")
	assert.True(t, edp.Equal(testOutput("eDP-1", 1920, 1080, 144000)))
	old, _ := before.Get("eDP-1")
	assert.True(t, old.Equal(testOutput("eDP-1", 1920, 1080, 60000)))
}

func TestNewSnapshotCopiesInput(t *testing.T) {
	in := []Output{testOutput("eDP-1", 1920, 1080, 60000)}
	s := MustSnapshot(in...)
	in[0].Modes[0].RefreshRate = 1

	got, _ := s.Get("eDP-1")
	assert.Equal(t, 60000, got.Modes[0].RefreshRate)
}
