// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package output holds the compositor independent view of displays and the
// logic for turning two successive views into change events.
package output

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "connected":
		*s = Connected
	case "disconnected":
		*s = Disconnected
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}

type (
	// A mode an output supports
	Mode struct {
		// Mode width in pixel
		Width int `json:"width" yaml:"width"`
		// Mode height in pixel
		Height int `json:"height" yaml:"height"`
		// Refresh rate of the mode in millihertz
		RefreshRate int  `json:"refresh_rate" yaml:"refresh_rate"`
		Preferred   bool `json:"preferred,omitempty" yaml:"preferred,omitempty"`
	}

	// Position and logical (scaled) size in the compositor layout
	Geometry struct {
		X      int `json:"x" yaml:"x"`
		Y      int `json:"y" yaml:"y"`
		Width  int `json:"width" yaml:"width"`
		Height int `json:"height" yaml:"height"`
	}

	// Physical size in millimeters
	Size struct {
		Width  int `json:"width" yaml:"width"`
		Height int `json:"height" yaml:"height"`
	}

	// One display surface known to the compositor
	Output struct {
		// Compositor assigned identifier, unique within a snapshot.
		// Survives mode changes of the same port.
		ID          string          `json:"id" yaml:"id"`
		Name        string          `json:"name" yaml:"name"`
		Description string          `json:"description,omitempty" yaml:"description,omitempty"`
		Make        string          `json:"make,omitempty" yaml:"make,omitempty"`
		Model       string          `json:"model,omitempty" yaml:"model,omitempty"`
		Serial      string          `json:"serial,omitempty" yaml:"serial,omitempty"`
		State       ConnectionState `json:"state" yaml:"state"`
		Active      bool            `json:"active" yaml:"active"`
		Geometry    Geometry        `json:"geometry" yaml:"geometry"`
		// Nil when the compositor does not report it
		PhysicalSize *Size   `json:"physical_size,omitempty" yaml:"physical_size,omitempty"`
		Scale        float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
		Transform    string  `json:"transform,omitempty" yaml:"transform,omitempty"`
		// Nil when the output is not driven
		CurrentMode *Mode  `json:"current_mode,omitempty" yaml:"current_mode,omitempty"`
		Modes       []Mode `json:"modes,omitempty" yaml:"modes,omitempty"`
	}
)

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d.%03dHz", m.Width, m.Height, m.RefreshRate/1000, m.RefreshRate%1000)
}

// Equal reports whether every attribute of o and other matches.
func (o Output) Equal(other Output) bool {
	return o.ID == other.ID &&
		o.Name == other.Name &&
		o.Description == other.Description &&
		o.Make == other.Make &&
		o.Model == other.Model &&
		o.Serial == other.Serial &&
		o.State == other.State &&
		o.Active == other.Active &&
		o.Geometry == other.Geometry &&
		equalPtr(o.PhysicalSize, other.PhysicalSize) &&
		o.Scale == other.Scale &&
		o.Transform == other.Transform &&
		equalPtr(o.CurrentMode, other.CurrentMode) &&
		slices.Equal(o.Modes, other.Modes)
}

// Clone copies o without sharing modes or pointed to values with it
func (o Output) Clone() Output {
	o.Modes = slices.Clone(o.Modes)
	o.PhysicalSize = clonePtr(o.PhysicalSize)
	o.CurrentMode = clonePtr(o.CurrentMode)
	return o
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

var (
	ErrEmptyID     = errors.New("output without identifier")
	ErrDuplicateID = errors.New("duplicate output identifier")
)

// Snapshot is the full, identifier ordered output set at one instant.
// The zero value is an empty snapshot.
type Snapshot struct {
	outputs []Output
}

// NewSnapshot sorts outputs by identifier. Empty or repeated identifiers are
// rejected so every snapshot keeps identifiers unique.
func NewSnapshot(outputs []Output) (Snapshot, error) {
	sorted := make([]Output, len(outputs))
	for i, o := range outputs {
		sorted[i] = o.Clone()
	}
	slices.SortFunc(sorted, func(a, b Output) int {
		return strings.Compare(a.ID, b.ID)
	})
	for i, o := range sorted {
		if o.ID == "" {
			return Snapshot{}, ErrEmptyID
		}
		if i > 0 && sorted[i-1].ID == o.ID {
			return Snapshot{}, fmt.Errorf("%w: %q", ErrDuplicateID, o.ID)
		}
	}
	return Snapshot{outputs: sorted}, nil
}

// MustSnapshot is NewSnapshot for literals known to be valid.
func MustSnapshot(outputs ...Output) Snapshot {
	s, err := NewSnapshot(outputs)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Snapshot) Len() int {
	return len(s.outputs)
}

// Outputs returns a deep copy, the snapshot itself never changes.
func (s Snapshot) Outputs() []Output {
	outputs := make([]Output, len(s.outputs))
	for i, o := range s.outputs {
		outputs[i] = o.Clone()
	}
	return outputs
}

func (s Snapshot) Get(id string) (Output, bool) {
	i, found := slices.BinarySearchFunc(s.outputs, id, func(o Output, id string) int {
		return strings.Compare(o.ID, id)
	})
	if !found {
		return Output{}, false
	}
	return s.outputs[i].Clone(), true
}

// Active returns the outputs currently used for rendering
func (s Snapshot) Active() []Output {
	return sliceutils.Filter(s.Outputs(), func(o Output) bool {
		return o.Active
	})
}
