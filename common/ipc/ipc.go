// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipc translates the control protocols of the supported compositors
// into the common output model.
// Every dialect specific byte lives in here, the rest of wmctl only sees
// output.Snapshot and RawEvent.
package ipc

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/mstarongithub/wmctl/common/output"
)

type Kind string

const (
	Hyprland Kind = "hyprland"
	Sway     Kind = "sway"
	Niri     Kind = "niri"
)

// Kinds lists every supported dialect in detection priority order, highest
// first.
var Kinds = []Kind{Hyprland, Sway, Niri}

func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(name, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown compositor backend %q", name)
}

type (
	// An output related notification. Only used as a hint to query again,
	// its contents are informational.
	RawEvent struct {
		Backend Kind
		// Dialect specific event name
		Name string
		// Whatever the compositor attached to the event
		Detail string
	}

	// Adapter speaks one compositor dialect. Implementations hold no state and
	// are safe for concurrent use.
	//
	// The set is closed, New is the only way to get one.
	Adapter interface {
		Kind() Kind

		// Frame boundaries of the reply to EncodeOutputQuery
		QuerySplit() bufio.SplitFunc
		// Builds the native "list outputs" request
		EncodeOutputQuery() []byte
		// Parses one reply frame. Fails with ErrMalformed, never panics.
		DecodeOutputReply(frame []byte) (output.Snapshot, error)

		// Frame boundaries of the notification stream
		EventSplit() bufio.SplitFunc
		// Request turning a fresh connection into a notification stream.
		// Nil if the event socket streams without asking.
		EncodeSubscribe() []byte
		// Checks the acknowledgement of EncodeSubscribe
		DecodeSubscribeReply(frame []byte) error
		// Classifies an inbound stream frame. Returns nil, nil for frames
		// that have nothing to do with outputs.
		TryDecodeEvent(frame []byte) (*RawEvent, error)
		// Tells notifications from replies on a shared stream, whether or
		// not the frame decodes. Every frame of a dedicated event stream is
		// a notification.
		IsEvent(frame []byte) bool
		// Whether output queries may be sent on the subscribed event
		// connection. Otherwise every query needs its own connection.
		SharesEventStream() bool

		sealed()
	}
)

// New returns the adapter for kind
func New(kind Kind) (Adapter, error) {
	switch kind {
	case Hyprland:
		return hyprlandAdapter{}, nil
	case Sway:
		return swayAdapter{}, nil
	case Niri:
		return niriAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown compositor backend %q", kind)
	}
}

// Names shared by all dialects, matching wl_output's transform enum
var transformNames = [...]string{
	"normal", "90", "180", "270",
	"flipped", "flipped-90", "flipped-180", "flipped-270",
}

// logicalSize turns a pixel size into the size the output takes in the
// layout
func logicalSize(width, height int, scale float64, transform int) (int, int) {
	if scale > 0 {
		width = int(float64(width)/scale + 0.5)
		height = int(float64(height)/scale + 0.5)
	}
	// 90 and 270 degree rotations swap the axes
	if transform%2 == 1 {
		return height, width
	}
	return width, height
}
