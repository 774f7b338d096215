// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package detect figures out which compositor is running and where its
// control sockets live. It only looks at the environment and file metadata,
// it never connects.
package detect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/adrg/xdg"

	"github.com/mstarongithub/wmctl/common/ipc"
)

var (
	ErrNoCompositorFound = errors.New("no supported compositor found")
	ErrUnknownBackend    = errors.New("unknown compositor backend")
)

// Backend is the outcome of detection
type Backend struct {
	Kind ipc.Kind
	// Socket delivering output notifications
	EventSocket string
	// Socket taking output queries. Same as EventSocket for dialects that
	// multiplex both.
	QuerySocket string
	// What gave the compositor away, for logging
	Source string
}

// Detector inspects environment variables and candidate socket paths.
// Signals are checked in ipc.Kinds order, environment variables of all
// dialects before any filesystem candidate.
type Detector struct {
	Getenv func(string) string
	// Usually $XDG_RUNTIME_DIR
	RuntimeDir string
	Stat       func(string) (fs.FileInfo, error)
	Glob       func(string) ([]string, error)

	// Skip detection and use this dialect
	ForceKind ipc.Kind
	// Socket for ForceKind. Derived from the environment when empty.
	ForceSocket string
}

// New returns a Detector backed by the real process environment
func New() *Detector {
	return &Detector{
		Getenv:     os.Getenv,
		RuntimeDir: xdg.RuntimeDir,
		Stat:       os.Stat,
		Glob:       filepath.Glob,
	}
}

type probe struct {
	env   func(d *Detector) (Backend, bool)
	files func(d *Detector) (Backend, bool)
}

var probes = map[ipc.Kind]probe{
	ipc.Hyprland: {(*Detector).hyprlandEnv, (*Detector).hyprlandFiles},
	ipc.Sway:     {(*Detector).swayEnv, (*Detector).swayFiles},
	ipc.Niri:     {(*Detector).niriEnv, (*Detector).niriFiles},
}

// Detect returns the backend to talk to. Same environment, same answer.
func (d *Detector) Detect() (Backend, error) {
	if d.ForceKind != "" {
		return d.forced()
	}
	for _, kind := range ipc.Kinds {
		if b, ok := probes[kind].env(d); ok {
			return b, nil
		}
	}
	for _, kind := range ipc.Kinds {
		if b, ok := probes[kind].files(d); ok {
			return b, nil
		}
	}
	return Backend{}, ErrNoCompositorFound
}

func (d *Detector) forced() (Backend, error) {
	p, ok := probes[d.ForceKind]
	if !ok {
		return Backend{}, fmt.Errorf("%w: %q", ErrUnknownBackend, d.ForceKind)
	}
	if d.ForceSocket != "" {
		b := Backend{Kind: d.ForceKind, EventSocket: d.ForceSocket, QuerySocket: d.ForceSocket, Source: "configured socket"}
		if d.ForceKind == ipc.Hyprland {
			// The configured path is the instance directory
			b.EventSocket = filepath.Join(d.ForceSocket, ".socket2.sock")
			b.QuerySocket = filepath.Join(d.ForceSocket, ".socket.sock")
		}
		return b, nil
	}
	if b, ok := p.env(d); ok {
		return b, nil
	}
	if b, ok := p.files(d); ok {
		return b, nil
	}
	return Backend{}, fmt.Errorf("%w: %s is configured but not running", ErrNoCompositorFound, d.ForceKind)
}

func (d *Detector) hyprlandEnv() (Backend, bool) {
	signature := d.Getenv("HYPRLAND_INSTANCE_SIGNATURE")
	if signature == "" {
		return Backend{}, false
	}
	dir := filepath.Join(d.RuntimeDir, "hypr", signature)
	// Hyprland before 0.40 kept its sockets in /tmp
	legacy := filepath.Join("/tmp", "hypr", signature)
	if !d.isSocket(filepath.Join(dir, ".socket2.sock")) && d.isSocket(filepath.Join(legacy, ".socket2.sock")) {
		dir = legacy
	}
	return hyprlandBackend(dir, "HYPRLAND_INSTANCE_SIGNATURE"), true
}

func (d *Detector) hyprlandFiles() (Backend, bool) {
	path, ok := d.firstSocket(filepath.Join(d.RuntimeDir, "hypr", "*", ".socket2.sock"))
	if !ok {
		return Backend{}, false
	}
	return hyprlandBackend(filepath.Dir(path), path), true
}

func hyprlandBackend(dir, source string) Backend {
	return Backend{
		Kind:        ipc.Hyprland,
		EventSocket: filepath.Join(dir, ".socket2.sock"),
		QuerySocket: filepath.Join(dir, ".socket.sock"),
		Source:      source,
	}
}

func (d *Detector) swayEnv() (Backend, bool) {
	return d.envSocket(ipc.Sway, "SWAYSOCK")
}

func (d *Detector) swayFiles() (Backend, bool) {
	return d.fileSocket(ipc.Sway, "sway-ipc.*.sock")
}

func (d *Detector) niriEnv() (Backend, bool) {
	return d.envSocket(ipc.Niri, "NIRI_SOCKET")
}

func (d *Detector) niriFiles() (Backend, bool) {
	return d.fileSocket(ipc.Niri, "niri.*.sock")
}

func (d *Detector) envSocket(kind ipc.Kind, variable string) (Backend, bool) {
	path := d.Getenv(variable)
	if path == "" {
		return Backend{}, false
	}
	return Backend{Kind: kind, EventSocket: path, QuerySocket: path, Source: variable}, true
}

func (d *Detector) fileSocket(kind ipc.Kind, pattern string) (Backend, bool) {
	path, ok := d.firstSocket(filepath.Join(d.RuntimeDir, pattern))
	if !ok {
		return Backend{}, false
	}
	return Backend{Kind: kind, EventSocket: path, QuerySocket: path, Source: path}, true
}

// firstSocket returns the lexically first match of pattern that is a socket
func (d *Detector) firstSocket(pattern string) (string, bool) {
	if d.RuntimeDir == "" {
		return "", false
	}
	matches, err := d.Glob(pattern)
	if err != nil {
		return "", false
	}
	sort.Strings(matches)
	for _, m := range matches {
		if d.isSocket(m) {
			return m, true
		}
	}
	return "", false
}

func (d *Detector) isSocket(path string) bool {
	info, err := d.Stat(path)
	return err == nil && info.Mode().Type() == fs.ModeSocket
}
