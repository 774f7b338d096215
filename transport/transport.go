// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transport owns a single Unix domain socket to a compositor and cuts
// the inbound byte stream into frames.
// It knows nothing about any dialect, the frame boundaries come from a split
// function handed in by the caller.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Frames bigger than this are treated as a broken stream
const MaxFrameSize = 16 << 20

const readChunk = 4096

var (
	// Nothing complete arrived within the timeout. Buffered partial data is
	// kept, calling RecvFrame again is fine.
	ErrTimeout = errors.New("transport: receive timed out")
	// The peer went away or the stream became unusable. Terminal for the
	// Transport, reconnect with a fresh Connect.
	ErrDisconnected = errors.New("transport: disconnected")
	// Close was already called
	ErrClosed = errors.New("transport: closed")
)

// PartialFrameError is returned when the peer closed the socket in the middle
// of a frame.
type PartialFrameError struct {
	Buffered int
}

func (e *PartialFrameError) Error() string {
	return fmt.Sprintf("transport: peer closed with %d bytes of an incomplete frame", e.Buffered)
}

func (e *PartialFrameError) Is(target error) bool {
	return target == ErrDisconnected
}

type Transport struct {
	conn  net.Conn
	path  string
	split bufio.SplitFunc
	log   logrus.FieldLogger

	buf        []byte
	start, end int
	eof        bool
	// Sticky once the stream is unusable
	broken error

	closeOnce sync.Once
	closed    bool
}

// Connect dials the socket at path. split decides frame boundaries the same
// way it would for a bufio.Scanner.
func Connect(ctx context.Context, path string, split bufio.SplitFunc) (*Transport, error) {
	return ConnectWithLogger(ctx, path, split, logrus.StandardLogger())
}

func ConnectWithLogger(ctx context.Context, path string, split bufio.SplitFunc, log logrus.FieldLogger) (*Transport, error) {
	if split == nil {
		return nil, errors.New("transport: nil split function")
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", path, err)
	}

	fields := logrus.Fields{"socket": path}
	if pid, err := peerPID(conn); err == nil {
		fields["peer-pid"] = pid
	}
	log.WithFields(fields).Debugln("Connected to compositor socket")

	return &Transport{
		conn:  conn,
		path:  path,
		split: split,
		log:   log.WithField("socket", path),
		buf:   make([]byte, readChunk),
	}, nil
}

func (t *Transport) Path() string {
	return t.path
}

// Send writes p as a whole. Write failures mean the peer is gone.
func (t *Transport) Send(p []byte) error {
	if t.closed {
		return ErrClosed
	}
	if t.broken != nil {
		return t.broken
	}
	if _, err := t.conn.Write(p); err != nil {
		t.broken = fmt.Errorf("%w: write: %w", ErrDisconnected, err)
		return t.broken
	}
	t.log.WithField("bytes", len(p)).Debugln("Sent request")
	return nil
}

// RecvFrame blocks until a complete frame is available or timeout elapses.
// A timeout <= 0 waits forever. The returned slice is owned by the caller.
func (t *Transport) RecvFrame(timeout time.Duration) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.broken != nil {
		return nil, t.broken
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, t.fail(err)
	}

	for {
		if t.start < t.end || t.eof {
			advance, token, err := t.split(t.buf[t.start:t.end], t.eof)
			if err != nil && !errors.Is(err, bufio.ErrFinalToken) {
				return nil, t.fail(fmt.Errorf("framing: %w", err))
			}
			if advance < 0 || advance > t.end-t.start {
				return nil, t.fail(errors.New("framing: split advanced out of range"))
			}
			t.start += advance
			if token != nil {
				frame := make([]byte, len(token))
				copy(frame, token)
				return frame, nil
			}
			if t.eof {
				if t.start < t.end {
					t.broken = &PartialFrameError{Buffered: t.end - t.start}
					return nil, t.broken
				}
				t.broken = ErrDisconnected
				return nil, t.broken
			}
			if advance > 0 {
				continue
			}
		}

		if err := t.fill(); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimeout
			}
			if errors.Is(err, io.EOF) {
				t.eof = true
				continue
			}
			return nil, t.fail(err)
		}
	}
}

// fill reads at least once into the free space after t.end, compacting or
// growing the buffer first.
func (t *Transport) fill() error {
	if t.start > 0 {
		copy(t.buf, t.buf[t.start:t.end])
		t.end -= t.start
		t.start = 0
	}
	if t.end == len(t.buf) {
		if len(t.buf) >= MaxFrameSize {
			return fmt.Errorf("framing: frame exceeds %d bytes", MaxFrameSize)
		}
		grown := make([]byte, min(2*len(t.buf), MaxFrameSize))
		copy(grown, t.buf[:t.end])
		t.buf = grown
	}
	n, err := t.conn.Read(t.buf[t.end:])
	t.end += n
	if n > 0 && err != nil && !errors.Is(err, io.EOF) {
		// Data made it in, report the error on the next read
		return nil
	}
	return err
}

func (t *Transport) fail(err error) error {
	t.broken = fmt.Errorf("%w: %w", ErrDisconnected, err)
	t.log.WithError(err).Debugln("Transport broken")
	return t.broken
}

// Close releases the socket. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed = true
		err = t.conn.Close()
		t.log.Debugln("Closed compositor socket")
	})
	return err
}
