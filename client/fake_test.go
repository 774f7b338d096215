package client

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mstarongithub/wmctl/common/ipc"
	"github.com/mstarongithub/wmctl/detect"
)

// In-process stand-ins for the compositors, just enough protocol to drive
// the client through its states.

const (
	swayOutputsA = `[{"name":"eDP-1","make":"BOE","model":"0x095F","serial":"","active":true,"scale":1.0,"transform":"normal",
"rect":{"x":0,"y":0,"width":1920,"height":1080},
"modes":[{"width":1920,"height":1080,"refresh":60000},{"width":1920,"height":1080,"refresh":144000}],
"current_mode":{"width":1920,"height":1080,"refresh":60000}}]`

	swayOutputsB = `[{"name":"eDP-1","make":"BOE","model":"0x095F","serial":"","active":true,"scale":1.0,"transform":"normal",
"rect":{"x":0,"y":0,"width":1920,"height":1080},
"modes":[{"width":1920,"height":1080,"refresh":60000},{"width":1920,"height":1080,"refresh":144000}],
"current_mode":{"width":1920,"height":1080,"refresh":144000}},
{"name":"HDMI-A-1","make":"Dell","model":"U2720Q","serial":"ABC123","active":true,"scale":1.0,"transform":"normal",
"rect":{"x":1920,"y":0,"width":3840,"height":2160},
"modes":[{"width":3840,"height":2160,"refresh":60000}],
"current_mode":{"width":3840,"height":2160,"refresh":60000}}]`

	hyprlandMonitorsA = `[{"id":0,"name":"eDP-1","description":"BOE 0x095F","make":"BOE","model":"0x095F","serial":"",
"width":1920,"height":1080,"refreshRate":60.0,"x":0,"y":0,"scale":1.0,"transform":0,"disabled":false,
"availableModes":["1920x1080@60.00Hz"]}]`

	niriOutputsA = `{"Ok":{"Outputs":{
"eDP-1":{"name":"eDP-1","make":"BOE","model":"0x095F","serial":null,"physical_size":[290,180],
"modes":[{"width":2560,"height":1600,"refresh_rate":120000,"is_preferred":true}],"current_mode":0,
"vrr_supported":false,"vrr_enabled":false,
"logical":{"x":0,"y":0,"width":1600,"height":1000,"scale":1.6,"transform":"Normal"}}}}}`

	niriOutputsB = `{"Ok":{"Outputs":{
"eDP-1":{"name":"eDP-1","make":"BOE","model":"0x095F","serial":null,"physical_size":[290,180],
"modes":[{"width":2560,"height":1600,"refresh_rate":120000,"is_preferred":true}],"current_mode":0,
"vrr_supported":false,"vrr_enabled":false,
"logical":{"x":0,"y":0,"width":1600,"height":1000,"scale":1.6,"transform":"Normal"}},
"DP-1":{"name":"DP-1","make":"AOC","model":"Q27","serial":"X9","physical_size":[600,340],
"modes":[{"width":2560,"height":1440,"refresh_rate":59951,"is_preferred":true}],"current_mode":0,
"vrr_supported":false,"vrr_enabled":false,
"logical":{"x":1600,"y":0,"width":2560,"height":1440,"scale":1.0,"transform":"Normal"}}}}}`

	hyprlandMonitorsB = `[{"id":0,"name":"eDP-1","description":"BOE 0x095F","make":"BOE","model":"0x095F","serial":"",
"width":1920,"height":1080,"refreshRate":60.0,"x":0,"y":0,"scale":1.0,"transform":0,"disabled":false,
"availableModes":["1920x1080@60.00Hz"]},
{"id":1,"name":"DP-2","description":"LG 27GL850","make":"LG","model":"27GL850","serial":"X1",
"width":2560,"height":1440,"refreshRate":143.97,"x":1920,"y":0,"scale":1.25,"transform":0,"disabled":false,
"availableModes":["2560x1440@143.97Hz","2560x1440@60.00Hz"]}]`
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	return log
}

// testOptions forces kind and socket and keeps every wait short
func testOptions(kind ipc.Kind, socket string) Options {
	return Options{
		Detector: &detect.Detector{
			Getenv:      func(string) string { return "" },
			Stat:        os.Stat,
			Glob:        filepath.Glob,
			ForceKind:   kind,
			ForceSocket: socket,
		},
		RecvTimeout:       20 * time.Millisecond,
		ConnectTimeout:    time.Second,
		QueryTimeout:      2 * time.Second,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffJitter:     0.1,
		Logger:            quietLogger(),
	}
}

// A detector that finds nothing
func emptyDetector() *detect.Detector {
	return &detect.Detector{
		Getenv: func(string) string { return "" },
		Stat:   os.Stat,
		Glob:   filepath.Glob,
	}
}

func swayFrame(msgType uint32, payload string) []byte {
	frame := make([]byte, 14, 14+len(payload))
	copy(frame, "i3-ipc")
	binary.NativeEndian.PutUint32(frame[6:], uint32(len(payload)))
	binary.NativeEndian.PutUint32(frame[10:], msgType)
	return append(frame, payload...)
}

const swayOutputEventType = 1<<31 | 1

type fakeSway struct {
	path string
	ln   net.Listener

	mu      sync.Mutex
	outputs string
	conns   []net.Conn
	queries  int
	accepted int
	// Payload of an output event sent in front of the next GET_OUTPUTS
	// reply, none if empty
	earlyEvent string
}

func newFakeSway(t *testing.T, outputs string) *fakeSway {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sway.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	f := &fakeSway{path: path, ln: ln, outputs: outputs}
	go f.serve()
	t.Cleanup(f.close)
	return f
}

func (f *fakeSway) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.accepted++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeSway) handle(conn net.Conn) {
	header := make([]byte, 14)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		payload := make([]byte, binary.NativeEndian.Uint32(header[6:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		switch binary.NativeEndian.Uint32(header[10:]) {
		case 2:
			conn.Write(swayFrame(2, `{"success":true}`))
		case 3:
			f.mu.Lock()
			f.queries++
			body := f.outputs
			early := f.earlyEvent
			f.earlyEvent = ""
			f.mu.Unlock()
			if early != "" {
				conn.Write(swayFrame(swayOutputEventType, early))
			}
			conn.Write(swayFrame(3, body))
		}
	}
}

func (f *fakeSway) setOutputs(outputs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = outputs
}

func (f *fakeSway) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeSway) connectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// broadcast writes frame to every open connection
func (f *fakeSway) broadcast(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Write(frame)
	}
}

// dropConnections hangs up on every client but keeps listening
func (f *fakeSway) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeSway) close() {
	f.ln.Close()
	f.dropConnections()
}

// fakeHyprland serves both sockets of one instance directory
type fakeHyprland struct {
	dir         string
	queryLn     net.Listener
	eventLn     net.Listener
	mu          sync.Mutex
	monitors    string
	eventConns  []net.Conn
	lastRequest string
}

func newFakeHyprland(t *testing.T, monitors string) *fakeHyprland {
	t.Helper()
	dir := t.TempDir()
	queryLn, err := net.Listen("unix", filepath.Join(dir, ".socket.sock"))
	require.NoError(t, err)
	eventLn, err := net.Listen("unix", filepath.Join(dir, ".socket2.sock"))
	require.NoError(t, err)

	f := &fakeHyprland{dir: dir, queryLn: queryLn, eventLn: eventLn, monitors: monitors}
	go f.serveQueries()
	go f.serveEvents()
	t.Cleanup(func() {
		queryLn.Close()
		eventLn.Close()
		f.mu.Lock()
		for _, c := range f.eventConns {
			c.Close()
		}
		f.mu.Unlock()
	})
	return f
}

// One request per connection, the reply ends when the connection does
func (f *fakeHyprland) serveQueries() {
	for {
		conn, err := f.queryLn.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		f.mu.Lock()
		f.lastRequest = string(buf[:n])
		body := f.monitors
		f.mu.Unlock()
		conn.Write([]byte(body))
		conn.Close()
	}
}

func (f *fakeHyprland) serveEvents() {
	for {
		conn, err := f.eventLn.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.eventConns = append(f.eventConns, conn)
		f.mu.Unlock()
	}
}

func (f *fakeHyprland) setMonitors(monitors string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitors = monitors
}

func (f *fakeHyprland) request() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

func (f *fakeHyprland) eventConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.eventConns)
}

func (f *fakeHyprland) emit(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.eventConns {
		c.Write([]byte(line + "\n"))
	}
}

// fakeNiri answers "Outputs" with the current reply and turns connections
// asking for "EventStream" into notification streams. Replies go out as one
// line each, the way niri writes them.
type fakeNiri struct {
	path string
	ln   net.Listener

	mu         sync.Mutex
	reply      string
	queries    int
	eventConns []net.Conn
}

func newFakeNiri(t *testing.T, reply string) *fakeNiri {
	t.Helper()
	path := filepath.Join(t.TempDir(), "niri.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	f := &fakeNiri{path: path, ln: ln}
	f.setReply(t, reply)
	go f.serve()
	t.Cleanup(func() {
		ln.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.eventConns {
			c.Close()
		}
	})
	return f
}

func (f *fakeNiri) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeNiri) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		switch scanner.Text() {
		case `"EventStream"`:
			f.mu.Lock()
			f.eventConns = append(f.eventConns, conn)
			f.mu.Unlock()
			conn.Write([]byte(`{"Ok":"Handled"}` + "\n"))
			// Requests are not read on a stream
			return
		case `"Outputs"`:
			f.mu.Lock()
			f.queries++
			reply := f.reply
			f.mu.Unlock()
			conn.Write([]byte(reply + "\n"))
		default:
			conn.Write([]byte(`{"Err":"unknown request"}` + "\n"))
		}
	}
	conn.Close()
}

// setReply keeps reply on a single line
func (f *fakeNiri) setReply(t *testing.T, reply string) {
	t.Helper()
	var line bytes.Buffer
	require.NoError(t, json.Compact(&line, []byte(reply)))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = line.String()
}

func (f *fakeNiri) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeNiri) eventConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.eventConns)
}

func (f *fakeNiri) emit(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.eventConns {
		c.Write([]byte(line + "\n"))
	}
}
