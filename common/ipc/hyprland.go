package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mstarongithub/wmctl/common/output"
	"github.com/mstarongithub/wmctl/util"
)

// Matches the output of `hyprctl -j monitors all`
type hyprlandMonitor struct {
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Make           string   `json:"make"`
	Model          string   `json:"model"`
	Serial         string   `json:"serial"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	RefreshRate    float64  `json:"refreshRate"`
	X              int      `json:"x"`
	Y              int      `json:"y"`
	Scale          float64  `json:"scale"`
	Transform      int      `json:"transform"`
	Disabled       bool     `json:"disabled"`
	AvailableModes []string `json:"availableModes"`
}

// socket2 events that can mean the output set changed
var hyprlandOutputEvents = map[string]bool{
	"monitoradded":     true,
	"monitoraddedv2":   true,
	"monitorremoved":   true,
	"monitorremovedv2": true,
	"configreloaded":   true,
}

type hyprlandAdapter struct{}

func (hyprlandAdapter) sealed() {}

func (hyprlandAdapter) Kind() Kind { return Hyprland }

func (hyprlandAdapter) SharesEventStream() bool { return false }

// Hyprland answers one request per connection and hangs up afterwards
func (hyprlandAdapter) QuerySplit() bufio.SplitFunc { return splitUntilEOF }

func (hyprlandAdapter) EventSplit() bufio.SplitFunc { return bufio.ScanLines }

func (hyprlandAdapter) EncodeOutputQuery() []byte {
	// "all" includes disabled monitors
	return []byte("j/monitors all")
}

func (hyprlandAdapter) EncodeSubscribe() []byte { return nil }

func (hyprlandAdapter) DecodeSubscribeReply([]byte) error { return nil }

func (hyprlandAdapter) DecodeOutputReply(frame []byte) (output.Snapshot, error) {
	var monitors []hyprlandMonitor
	if err := json.Unmarshal(frame, &monitors); err != nil {
		return output.Snapshot{}, malformed(Hyprland, "monitors reply "+excerpt(frame), err)
	}
	if monitors == nil {
		return output.Snapshot{}, malformed(Hyprland, "monitors reply is not a list", nil)
	}

	outputs := make([]output.Output, 0, len(monitors))
	for _, m := range monitors {
		if m.Transform < 0 || m.Transform >= len(transformNames) {
			return output.Snapshot{}, malformed(Hyprland, fmt.Sprintf("monitor %q has transform %d", m.Name, m.Transform), nil)
		}
		converted := output.Output{
			ID:          m.Name,
			Name:        m.Name,
			Description: m.Description,
			Make:        m.Make,
			Model:       m.Model,
			Serial:      m.Serial,
			State:       output.Connected,
			Active:      !m.Disabled,
			Scale:       m.Scale,
			Transform:   transformNames[m.Transform],
		}
		for _, raw := range m.AvailableModes {
			mode, err := parseHyprlandMode(raw)
			if err != nil {
				return output.Snapshot{}, malformed(Hyprland, fmt.Sprintf("monitor %q", m.Name), err)
			}
			converted.Modes = append(converted.Modes, mode)
		}
		if !m.Disabled {
			converted.CurrentMode = &output.Mode{
				Width:       m.Width,
				Height:      m.Height,
				RefreshRate: int(math.Round(m.RefreshRate * 1000)),
			}
			width, height := logicalSize(m.Width, m.Height, m.Scale, m.Transform)
			converted.Geometry = output.Geometry{X: m.X, Y: m.Y, Width: width, Height: height}
		}
		outputs = append(outputs, converted)
	}

	snapshot, err := output.NewSnapshot(outputs)
	if err != nil {
		return output.Snapshot{}, malformed(Hyprland, "monitor list", err)
	}
	return snapshot, nil
}

func (hyprlandAdapter) IsEvent([]byte) bool { return true }

// TryDecodeEvent reads one socket2 line, EVENT>>DATA
func (hyprlandAdapter) TryDecodeEvent(frame []byte) (*RawEvent, error) {
	line := strings.TrimRight(string(frame), "\r")
	if line == "" {
		return nil, nil
	}
	parts := strings.SplitN(line, ">>", 2)
	if len(parts) != 2 {
		return nil, malformed(Hyprland, "event line without separator "+excerpt(frame), nil)
	}
	var name, data string
	util.Unpack(parts, &name, &data)
	if !hyprlandOutputEvents[name] {
		return nil, nil
	}
	return &RawEvent{Backend: Hyprland, Name: name, Detail: data}, nil
}

// parseHyprlandMode reads entries like "1920x1080@60.00Hz"
func parseHyprlandMode(raw string) (output.Mode, error) {
	size, rate, ok := strings.Cut(strings.TrimSuffix(raw, "Hz"), "@")
	if !ok {
		return output.Mode{}, fmt.Errorf("mode %q has no refresh rate", raw)
	}
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return output.Mode{}, fmt.Errorf("mode %q has no resolution", raw)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return output.Mode{}, fmt.Errorf("mode %q: %w", raw, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return output.Mode{}, fmt.Errorf("mode %q: %w", raw, err)
	}
	hz, err := strconv.ParseFloat(rate, 64)
	if err != nil {
		return output.Mode{}, fmt.Errorf("mode %q: %w", raw, err)
	}
	return output.Mode{Width: width, Height: height, RefreshRate: int(math.Round(hz * 1000))}, nil
}

// splitUntilEOF hands out everything the peer sent before hanging up as one
// frame
func splitUntilEOF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
