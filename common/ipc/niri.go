package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mstarongithub/wmctl/common/output"
)

type (
	niriMode struct {
		Width       int  `json:"width"`
		Height      int  `json:"height"`
		RefreshRate int  `json:"refresh_rate"`
		IsPreferred bool `json:"is_preferred"`
	}

	niriLogical struct {
		X         int     `json:"x"`
		Y         int     `json:"y"`
		Width     int     `json:"width"`
		Height    int     `json:"height"`
		Scale     float64 `json:"scale"`
		Transform string  `json:"transform"`
	}

	niriOutput struct {
		Name         string       `json:"name"`
		Make         string       `json:"make"`
		Model        string       `json:"model"`
		Serial       *string      `json:"serial"`
		PhysicalSize *[2]int      `json:"physical_size"`
		Modes        []niriMode   `json:"modes"`
		CurrentMode  *int         `json:"current_mode"`
		Logical      *niriLogical `json:"logical"`
	}

	// Every niri reply is {"Ok": ...} or {"Err": "..."}
	niriReply struct {
		Ok  json.RawMessage `json:"Ok"`
		Err *string         `json:"Err"`
	}
)

var niriTransforms = map[string]string{
	"Normal":     "normal",
	"_90":        "90",
	"_180":       "180",
	"_270":       "270",
	"Flipped":    "flipped",
	"Flipped90":  "flipped-90",
	"Flipped180": "flipped-180",
	"Flipped270": "flipped-270",
}

type niriAdapter struct{}

func (niriAdapter) sealed() {}

func (niriAdapter) Kind() Kind { return Niri }

// Once a niri connection turns into an event stream it takes no more requests
func (niriAdapter) SharesEventStream() bool { return false }

func (niriAdapter) QuerySplit() bufio.SplitFunc { return bufio.ScanLines }

func (niriAdapter) EventSplit() bufio.SplitFunc { return bufio.ScanLines }

func (niriAdapter) EncodeOutputQuery() []byte { return []byte("\"Outputs\"\n") }

func (niriAdapter) EncodeSubscribe() []byte { return []byte("\"EventStream\"\n") }

func (niriAdapter) DecodeSubscribeReply(frame []byte) error {
	ok, err := decodeNiriReply(frame)
	if err != nil {
		return err
	}
	var handled string
	if err := json.Unmarshal(ok, &handled); err != nil || handled != "Handled" {
		return fmt.Errorf("%s: %w: %s", Niri, ErrSubscribeRejected, excerpt(ok))
	}
	return nil
}

func (niriAdapter) DecodeOutputReply(frame []byte) (output.Snapshot, error) {
	ok, err := decodeNiriReply(frame)
	if err != nil {
		return output.Snapshot{}, err
	}
	var body struct {
		Outputs map[string]niriOutput `json:"Outputs"`
	}
	if err := json.Unmarshal(ok, &body); err != nil {
		return output.Snapshot{}, malformed(Niri, "outputs reply", err)
	}
	if body.Outputs == nil {
		return output.Snapshot{}, malformed(Niri, "reply carries no outputs "+excerpt(ok), nil)
	}

	outputs := make([]output.Output, 0, len(body.Outputs))
	for key, o := range body.Outputs {
		if o.Name != key {
			return output.Snapshot{}, malformed(Niri, fmt.Sprintf("output keyed %q is named %q", key, o.Name), nil)
		}
		converted := output.Output{
			ID:    o.Name,
			Name:  o.Name,
			Make:  o.Make,
			Model: o.Model,
			State: output.Connected,
		}
		if o.Serial != nil {
			converted.Serial = *o.Serial
		}
		if o.PhysicalSize != nil {
			converted.PhysicalSize = &output.Size{Width: o.PhysicalSize[0], Height: o.PhysicalSize[1]}
		}
		for _, m := range o.Modes {
			converted.Modes = append(converted.Modes, output.Mode{
				Width:       m.Width,
				Height:      m.Height,
				RefreshRate: m.RefreshRate,
				Preferred:   m.IsPreferred,
			})
		}
		if o.CurrentMode != nil {
			if *o.CurrentMode < 0 || *o.CurrentMode >= len(converted.Modes) {
				return output.Snapshot{}, malformed(Niri, fmt.Sprintf("output %q current mode %d out of range", o.Name, *o.CurrentMode), nil)
			}
			current := converted.Modes[*o.CurrentMode]
			converted.CurrentMode = &current
		}
		if o.Logical != nil {
			converted.Geometry = output.Geometry{
				X:      o.Logical.X,
				Y:      o.Logical.Y,
				Width:  o.Logical.Width,
				Height: o.Logical.Height,
			}
			converted.Scale = o.Logical.Scale
			converted.Transform = niriTransform(o.Logical.Transform)
		}
		converted.Active = o.CurrentMode != nil && o.Logical != nil
		outputs = append(outputs, converted)
	}

	snapshot, err := output.NewSnapshot(outputs)
	if err != nil {
		return output.Snapshot{}, malformed(Niri, "output list", err)
	}
	return snapshot, nil
}

func (niriAdapter) IsEvent([]byte) bool { return true }

// TryDecodeEvent looks at one event stream line. Niri has no dedicated
// output event, hotplug shows up as the workspaces moving between outputs.
func (niriAdapter) TryDecodeEvent(frame []byte) (*RawEvent, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil, nil
	}
	var event map[string]json.RawMessage
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil, malformed(Niri, "event "+excerpt(frame), err)
	}
	if _, ok := event["WorkspacesChanged"]; ok {
		return &RawEvent{Backend: Niri, Name: "WorkspacesChanged"}, nil
	}
	return nil, nil
}

func decodeNiriReply(frame []byte) (json.RawMessage, error) {
	var reply niriReply
	if err := json.Unmarshal(frame, &reply); err != nil {
		return nil, malformed(Niri, "reply "+excerpt(frame), err)
	}
	if reply.Err != nil {
		return nil, malformed(Niri, "compositor refused request: "+*reply.Err, nil)
	}
	if len(reply.Ok) == 0 {
		return nil, malformed(Niri, "reply without Ok or Err "+excerpt(frame), nil)
	}
	return reply.Ok, nil
}

func niriTransform(name string) string {
	if t, ok := niriTransforms[name]; ok {
		return t
	}
	return strings.ToLower(name)
}
