package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/mstarongithub/wmctl/common/output"
)

// i3-ipc framing as spoken by sway: magic, payload length, message type,
// JSON payload. Integers use the host byte order.
const (
	swayMagic     = "i3-ipc"
	swayHeaderLen = len(swayMagic) + 8
	// Keep a whole frame under the transport limit. Untyped so it compares
	// against the header's uint32 length.
	swayMaxPayload = 16<<20 - 14

	swaySubscribe  uint32 = 2
	swayGetOutputs uint32 = 3

	swayEventBit    uint32 = 1 << 31
	swayOutputEvent        = swayEventBit | 1
)

type (
	swayMode struct {
		Width   int `json:"width"`
		Height  int `json:"height"`
		Refresh int `json:"refresh"`
	}

	swayRect struct {
		X      int `json:"x"`
		Y      int `json:"y"`
		Width  int `json:"width"`
		Height int `json:"height"`
	}

	// One entry of the GET_OUTPUTS reply
	swayOutput struct {
		Name        string     `json:"name"`
		Make        string     `json:"make"`
		Model       string     `json:"model"`
		Serial      string     `json:"serial"`
		Active      bool       `json:"active"`
		Scale       float64    `json:"scale"`
		Transform   string     `json:"transform"`
		Rect        swayRect   `json:"rect"`
		Modes       []swayMode `json:"modes"`
		CurrentMode *swayMode  `json:"current_mode"`
	}
)

type swayAdapter struct{}

func (swayAdapter) sealed() {}

func (swayAdapter) Kind() Kind { return Sway }

func (swayAdapter) SharesEventStream() bool { return true }

func (swayAdapter) QuerySplit() bufio.SplitFunc { return splitSway }

func (swayAdapter) EventSplit() bufio.SplitFunc { return splitSway }

func (swayAdapter) EncodeOutputQuery() []byte {
	return encodeSway(swayGetOutputs, nil)
}

func (swayAdapter) EncodeSubscribe() []byte {
	return encodeSway(swaySubscribe, []byte(`["output"]`))
}

func (a swayAdapter) DecodeSubscribeReply(frame []byte) error {
	msgType, payload, err := parseSway(frame)
	if err != nil {
		return err
	}
	if msgType != swaySubscribe {
		return malformed(Sway, fmt.Sprintf("expected subscribe reply, got message type %#x", msgType), nil)
	}
	var reply struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return malformed(Sway, "subscribe reply", err)
	}
	if !reply.Success {
		return fmt.Errorf("%s: %w", Sway, ErrSubscribeRejected)
	}
	return nil
}

func (a swayAdapter) DecodeOutputReply(frame []byte) (output.Snapshot, error) {
	msgType, payload, err := parseSway(frame)
	if err != nil {
		return output.Snapshot{}, err
	}
	if msgType != swayGetOutputs {
		return output.Snapshot{}, malformed(Sway, fmt.Sprintf("expected GET_OUTPUTS reply, got message type %#x", msgType), nil)
	}
	var raw []swayOutput
	if err := json.Unmarshal(payload, &raw); err != nil {
		return output.Snapshot{}, malformed(Sway, "GET_OUTPUTS payload", err)
	}
	if raw == nil {
		return output.Snapshot{}, malformed(Sway, "GET_OUTPUTS payload is not a list", nil)
	}

	outputs := make([]output.Output, 0, len(raw))
	for _, o := range raw {
		converted := output.Output{
			ID:        o.Name,
			Name:      o.Name,
			Make:      o.Make,
			Model:     o.Model,
			Serial:    o.Serial,
			State:     output.Connected,
			Active:    o.Active,
			Scale:     o.Scale,
			Transform: o.Transform,
			Geometry: output.Geometry{
				X:      o.Rect.X,
				Y:      o.Rect.Y,
				Width:  o.Rect.Width,
				Height: o.Rect.Height,
			},
		}
		for _, m := range o.Modes {
			converted.Modes = append(converted.Modes, output.Mode{Width: m.Width, Height: m.Height, RefreshRate: m.Refresh})
		}
		if o.Active && o.CurrentMode != nil {
			converted.CurrentMode = &output.Mode{
				Width:       o.CurrentMode.Width,
				Height:      o.CurrentMode.Height,
				RefreshRate: o.CurrentMode.Refresh,
			}
		}
		outputs = append(outputs, converted)
	}

	snapshot, err := output.NewSnapshot(outputs)
	if err != nil {
		return output.Snapshot{}, malformed(Sway, "output list", err)
	}
	return snapshot, nil
}

// IsEvent checks the event bit of the message type, the payload may still
// be garbage
func (swayAdapter) IsEvent(frame []byte) bool {
	if len(frame) < swayHeaderLen {
		return false
	}
	return binary.NativeEndian.Uint32(frame[len(swayMagic)+4:])&swayEventBit != 0
}

func (a swayAdapter) TryDecodeEvent(frame []byte) (*RawEvent, error) {
	msgType, payload, err := parseSway(frame)
	if err != nil {
		return nil, err
	}
	// Replies and every other event type are not ours
	if msgType != swayOutputEvent {
		return nil, nil
	}
	var event struct {
		Change string `json:"change"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, malformed(Sway, "output event payload", err)
	}
	return &RawEvent{Backend: Sway, Name: "output", Detail: event.Change}, nil
}

func encodeSway(msgType uint32, payload []byte) []byte {
	msg := make([]byte, swayHeaderLen, swayHeaderLen+len(payload))
	copy(msg, swayMagic)
	binary.NativeEndian.PutUint32(msg[len(swayMagic):], uint32(len(payload)))
	binary.NativeEndian.PutUint32(msg[len(swayMagic)+4:], msgType)
	return append(msg, payload...)
}

// splitSway cuts the stream into whole i3-ipc messages, header included
func splitSway(data []byte, atEOF bool) (int, []byte, error) {
	if n := min(len(data), len(swayMagic)); !bytes.Equal(data[:n], []byte(swayMagic)[:n]) {
		return 0, nil, malformed(Sway, "bad magic "+excerpt(data[:n]), nil)
	}
	if len(data) < swayHeaderLen {
		return 0, nil, nil
	}
	length := binary.NativeEndian.Uint32(data[len(swayMagic):])
	if length > swayMaxPayload {
		return 0, nil, malformed(Sway, fmt.Sprintf("payload length %d too large", length), nil)
	}
	total := swayHeaderLen + int(length)
	if len(data) < total {
		return 0, nil, nil
	}
	return total, data[:total], nil
}

func parseSway(frame []byte) (uint32, []byte, error) {
	if len(frame) < swayHeaderLen {
		return 0, nil, malformed(Sway, fmt.Sprintf("truncated header (%d bytes)", len(frame)), nil)
	}
	if !bytes.HasPrefix(frame, []byte(swayMagic)) {
		return 0, nil, malformed(Sway, "bad magic "+excerpt(frame[:len(swayMagic)]), nil)
	}
	length := binary.NativeEndian.Uint32(frame[len(swayMagic):])
	msgType := binary.NativeEndian.Uint32(frame[len(swayMagic)+4:])
	payload := frame[swayHeaderLen:]
	if uint64(length) != uint64(len(payload)) {
		return 0, nil, malformed(Sway, fmt.Sprintf("header announces %d payload bytes, frame has %d", length, len(payload)), nil)
	}
	return msgType, payload, nil
}
