// Package codec implements the outbox wire format: the compact Message
// envelope `{n, v, s, p}` and its encode/decode round trip through
// node.State. The envelope is the only thing that crosses the wire; it
// carries everything needed to resume a suspended workflow instance.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/lyzr/flowengine/internal/node"
)

// Message is the outbox payload: the workflow definition's identity, the
// NodeStates of every instance recorded so far, and the position to resume
// at.
type Message struct {
	Name     string                  `json:"n"`
	Version  string                  `json:"v"`
	States   map[string]*node.State  `json:"s"`
	Position string                  `json:"p"`
}

// Build assembles a Message from the live instance states, encoding every
// instance in states (completed siblings included; the map is not pruned to
// the ancestor chain of position), using node.EncodeState per-instance
// rather than a single reflective marshal.
func Build(name, version string, states map[node.Position]*node.Instance, position node.Position) (*Message, error) {
	out := make(map[string]*node.State, len(states))
	for pos, inst := range states {
		s, err := node.EncodeState(inst)
		if err != nil {
			return nil, fmt.Errorf("encode state at %s: %w", pos, err)
		}
		out[string(pos)] = s
	}
	return &Message{Name: name, Version: version, States: out, Position: string(position)}, nil
}

// Encode serialises a Message to its wire bytes.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses wire bytes back into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// Peek extracts the envelope's identity fields without a full decode, for
// logging paths that must still say which workflow a message belonged to
// when the body fails to decode.
func Peek(data []byte) (name, version, position string) {
	return gjson.GetBytes(data, "n").String(),
		gjson.GetBytes(data, "v").String(),
		gjson.GetBytes(data, "p").String()
}

// Instances reconstructs the {Position: *node.Instance} map a Message
// carries, the inverse of Build.
func (m *Message) Instances() (map[node.Position]*node.Instance, error) {
	out := make(map[node.Position]*node.Instance, len(m.States))
	for pos, s := range m.States {
		inst, err := node.DecodeState(node.Position(pos), s)
		if err != nil {
			return nil, fmt.Errorf("decode state at %s: %w", pos, err)
		}
		out[node.Position(pos)] = inst
	}
	return out, nil
}

// ResumePosition returns the Message's resume position as a node.Position.
func (m *Message) ResumePosition() node.Position {
	return node.Position(m.Position)
}
