package action

import (
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the current serialized action format version.
const EnvelopeVersion = 1

// envelope is the on-disk wrapper for a serialized action.
type envelope struct {
	Version int    `json:"version"`
	Action  Action `json:"action"`
}

// Encode serializes the action into its durable envelope form.
func Encode(a Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	data, err := json.Marshal(envelope{Version: EnvelopeVersion, Action: a})
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	return data, nil
}

// Decode deserializes an action from its durable envelope form.
func Decode(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return Action{}, fmt.Errorf("decode action: unsupported envelope version %d", env.Version)
	}
	if err := env.Action.Validate(); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	return env.Action, nil
}
