package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"event-sync-relay/shared/events"
)

var (
	ErrEncode = errors.New("encode event")
	ErrDecode = errors.New("decode event")
)

// wireEvent mirrors events.Event on the wire. Data stays raw until the
// envelope has been validated.
type wireEvent struct {
	Path  string          `json:"path"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes evt without its host context.
func Encode(evt events.Event) ([]byte, error) {
	b, err := json.Marshal(evt.WithoutContext())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return b, nil
}

// Decode parses one wire message. Path and event are required; a missing or
// null data field decodes to an empty payload.
func Decode(raw []byte) (events.Event, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return events.Event{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return events.Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if strings.TrimSpace(w.Path) == "" {
		return events.Event{}, fmt.Errorf("%w: path is required", ErrDecode)
	}
	if strings.TrimSpace(w.Event) == "" {
		return events.Event{}, fmt.Errorf("%w: event is required", ErrDecode)
	}
	data := map[string]any{}
	if len(w.Data) > 0 && !bytes.Equal(bytes.TrimSpace(w.Data), []byte("null")) {
		if err := json.Unmarshal(w.Data, &data); err != nil {
			return events.Event{}, fmt.Errorf("%w: data must be an object: %w", ErrDecode, err)
		}
	}
	return events.Event{Path: w.Path, Event: w.Event, Data: data}, nil
}
