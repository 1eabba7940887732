package sessions

import (
	"bytes"
	"fmt"

	"github.com/tmaxmax/go-sse"
)

// EncodeEvent frames payload as one SSE message event. An empty id produces
// an event without an id field.
func EncodeEvent(id string, payload []byte) ([]byte, error) {
	msg := &sse.Message{}
	if id != "" {
		eid, err := sse.NewID(id)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", id, err)
		}
		msg.ID = eid
	}
	msg.AppendData(string(payload))

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode SSE event: %w", err)
	}
	return buf.Bytes(), nil
}
