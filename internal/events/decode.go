package events

import (
	"encoding/json"

	"github.com/cardev/car/internal/events/bus"
	"github.com/cardev/car/internal/streams"
)

// DecodeRun extracts the run event carried in a bus envelope. In-process
// subscribers see the original *streams.RunEvent; after a NATS round trip the
// payload arrives as generic JSON and is re-decoded. Returns false when the
// envelope carries something else.
func DecodeRun(event *bus.Event) (*streams.RunEvent, bool) {
	if event == nil || event.Data == nil {
		return nil, false
	}

	switch data := event.Data.(type) {
	case *streams.RunEvent:
		return data, true
	case streams.RunEvent:
		return &data, true
	}

	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil, false
	}
	var ev streams.RunEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
		return nil, false
	}
	return &ev, true
}
