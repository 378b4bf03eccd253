package events

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is the payload schema written by this build
const CurrentSchemaVersion = 1

// EncodePayload serialises an event payload. The bytes are what the hash
// chain covers, so they are stored verbatim.
func EncodePayload(evt DomainEvent) (json.RawMessage, error) {
	if evt == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.EventType(), err)
	}
	return data, nil
}

// DecodePayload turns stored bytes back into the concrete event type
func DecodePayload(t EventType, raw json.RawMessage) (DomainEvent, error) {
	switch t {
	case TypeGraphCreated:
		return decodeAs[GraphCreated](t, raw)
	case TypeGraphRenamed:
		return decodeAs[GraphRenamed](t, raw)
	case TypeGraphTagged:
		return decodeAs[GraphTagged](t, raw)
	case TypeGraphUntagged:
		return decodeAs[GraphUntagged](t, raw)
	case TypeGraphDeleted:
		return decodeAs[GraphDeleted](t, raw)
	case TypeNodeAdded:
		return decodeAs[NodeAdded](t, raw)
	case TypeNodeRemoved:
		return decodeAs[NodeRemoved](t, raw)
	case TypeNodeMoved:
		return decodeAs[NodeMoved](t, raw)
	case TypeEdgeAdded:
		return decodeAs[EdgeAdded](t, raw)
	case TypeEdgeRemoved:
		return decodeAs[EdgeRemoved](t, raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeAs[T DomainEvent](t EventType, raw json.RawMessage) (DomainEvent, error) {
	var evt T
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return evt, nil
}

// Upcaster migrates payloads written with an older schema version to the
// current one before decoding.
type Upcaster interface {
	Upcast(t EventType, fromVersion int, raw json.RawMessage) (json.RawMessage, error)
}
